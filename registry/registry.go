// Copyright 2022 The tasknotify Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/tasknotify/audit"
	"github.com/alwitt/tasknotify/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Transport delivers a notification toward the client behind a registered
// connection. Delivery is best-effort; a failure concerns only that one
// connection and never the rest of a fan-out.
type Transport interface {
	Send(ctxt context.Context, connectionID string, msg common.Notification) error
}

// Connection entry detailing one registered subscriber.
//
// A Connection is a logical subscriber identity, not a raw socket; the
// socket (if any) is managed by the transport.
type Connection struct {
	// ConnectionID uniquely identifies this connection
	ConnectionID string `json:"connection_id" validate:"required"`
	// OwnerID is the user / session which registered this connection
	OwnerID string `json:"owner_id" validate:"required"`
	// SubscribedTopics lists joined topic keys in subscription order
	SubscribedTopics []string `json:"subscribed_topics"`
	// EstablishedAt is when the connection was registered
	EstablishedAt time.Time `json:"established_at"`
	// LastActivityAt is refreshed on subscribe, unsubscribe, and delivery
	LastActivityAt time.Time `json:"last_activity_at"`
}

// RegistryStats a point-in-time summary of registry content
type RegistryStats struct {
	// TotalConnections is the number of registered connections
	TotalConnections int `json:"total_connections"`
	// ActiveConnections is the number of connections with recent activity
	ActiveConnections int `json:"active_connections"`
	// TotalTopics is the number of topics with at least one subscriber
	TotalTopics int `json:"total_topics"`
	// PerTopic maps topic key to subscriber count. Only filled on request.
	PerTopic map[string]int `json:"per_topic,omitempty"`
}

// ConnectionRegistry manage subscriber connections, their topic
// subscriptions, and notification fan-out.
//
// The connection store and the topic inverted index are mutated under one
// shared lock so they can never diverge: a connection lists a topic if and
// only if the topic lists the connection.
type ConnectionRegistry interface {
	// Register create a connection record for ownerID. When connectionID is
	// empty an ID is generated. The connection is auto-subscribed to the
	// owner's personal topic. Re-registering a live connectionID resets it:
	// prior topic memberships are cleared before the record is rebuilt.
	Register(connectionID, ownerID string, timestamp time.Time) (Connection, error)
	// Remove drop a connection, unsubscribing it from every joined topic
	// first. Reports whether the connection existed; absent is a no-op.
	Remove(connectionID string) bool
	// Touch refresh a connection's activity timestamp. No-op when absent.
	Touch(connectionID string, timestamp time.Time)
	// Get fetch a copy of a connection record
	Get(connectionID string) (Connection, bool)
	// ConnectionCount number of registered connections
	ConnectionCount() int
	// ListStale connection IDs idle longer than staleThreshold as of now
	ListStale(staleThreshold time.Duration, now time.Time) []string
	// EvictStale remove every connection idle longer than staleThreshold as
	// of now, in one atomic pass. Returns the evicted connection IDs.
	EvictStale(staleThreshold time.Duration, now time.Time) []string
	// Subscribe join a connection to a topic. False when the connection is
	// unknown. Repeat subscribes are no-ops. Touches the connection.
	Subscribe(connectionID, topicKey string, timestamp time.Time) bool
	// Unsubscribe remove a connection from a topic. False when the
	// connection is unknown; leaving a topic never joined is a no-op
	// reporting true. Touches the connection.
	Unsubscribe(connectionID, topicKey string, timestamp time.Time) bool
	// SubscribersOf connection IDs currently subscribed to a topic
	SubscribersOf(topicKey string) []string
	// TopicCount number of topics with at least one subscriber
	TopicCount() int
	// Broadcast address msg to every current subscriber of a topic and hand
	// each to the transport. Returns the ATTEMPTED delivery count: the
	// subscribers found at snapshot time, not transport acknowledgments.
	Broadcast(ctxt context.Context, topicKey string, msg common.Notification, timestamp time.Time) int
	// Stats summarize registry content. Connections touched within
	// activeWithin of now count as active.
	Stats(activeWithin time.Duration, now time.Time, includeDetail bool) RegistryStats
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock        *sync.Mutex
	connections map[string]*Connection
	topics      map[string]map[string]bool
	transport   Transport
	auditor     audit.Recorder
}

// GetConnectionRegistry create new connection registry delivering through
// the given transport. Transport failures are reported via the auditor.
func GetConnectionRegistry(
	instance string, transport Transport, auditor audit.Recorder,
) (ConnectionRegistry, error) {
	if transport == nil {
		return nil, fmt.Errorf("connection registry requires a transport")
	}
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component:   common.Component{LogTags: logTags},
		lock:        &sync.Mutex{},
		connections: make(map[string]*Connection),
		topics:      make(map[string]map[string]bool),
		transport:   transport,
		auditor:     auditor,
	}, nil
}

// Register create a connection record for ownerID
func (r *connectionRegistryImpl) Register(
	connectionID, ownerID string, timestamp time.Time,
) (Connection, error) {
	if ownerID == "" {
		return Connection{}, fmt.Errorf("connection registration requires an owner ID")
	}
	if connectionID == "" {
		connectionID = uuid.New().String()
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	// Reset semantics on ID reuse: clear prior memberships through the
	// normal cascade so the topic index stays consistent.
	if existing, ok := r.connections[connectionID]; ok {
		log.WithFields(r.LogTags).Warnf(
			"Connection %s re-registered while live. Resetting prior state", connectionID,
		)
		r.dropMembershipsLocked(existing)
	}

	entry := &Connection{
		ConnectionID:     connectionID,
		OwnerID:          ownerID,
		SubscribedTopics: []string{},
		EstablishedAt:    timestamp,
		LastActivityAt:   timestamp,
	}
	r.connections[connectionID] = entry
	r.subscribeLocked(entry, UserTopic(ownerID))

	log.WithFields(r.LogTags).Infof(
		"Registered connection %s for owner %s", connectionID, ownerID,
	)
	return *entry, nil
}

// Remove drop a connection
func (r *connectionRegistryImpl) Remove(connectionID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.removeLocked(connectionID)
}

// removeLocked caller must hold r.lock
func (r *connectionRegistryImpl) removeLocked(connectionID string) bool {
	entry, ok := r.connections[connectionID]
	if !ok {
		return false
	}
	r.dropMembershipsLocked(entry)
	delete(r.connections, connectionID)
	log.WithFields(r.LogTags).Infof("Removed connection %s", connectionID)
	return true
}

// dropMembershipsLocked unsubscribe a connection from every joined topic.
// Caller must hold r.lock.
func (r *connectionRegistryImpl) dropMembershipsLocked(entry *Connection) {
	for _, topicKey := range entry.SubscribedTopics {
		r.dropFromIndexLocked(entry.ConnectionID, topicKey)
	}
	entry.SubscribedTopics = []string{}
}

// dropFromIndexLocked remove one index entry, deleting the topic when its
// subscriber set empties. Caller must hold r.lock.
func (r *connectionRegistryImpl) dropFromIndexLocked(connectionID, topicKey string) {
	members, ok := r.topics[topicKey]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.topics, topicKey)
	}
}

// subscribeLocked idempotently join a connection to a topic. Caller must
// hold r.lock.
func (r *connectionRegistryImpl) subscribeLocked(entry *Connection, topicKey string) {
	members, ok := r.topics[topicKey]
	if !ok {
		members = make(map[string]bool)
		r.topics[topicKey] = members
	}
	if !members[entry.ConnectionID] {
		members[entry.ConnectionID] = true
		entry.SubscribedTopics = append(entry.SubscribedTopics, topicKey)
	}
}

// Touch refresh a connection's activity timestamp
func (r *connectionRegistryImpl) Touch(connectionID string, timestamp time.Time) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if entry, ok := r.connections[connectionID]; ok {
		entry.LastActivityAt = timestamp
	}
}

// Get fetch a copy of a connection record
func (r *connectionRegistryImpl) Get(connectionID string) (Connection, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.connections[connectionID]
	if !ok {
		return Connection{}, false
	}
	result := *entry
	result.SubscribedTopics = append([]string{}, entry.SubscribedTopics...)
	return result, true
}

// ConnectionCount number of registered connections
func (r *connectionRegistryImpl) ConnectionCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.connections)
}

// ListStale connection IDs idle longer than staleThreshold as of now
func (r *connectionRegistryImpl) ListStale(
	staleThreshold time.Duration, now time.Time,
) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	stale := []string{}
	for connectionID, entry := range r.connections {
		if now.Sub(entry.LastActivityAt) > staleThreshold {
			stale = append(stale, connectionID)
		}
	}
	return stale
}

// EvictStale remove every stale connection in one atomic pass
func (r *connectionRegistryImpl) EvictStale(
	staleThreshold time.Duration, now time.Time,
) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	// Eviction decision and removal happen under the same lock as Touch, so
	// a just-reactivated connection can not be swept out.
	evicted := []string{}
	for connectionID, entry := range r.connections {
		if now.Sub(entry.LastActivityAt) > staleThreshold {
			evicted = append(evicted, connectionID)
		}
	}
	for _, connectionID := range evicted {
		_ = r.removeLocked(connectionID)
	}
	return evicted
}

// Subscribe join a connection to a topic
func (r *connectionRegistryImpl) Subscribe(
	connectionID, topicKey string, timestamp time.Time,
) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.connections[connectionID]
	if !ok {
		return false
	}
	r.subscribeLocked(entry, topicKey)
	entry.LastActivityAt = timestamp
	return true
}

// Unsubscribe remove a connection from a topic
func (r *connectionRegistryImpl) Unsubscribe(
	connectionID, topicKey string, timestamp time.Time,
) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.connections[connectionID]
	if !ok {
		return false
	}
	r.dropFromIndexLocked(connectionID, topicKey)
	remaining := entry.SubscribedTopics[:0]
	for _, joined := range entry.SubscribedTopics {
		if joined != topicKey {
			remaining = append(remaining, joined)
		}
	}
	entry.SubscribedTopics = remaining
	entry.LastActivityAt = timestamp
	return true
}

// SubscribersOf connection IDs currently subscribed to a topic
func (r *connectionRegistryImpl) SubscribersOf(topicKey string) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := []string{}
	for connectionID := range r.topics[topicKey] {
		result = append(result, connectionID)
	}
	return result
}

// TopicCount number of topics with at least one subscriber
func (r *connectionRegistryImpl) TopicCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.topics)
}

// Broadcast address msg to every current subscriber of a topic
func (r *connectionRegistryImpl) Broadcast(
	ctxt context.Context, topicKey string, msg common.Notification, timestamp time.Time,
) int {
	// Snapshot the subscriber set, verifying each member against the
	// connection store and touching it. Transport hand-off happens outside
	// the lock so a slow subscriber can not stall registry operations.
	targets := []string{}
	r.lock.Lock()
	for connectionID := range r.topics[topicKey] {
		entry, ok := r.connections[connectionID]
		if !ok {
			// Index / store divergence should be impossible; drop the entry
			// rather than fan out to a phantom.
			log.WithFields(r.LogTags).Errorf(
				"Topic %s lists unknown connection %s", topicKey, connectionID,
			)
			r.dropFromIndexLocked(connectionID, topicKey)
			continue
		}
		entry.LastActivityAt = timestamp
		targets = append(targets, connectionID)
	}
	r.lock.Unlock()

	for _, connectionID := range targets {
		if err := r.transport.Send(ctxt, connectionID, msg); err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Failed to deliver %s to connection %s", msg.String(), connectionID,
			)
			if r.auditor != nil {
				r.auditor.RecordEvent(
					"transport_failure",
					audit.SeverityWarning,
					fmt.Sprintf("delivery of %s to %s failed", msg.String(), connectionID),
					map[string]interface{}{
						"topic":         topicKey,
						"connection_id": connectionID,
						"error":         err.Error(),
					},
					"connection-registry",
					[]string{"broadcast"},
				)
			}
		}
	}
	return len(targets)
}

// Stats summarize registry content
func (r *connectionRegistryImpl) Stats(
	activeWithin time.Duration, now time.Time, includeDetail bool,
) RegistryStats {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := RegistryStats{
		TotalConnections: len(r.connections),
		TotalTopics:      len(r.topics),
	}
	for _, entry := range r.connections {
		if now.Sub(entry.LastActivityAt) <= activeWithin {
			result.ActiveConnections++
		}
	}
	if includeDetail {
		result.PerTopic = make(map[string]int)
		for topicKey, members := range r.topics {
			result.PerTopic[topicKey] = len(members)
		}
	}
	return result
}
