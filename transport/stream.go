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

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/tasknotify/common"
	"github.com/apex/log"
)

// StreamTransport in-process delivery toward attached notification streams.
//
// Each attached connection owns one bounded buffer; Send never blocks and
// drops when the buffer is full, so one stalled reader can not hold up a
// fan-out to the rest.
type StreamTransport interface {
	// Send queue msg for the connection's attached stream. Fails when no
	// stream is attached or its buffer is full.
	Send(ctxt context.Context, connectionID string, msg common.Notification) error
	// Attach open a delivery buffer for a connection, replacing (and
	// closing) any previously attached one.
	Attach(connectionID string) (<-chan common.Notification, error)
	// Detach close and discard a connection's delivery buffer. A non-nil
	// stream restricts the teardown to that buffer, so a handler whose
	// stream was already replaced by a newer attach leaves the replacement
	// alone. A nil stream detaches whatever is attached.
	Detach(connectionID string, stream <-chan common.Notification)
}

// streamTransportImpl implements StreamTransport
type streamTransportImpl struct {
	common.Component
	lock      *sync.Mutex
	buffers   map[string]chan common.Notification
	bufferLen int
}

// GetStreamTransport create new stream transport with per-connection
// buffers of bufferLen messages
func GetStreamTransport(bufferLen int) (StreamTransport, error) {
	if bufferLen < 1 {
		return nil, fmt.Errorf("stream transport requires a positive buffer length")
	}
	logTags := log.Fields{
		"module": "transport", "component": "stream",
	}
	return &streamTransportImpl{
		Component: common.Component{LogTags: logTags},
		lock:      &sync.Mutex{},
		buffers:   make(map[string]chan common.Notification),
		bufferLen: bufferLen,
	}, nil
}

// Send queue msg for the connection's attached stream
func (t *streamTransportImpl) Send(
	ctxt context.Context, connectionID string, msg common.Notification,
) error {
	// The queuing must happen under the lock. Attach and Detach close
	// buffers under the same lock, so queuing outside it could hit a
	// just closed channel.
	t.lock.Lock()
	defer t.lock.Unlock()
	buffer, ok := t.buffers[connectionID]
	if !ok {
		return fmt.Errorf("connection %s has no attached stream", connectionID)
	}
	select {
	case buffer <- msg:
		return nil
	default:
		return fmt.Errorf(
			"stream buffer for connection %s full, dropping %s", connectionID, msg.String(),
		)
	}
}

// Attach open a delivery buffer for a connection
func (t *streamTransportImpl) Attach(connectionID string) (<-chan common.Notification, error) {
	buffer := make(chan common.Notification, t.bufferLen)
	t.lock.Lock()
	defer t.lock.Unlock()
	if previous, ok := t.buffers[connectionID]; ok {
		log.WithFields(t.LogTags).Warnf(
			"Connection %s re-attached. Closing previous stream", connectionID,
		)
		close(previous)
	}
	t.buffers[connectionID] = buffer
	return buffer, nil
}

// Detach close and discard a connection's delivery buffer
func (t *streamTransportImpl) Detach(connectionID string, stream <-chan common.Notification) {
	t.lock.Lock()
	defer t.lock.Unlock()
	buffer, ok := t.buffers[connectionID]
	if !ok {
		return
	}
	if stream != nil && (<-chan common.Notification)(buffer) != stream {
		// A newer attach already took over the connection
		log.WithFields(t.LogTags).Warnf(
			"Ignoring stale detach for connection %s", connectionID,
		)
		return
	}
	close(buffer)
	delete(t.buffers, connectionID)
}
