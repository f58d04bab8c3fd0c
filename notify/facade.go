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

package notify

import (
	"context"
	"time"

	"github.com/alwitt/tasknotify/audit"
	"github.com/alwitt/tasknotify/common"
	"github.com/alwitt/tasknotify/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// TopicBroadcaster the slice of the connection registry the facade needs
type TopicBroadcaster interface {
	Broadcast(
		ctxt context.Context, topicKey string, msg common.Notification, timestamp time.Time,
	) int
}

// EntityUpdate identifies the entity a domain event concerns, and the
// parties interested in it
type EntityUpdate struct {
	// EntityID is the task / entity which changed
	EntityID string `json:"entity_id" validate:"required"`
	// OwnerID is the user owning the entity
	OwnerID string `json:"owner_id" validate:"required"`
	// ProjectID is the containing project, if any
	ProjectID *string `json:"project_id,omitempty" validate:"omitempty,min=1"`
	// AssigneeID is the assigned user, if any
	AssigneeID *string `json:"assignee_id,omitempty" validate:"omitempty,min=1"`
}

// NotificationPublisher translate domain events into topic broadcasts.
//
// Each operation computes the topic set for the update, broadcasts the
// matching notification message on every topic, and returns the summed
// attempted delivery count. Pure orchestration; no state of its own.
type NotificationPublisher interface {
	PublishProgressUpdate(
		ctxt context.Context, update EntityUpdate, payload common.ProgressUpdate, timestamp time.Time,
	) (int, error)
	PublishMilestoneReached(
		ctxt context.Context, update EntityUpdate, payload common.MilestoneReached, timestamp time.Time,
	) (int, error)
	PublishStatusChange(
		ctxt context.Context, update EntityUpdate, payload common.StatusChange, timestamp time.Time,
	) (int, error)
	PublishOverdueAlert(
		ctxt context.Context, update EntityUpdate, payload common.OverdueAlert, timestamp time.Time,
	) (int, error)
}

// notificationPublisherImpl implements NotificationPublisher
type notificationPublisherImpl struct {
	common.Component
	broadcaster TopicBroadcaster
	auditor     audit.Recorder
	validate    *validator.Validate
}

// GetNotificationPublisher create new notification publisher
func GetNotificationPublisher(
	broadcaster TopicBroadcaster, auditor audit.Recorder,
) (NotificationPublisher, error) {
	logTags := log.Fields{
		"module": "notify", "component": "publisher",
	}
	return &notificationPublisherImpl{
		Component:   common.Component{LogTags: logTags},
		broadcaster: broadcaster,
		auditor:     auditor,
		validate:    validator.New(),
	}, nil
}

// computeTopicSet the topics interested in an entity update, deduplicated,
// in deterministic order
func computeTopicSet(update EntityUpdate) []string {
	topics := []string{
		registry.UserTopic(update.OwnerID),
		registry.TaskTopic(update.EntityID),
	}
	if update.ProjectID != nil {
		topics = append(topics, registry.ProjectTopic(*update.ProjectID))
	}
	if update.AssigneeID != nil && *update.AssigneeID != update.OwnerID {
		topics = append(topics, registry.UserTopic(*update.AssigneeID))
	}
	return topics
}

// publish broadcast msg across the update's topic set
func (p *notificationPublisherImpl) publish(
	ctxt context.Context, update EntityUpdate, msg common.Notification, timestamp time.Time,
) (int, error) {
	if err := p.validate.Struct(&update); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Rejecting %s notification with invalid entity update", msg.Type,
		)
		return 0, err
	}
	topics := computeTopicSet(update)
	attempted := 0
	for _, topicKey := range topics {
		attempted += p.broadcaster.Broadcast(ctxt, topicKey, msg, timestamp)
	}
	log.WithFields(p.LogTags).Debugf(
		"Notification %s reached %d subscribers over %d topics",
		msg.String(), attempted, len(topics),
	)
	if p.auditor != nil {
		p.auditor.RecordEvent(
			"notification",
			audit.SeverityInfo,
			msg.String(),
			map[string]interface{}{
				"notification_type": string(msg.Type),
				"entity_id":         update.EntityID,
				"topics":            topics,
				"attempted":         attempted,
			},
			"notification-publisher",
			[]string{"fan-out"},
		)
	}
	return attempted, nil
}

// PublishProgressUpdate broadcast a task progress change
func (p *notificationPublisherImpl) PublishProgressUpdate(
	ctxt context.Context, update EntityUpdate, payload common.ProgressUpdate, timestamp time.Time,
) (int, error) {
	return p.publish(ctxt, update, common.Notification{
		Type:      common.NotificationProgressUpdate,
		EntityID:  update.EntityID,
		EmittedAt: timestamp,
		Progress:  &payload,
	}, timestamp)
}

// PublishMilestoneReached broadcast a milestone notification
func (p *notificationPublisherImpl) PublishMilestoneReached(
	ctxt context.Context, update EntityUpdate, payload common.MilestoneReached, timestamp time.Time,
) (int, error) {
	return p.publish(ctxt, update, common.Notification{
		Type:      common.NotificationMilestoneReached,
		EntityID:  update.EntityID,
		EmittedAt: timestamp,
		Milestone: &payload,
	}, timestamp)
}

// PublishStatusChange broadcast a task status transition
func (p *notificationPublisherImpl) PublishStatusChange(
	ctxt context.Context, update EntityUpdate, payload common.StatusChange, timestamp time.Time,
) (int, error) {
	return p.publish(ctxt, update, common.Notification{
		Type:      common.NotificationStatusChange,
		EntityID:  update.EntityID,
		EmittedAt: timestamp,
		Status:    &payload,
	}, timestamp)
}

// PublishOverdueAlert broadcast an overdue task alert
func (p *notificationPublisherImpl) PublishOverdueAlert(
	ctxt context.Context, update EntityUpdate, payload common.OverdueAlert, timestamp time.Time,
) (int, error) {
	return p.publish(ctxt, update, common.Notification{
		Type:      common.NotificationOverdueAlert,
		EntityID:  update.EntityID,
		EmittedAt: timestamp,
		Alert:     &payload,
	}, timestamp)
}
