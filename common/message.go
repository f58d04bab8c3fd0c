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

package common

import (
	"fmt"
	"time"
)

// NotificationType the set of notification message kinds
type NotificationType string

// Supported notification message kinds
const (
	NotificationProgressUpdate   NotificationType = "progress_update"
	NotificationMilestoneReached NotificationType = "milestone_reached"
	NotificationStatusChange     NotificationType = "status_change"
	NotificationOverdueAlert     NotificationType = "overdue_alert"
)

// ProgressUpdate payload for a task progress change notification
type ProgressUpdate struct {
	// PercentComplete is the task completion percentage after the update
	PercentComplete int `json:"percent_complete" validate:"gte=0,lte=100"`
	// Note is an optional free-form remark attached to the update
	Note string `json:"note,omitempty"`
}

// MilestoneReached payload for a milestone notification
type MilestoneReached struct {
	// Milestone names the milestone which was reached
	Milestone string `json:"milestone" validate:"required"`
}

// StatusChange payload for a task status transition notification
type StatusChange struct {
	// PriorStatus is the status before the transition
	PriorStatus string `json:"prior_status" validate:"required"`
	// NewStatus is the status after the transition
	NewStatus string `json:"new_status" validate:"required"`
}

// OverdueAlert payload for an overdue task alert notification
type OverdueAlert struct {
	// DueAt is the task due timestamp which has passed
	DueAt time.Time `json:"due_at"`
}

// Notification one notification message as addressed to subscribers.
//
// Exactly one payload field matching Type is set. The message is only
// serialized at the transport boundary.
type Notification struct {
	// Type selects which payload field carries the message content
	Type NotificationType `json:"type" validate:"required,oneof=progress_update milestone_reached status_change overdue_alert"`
	// EntityID is the task / entity this notification concerns
	EntityID string `json:"entity_id" validate:"required"`
	// EmittedAt is when the originating event occurred
	EmittedAt time.Time `json:"emitted_at"`
	// Progress is set when Type is progress_update
	Progress *ProgressUpdate `json:"progress,omitempty" validate:"omitempty"`
	// Milestone is set when Type is milestone_reached
	Milestone *MilestoneReached `json:"milestone,omitempty" validate:"omitempty"`
	// Status is set when Type is status_change
	Status *StatusChange `json:"status,omitempty" validate:"omitempty"`
	// Alert is set when Type is overdue_alert
	Alert *OverdueAlert `json:"alert,omitempty" validate:"omitempty"`
}

// String toString function
func (m Notification) String() string {
	return fmt.Sprintf("%s@%s", m.Type, m.EntityID)
}
