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

package audit

import (
	"fmt"
	"reflect"
	"time"

	"github.com/alwitt/tasknotify/common"
	"github.com/apex/log"
)

// Audit event severities
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Recorder records observability events from the notification path.
//
// RecordEvent is fire-and-forget: it never blocks the caller and never
// surfaces a failure back into the notification path.
type Recorder interface {
	RecordEvent(
		eventType, severity, message string,
		metadata map[string]interface{},
		source string,
		tags []string,
	)
}

// recordEventParam task parameter carrying one audit event
type recordEventParam struct {
	eventType string
	severity  string
	message   string
	metadata  map[string]interface{}
	source    string
	tags      []string
	recordAt  time.Time
}

// logRecorderImpl implements Recorder against the process log. Events are
// handed to a task processor event loop so emission happens off the
// notification path.
type logRecorderImpl struct {
	common.Component
	tp common.TaskProcessor
}

// GetLogRecorder create new log backed audit event recorder. The caller owns
// the task processor's event loop lifecycle.
func GetLogRecorder(tp common.TaskProcessor) (Recorder, error) {
	logTags := log.Fields{
		"module": "audit", "component": "log-recorder",
	}
	instance := logRecorderImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(recordEventParam{}),
		instance.processRecordEvent,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// RecordEvent record one audit event
func (r *logRecorderImpl) RecordEvent(
	eventType, severity, message string,
	metadata map[string]interface{},
	source string,
	tags []string,
) {
	event := recordEventParam{
		eventType: eventType,
		severity:  severity,
		message:   message,
		metadata:  metadata,
		source:    source,
		tags:      tags,
		recordAt:  time.Now(),
	}
	// Dropping an audit event when the queue is full beats stalling a
	// notification fan-out.
	if err := r.tp.TrySubmit(event); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debug("Dropped audit event")
	}
}

// processRecordEvent support task processor, deal with record event request
func (r *logRecorderImpl) processRecordEvent(param interface{}) error {
	event, ok := param.(recordEventParam)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for record audit event",
			reflect.TypeOf(param),
		)
	}
	entry := log.WithFields(r.LogTags).WithFields(log.Fields{
		"event_type": event.eventType,
		"source":     event.source,
		"tags":       fmt.Sprintf("%v", event.tags),
		"record_at":  event.recordAt.Format(time.RFC3339),
	})
	for name, value := range event.metadata {
		entry = entry.WithField(fmt.Sprintf("meta_%s", name), value)
	}
	switch event.severity {
	case SeverityError:
		entry.Error(event.message)
	case SeverityWarning:
		entry.Warn(event.message)
	default:
		entry.Info(event.message)
	}
	return nil
}
