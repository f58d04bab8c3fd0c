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

package apis

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tasknotify/common"
	"github.com/alwitt/tasknotify/notify"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// APIRestNotifyHandler REST handler for emitting task notifications
type APIRestNotifyHandler struct {
	APIRestHandler
	publisher notify.NotificationPublisher
	validate  *validator.Validate
}

// GetAPIRestNotifyHandler define APIRestNotifyHandler
func GetAPIRestNotifyHandler(
	publisher notify.NotificationPublisher, httpConfig *common.HTTPConfig,
) (APIRestNotifyHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "notify",
	}
	return APIRestNotifyHandler{
		APIRestHandler: defineRestAPIHandler(logTags, httpConfig),
		publisher:      publisher,
		validate:       validator.New(),
	}, nil
}

// APIRestRespNotified response for a notification emission
type APIRestRespNotified struct {
	goutils.RestAPIBaseResponse
	// Attempted number of deliveries handed to the transport. Per-connection
	// delivery failures do not reduce this count.
	Attempted int `json:"attempted"`
}

// APIRestReqProgressUpdate request body for a progress update
type APIRestReqProgressUpdate struct {
	notify.EntityUpdate
	// Progress is the progress payload
	Progress common.ProgressUpdate `json:"progress" validate:"required"`
}

// APIRestReqMilestoneReached request body for a milestone notification
type APIRestReqMilestoneReached struct {
	notify.EntityUpdate
	// Milestone is the milestone payload
	Milestone common.MilestoneReached `json:"milestone" validate:"required"`
}

// APIRestReqStatusChange request body for a status change notification
type APIRestReqStatusChange struct {
	notify.EntityUpdate
	// Status is the status change payload
	Status common.StatusChange `json:"status" validate:"required"`
}

// APIRestReqOverdueAlert request body for an overdue alert
type APIRestReqOverdueAlert struct {
	notify.EntityUpdate
	// Alert is the overdue alert payload
	Alert common.OverdueAlert `json:"alert" validate:"required"`
}

// notifyCall runs one typed publish against a decoded and validated request
type notifyCall func(ctxt context.Context) (int, error)

// process shared decode, validate, publish, and respond sequence
func (h APIRestNotifyHandler) process(
	w http.ResponseWriter, r *http.Request, params interface{}, publish notifyCall,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := json.NewDecoder(r.Body).Decode(params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(params); err != nil {
		msg := "Invalid notification parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	attempted, err := publish(r.Context())
	if err != nil {
		msg := "Unable to publish notification"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespNotified{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Attempted: attempted,
	}
}

// NotifyProgress godoc
// @Summary Emit a task progress update
// @Description Broadcast a progress update to all connections subscribed to the
// task's interested topics.
// @tags Notify
// @Accept json
// @Produce json
// @Param Tasknotify-Request-ID header string false "User provided request ID to match against logs"
// @Param notification body APIRestReqProgressUpdate true "Notification parameters"
// @Success 200 {object} APIRestRespNotified "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/notify/progress [post]
func (h APIRestNotifyHandler) NotifyProgress(w http.ResponseWriter, r *http.Request) {
	var params APIRestReqProgressUpdate
	h.process(w, r, &params, func(ctxt context.Context) (int, error) {
		return h.publisher.PublishProgressUpdate(ctxt, params.EntityUpdate, params.Progress, time.Now())
	})
}

// NotifyProgressHandler Wrapper around NotifyProgress
func (h APIRestNotifyHandler) NotifyProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.NotifyProgress(w, r)
	}
}

// NotifyMilestone godoc
// @Summary Emit a milestone notification
// @Description Broadcast a milestone reached notification to all connections
// subscribed to the task's interested topics.
// @tags Notify
// @Accept json
// @Produce json
// @Param Tasknotify-Request-ID header string false "User provided request ID to match against logs"
// @Param notification body APIRestReqMilestoneReached true "Notification parameters"
// @Success 200 {object} APIRestRespNotified "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/notify/milestone [post]
func (h APIRestNotifyHandler) NotifyMilestone(w http.ResponseWriter, r *http.Request) {
	var params APIRestReqMilestoneReached
	h.process(w, r, &params, func(ctxt context.Context) (int, error) {
		return h.publisher.PublishMilestoneReached(ctxt, params.EntityUpdate, params.Milestone, time.Now())
	})
}

// NotifyMilestoneHandler Wrapper around NotifyMilestone
func (h APIRestNotifyHandler) NotifyMilestoneHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.NotifyMilestone(w, r)
	}
}

// NotifyStatus godoc
// @Summary Emit a status change notification
// @Description Broadcast a status change notification to all connections subscribed
// to the task's interested topics.
// @tags Notify
// @Accept json
// @Produce json
// @Param Tasknotify-Request-ID header string false "User provided request ID to match against logs"
// @Param notification body APIRestReqStatusChange true "Notification parameters"
// @Success 200 {object} APIRestRespNotified "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/notify/status [post]
func (h APIRestNotifyHandler) NotifyStatus(w http.ResponseWriter, r *http.Request) {
	var params APIRestReqStatusChange
	h.process(w, r, &params, func(ctxt context.Context) (int, error) {
		return h.publisher.PublishStatusChange(ctxt, params.EntityUpdate, params.Status, time.Now())
	})
}

// NotifyStatusHandler Wrapper around NotifyStatus
func (h APIRestNotifyHandler) NotifyStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.NotifyStatus(w, r)
	}
}

// NotifyAlert godoc
// @Summary Emit an overdue alert
// @Description Broadcast an overdue alert to all connections subscribed to the
// task's interested topics.
// @tags Notify
// @Accept json
// @Produce json
// @Param Tasknotify-Request-ID header string false "User provided request ID to match against logs"
// @Param notification body APIRestReqOverdueAlert true "Notification parameters"
// @Success 200 {object} APIRestRespNotified "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/notify/alert [post]
func (h APIRestNotifyHandler) NotifyAlert(w http.ResponseWriter, r *http.Request) {
	var params APIRestReqOverdueAlert
	h.process(w, r, &params, func(ctxt context.Context) (int, error) {
		return h.publisher.PublishOverdueAlert(ctxt, params.EntityUpdate, params.Alert, time.Now())
	})
}

// NotifyAlertHandler Wrapper around NotifyAlert
func (h APIRestNotifyHandler) NotifyAlertHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.NotifyAlert(w, r)
	}
}
