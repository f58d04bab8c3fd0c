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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tasknotify/common"
	"github.com/alwitt/tasknotify/registry"
	"github.com/alwitt/tasknotify/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestConnectionHandler REST handler for connection and subscription management
type APIRestConnectionHandler struct {
	APIRestHandler
	registry       registry.ConnectionRegistry
	streams        transport.StreamTransport
	staleThreshold time.Duration
	validate       *validator.Validate
	baseContext    context.Context
	wg             *sync.WaitGroup
}

// GetAPIRestConnectionHandler define APIRestConnectionHandler
func GetAPIRestConnectionHandler(
	baseContext context.Context,
	connections registry.ConnectionRegistry,
	streams transport.StreamTransport,
	httpConfig *common.HTTPConfig,
	staleThreshold time.Duration,
	wg *sync.WaitGroup,
) (APIRestConnectionHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "connection-management",
	}
	return APIRestConnectionHandler{
		APIRestHandler: defineRestAPIHandler(logTags, httpConfig),
		registry:       connections,
		streams:        streams,
		staleThreshold: staleThreshold,
		validate:       validator.New(),
		baseContext:    baseContext,
		wg:             wg,
	}, nil
}

// =======================================================================
// Connection registration

// APIRestReqRegisterConnection request body for registering a connection
type APIRestReqRegisterConnection struct {
	// OwnerID is the user / session registering the connection
	OwnerID string `json:"owner_id" validate:"required"`
	// ConnectionID optionally names the connection. Generated when absent.
	ConnectionID string `json:"connection_id,omitempty" validate:"omitempty,min=1"`
}

// APIRestRespConnection response wrapping one connection record
type APIRestRespConnection struct {
	goutils.RestAPIBaseResponse
	// Connection is the connection record
	Connection registry.Connection `json:"connection"`
}

// APIRestRespConnectionClosed response for a connection removal
type APIRestRespConnectionClosed struct {
	goutils.RestAPIBaseResponse
	// ConnectionID is the removed connection
	ConnectionID string `json:"connection_id"`
	// Status is always "disconnected"; removal of an unknown connection is
	// not an error
	Status string `json:"status"`
}

// RegisterConnection godoc
// @Summary Register a subscriber connection
// @Description Register a new subscriber connection for an owner. The connection is
// auto-subscribed to the owner's personal topic.
// @tags Connection
// @Accept json
// @Produce json
// @Param Tasknotify-Request-ID header string false "User provided request ID to match against logs"
// @Param registration body APIRestReqRegisterConnection true "Registration parameters"
// @Success 200 {object} APIRestRespConnection "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connection [post]
func (h APIRestConnectionHandler) RegisterConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqRegisterConnection
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid registration parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	entry, err := h.registry.Register(params.ConnectionID, params.OwnerID, time.Now())
	if err != nil {
		msg := "Unable to register connection"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespConnection{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Connection: entry,
	}
}

// RegisterConnectionHandler Wrapper around RegisterConnection
func (h APIRestConnectionHandler) RegisterConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RegisterConnection(w, r)
	}
}

// -----------------------------------------------------------------------

// GetConnection godoc
// @Summary Fetch one connection
// @Description Fetch the record of one registered connection
// @tags Connection
// @Produce json
// @Param Tasknotify-Request-ID header string false "User provided request ID to match against logs"
// @Param connectionID path string true "Connection ID"
// @Success 200 {object} APIRestRespConnection "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connection/{connectionID} [get]
func (h APIRestConnectionHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	connectionID, ok := mux.Vars(r)["connectionID"]
	if !ok {
		msg := "No connection ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	entry, found := h.registry.Get(connectionID)
	if !found {
		msg := fmt.Sprintf("Connection %s is not registered", connectionID)
		log.WithFields(localLogTags).Info(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespConnection{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Connection: entry,
	}
}

// GetConnectionHandler Wrapper around GetConnection
func (h APIRestConnectionHandler) GetConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetConnection(w, r)
	}
}

// -----------------------------------------------------------------------

// DeleteConnection godoc
// @Summary Remove a subscriber connection
// @Description Remove a connection, dropping all of its topic subscriptions. Removing
// an unknown connection is not an error.
// @tags Connection
// @Produce json
// @Param Tasknotify-Request-ID header string false "User provided request ID to match against logs"
// @Param connectionID path string true "Connection ID"
// @Success 200 {object} APIRestRespConnectionClosed "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connection/{connectionID} [delete]
func (h APIRestConnectionHandler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	connectionID, ok := mux.Vars(r)["connectionID"]
	if !ok {
		msg := "No connection ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	_ = h.registry.Remove(connectionID)
	h.streams.Detach(connectionID, nil)

	respCode = http.StatusOK
	respBody = APIRestRespConnectionClosed{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		ConnectionID:        connectionID,
		Status:              "disconnected",
	}
}

// DeleteConnectionHandler Wrapper around DeleteConnection
func (h APIRestConnectionHandler) DeleteConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteConnection(w, r)
	}
}

// =======================================================================
// Topic subscription

// Subscribe godoc
// @Summary Subscribe a connection to a topic
// @Description Join a connection to a topic's broadcast channel. Repeat subscribes
// are no-ops.
// @tags Subscription
// @Produce json
// @Param Tasknotify-Request-ID header string false "User provided request ID to match against logs"
// @Param connectionID path string true "Connection ID"
// @Param topicKey path string true "Topic key, e.g. task:42"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connection/{connectionID}/topic/{topicKey} [put]
func (h APIRestConnectionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.changeSubscription(w, r, true)
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestConnectionHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// Unsubscribe godoc
// @Summary Unsubscribe a connection from a topic
// @Description Remove a connection from a topic's broadcast channel. Leaving a topic
// never joined is a no-op.
// @tags Subscription
// @Produce json
// @Param Tasknotify-Request-ID header string false "User provided request ID to match against logs"
// @Param connectionID path string true "Connection ID"
// @Param topicKey path string true "Topic key, e.g. task:42"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connection/{connectionID}/topic/{topicKey} [delete]
func (h APIRestConnectionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	h.changeSubscription(w, r, false)
}

// UnsubscribeHandler Wrapper around Unsubscribe
func (h APIRestConnectionHandler) UnsubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Unsubscribe(w, r)
	}
}

// changeSubscription shared subscribe / unsubscribe processing
func (h APIRestConnectionHandler) changeSubscription(
	w http.ResponseWriter, r *http.Request, join bool,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	connectionID, ok := vars["connectionID"]
	if !ok {
		msg := "No connection ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	topicKey, ok := vars["topicKey"]
	if !ok {
		msg := "No topic key provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := registry.ValidateTopicKey(topicKey); err != nil {
		msg := "Invalid topic key"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	var found bool
	if join {
		found = h.registry.Subscribe(connectionID, topicKey, time.Now())
	} else {
		found = h.registry.Unsubscribe(connectionID, topicKey, time.Now())
	}
	if !found {
		msg := fmt.Sprintf("Connection %s is not registered", connectionID)
		log.WithFields(localLogTags).Info(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// =======================================================================
// Notification stream

// APIRestRespStreamClosed response sent when a notification stream ends
type APIRestRespStreamClosed struct {
	goutils.RestAPIBaseResponse
}

// StreamNotifications godoc
// @Summary Attach to a connection's notification stream
// @Description Attach a long lived server sent event stream delivering the
// connection's notifications as JSON lines. The stream closes on client
// disconnect or server shutdown.
// @tags Connection
// @Produce json
// @Param Tasknotify-Request-ID header string false "User provided request ID to match against logs"
// @Param connectionID path string true "Connection ID"
// @Success 200 {object} common.Notification "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connection/{connectionID}/stream [get]
func (h APIRestConnectionHandler) StreamNotifications(w http.ResponseWriter, r *http.Request) {
	localLogTagsInitial := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTagsInitial).Error("Failed to form response")
		}
	}()

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")

	connectionID, ok := mux.Vars(r)["connectionID"]
	if !ok {
		msg := "No connection ID provided"
		log.WithFields(localLogTagsInitial).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if _, found := h.registry.Get(connectionID); !found {
		msg := fmt.Sprintf("Connection %s is not registered", connectionID)
		log.WithFields(localLogTagsInitial).Info(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	logTags := localLogTagsInitial
	logTags["connection"] = connectionID

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	msgBuffer, err := h.streams.Attach(connectionID)
	if err != nil {
		msg := "Unable to attach notification stream"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	defer h.streams.Detach(connectionID, msgBuffer)
	h.registry.Touch(connectionID, time.Now())

	// Stream events
	complete := false
	onError := func(err error, msg string) {
		complete = true
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	}
	for !complete {
		select {
		case <-h.baseContext.Done():
			// Server stopping
			complete = true
			log.WithFields(logTags).Info("Terminating notification stream on server stop")
			msg := "Server stopping"
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		case <-r.Context().Done():
			// Request closed
			complete = true
			log.WithFields(logTags).Info("Terminating notification stream on request end")
			respCode = http.StatusOK
			respBody = APIRestRespStreamClosed{
				RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
			}
		case msg, ok := <-msgBuffer:
			if !ok {
				// Stream was replaced by a newer attach
				complete = true
				log.WithFields(logTags).Info("Terminating notification stream on re-attach")
				respCode = http.StatusOK
				respBody = APIRestRespStreamClosed{
					RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
				}
				break
			}
			serialize, err := json.Marshal(&msg)
			if err != nil {
				onError(err, "Failed to serialize notification for transmission")
				break
			}
			written, err := fmt.Fprintf(w, "%s\n", serialize)
			writeFlusher.Flush()
			if err != nil {
				onError(err, "Failed to transmit notification")
				break
			}
			log.WithFields(logTags).Debugf("Written %dB", written)
		}
	}
	// On final flush
	writeFlusher.Flush()
}

// StreamNotificationsHandler Wrapper around StreamNotifications
func (h APIRestConnectionHandler) StreamNotificationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamNotifications(w, r)
	}
}

// =======================================================================
// Registry stats

// APIRestRespRegistryStats response wrapping registry stats
type APIRestRespRegistryStats struct {
	goutils.RestAPIBaseResponse
	// Stats is the point-in-time registry summary
	Stats registry.RegistryStats `json:"stats"`
}

// GetStats godoc
// @Summary Fetch registry statistics
// @Description Fetch connection and topic counts. Pass include_detail=true for a
// per-topic subscriber breakdown.
// @tags Connection
// @Produce json
// @Param Tasknotify-Request-ID header string false "User provided request ID to match against logs"
// @Param include_detail query boolean false "Include per-topic breakdown"
// @Success 200 {object} APIRestRespRegistryStats "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/stats [get]
func (h APIRestConnectionHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	includeDetail := false
	if t, ok := r.URL.Query()["include_detail"]; ok && len(t) == 1 && t[0] == "true" {
		includeDetail = true
	}

	respCode = http.StatusOK
	respBody = APIRestRespRegistryStats{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Stats:               h.registry.Stats(h.staleThreshold, time.Now(), includeDetail),
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestConnectionHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For connection REST API liveness check
// @Description Will return success to indicate connection REST API module is live
// @tags Connection
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestConnectionHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestConnectionHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For connection REST API readiness check
// @Description Will return success if connection REST API module is ready for use
// @tags Connection
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestConnectionHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestConnectionHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
