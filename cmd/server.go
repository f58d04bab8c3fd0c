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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/tasknotify/apis"
	"github.com/alwitt/tasknotify/audit"
	"github.com/alwitt/tasknotify/common"
	"github.com/alwitt/tasknotify/notify"
	"github.com/alwitt/tasknotify/registry"
	"github.com/alwitt/tasknotify/transport"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// auditTaskBuffer audit events queued beyond this are dropped
const auditTaskBuffer = 64

// RunNotificationServer run the notification server
func RunNotificationServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "notification-server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Client delivery transports

	streams, err := transport.GetStreamTransport(config.Transport.PerConnectionBuffer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define stream transport")
		return err
	}

	var clientTransport registry.Transport = streams
	var forwarder *transport.NATSForwarder
	if config.NATS != nil {
		forwarder, err = transport.GetNATSForwarder(transport.NATSConnectParams{
			ServerURI:           config.NATS.ServerURI,
			ConnectTimeout:      time.Second * time.Duration(config.NATS.ConnectTimeout),
			MaxReconnectAttempt: config.NATS.Reconnect.MaxAttempts,
			ReconnectWait:       time.Second * time.Duration(config.NATS.Reconnect.WaitInterval),
			SubjectPrefix:       config.NATS.SubjectPrefix,
			OnDisconnectCallback: func(_ *nats.Conn, err error) {
				log.WithError(err).WithFields(logTags).Errorf("NATS client disconnected")
			},
			OnReconnectCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Warn("NATS client reconnected")
			},
			OnCloseCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Warn("NATS client closed")
			},
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define NATS forwarder")
			return err
		}
		defer func() {
			closeCtxt, closeCancel := context.WithTimeout(context.Background(), time.Second*10)
			defer closeCancel()
			forwarder.Close(closeCtxt)
		}()
		clientTransport, err = transport.GetCompositeTransport(clientTransport, forwarder)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define composite transport")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Audit event recording

	auditTasks, err := common.GetNewTaskProcessorInstance("audit", auditTaskBuffer, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define audit task processor")
		return err
	}
	auditor, err := audit.GetLogRecorder(auditTasks)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define audit recorder")
		return err
	}
	if err := auditTasks.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start audit event loop")
		return err
	}
	defer func() {
		_ = auditTasks.StopEventLoop()
	}()

	// -------------------------------------------------------------------
	// Registry, reaper, and notification facade

	connections, err := registry.GetConnectionRegistry(instance, clientTransport, auditor)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define connection registry")
		return err
	}

	staleThreshold := time.Second * time.Duration(config.Registry.StaleThreshold)
	reaper, err := registry.GetIdleReaper(connections, staleThreshold, localCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define idle reaper")
		return err
	}
	if err := reaper.Start(time.Second * time.Duration(config.Registry.SweepInterval)); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start idle reaper")
		return err
	}
	defer func() {
		_ = reaper.Stop()
	}()

	publisher, err := notify.GetNotificationPublisher(connections, auditor)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define notification publisher")
		return err
	}

	// -------------------------------------------------------------------
	// REST handlers

	httpCfg := &config.Server.HTTPSetting
	connectionHandler, err := apis.GetAPIRestConnectionHandler(
		localCtxt, connections, streams, httpCfg, staleThreshold, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define connection HTTP handler")
		return err
	}
	notifyHandler, err := apis.GetAPIRestNotifyHandler(publisher, httpCfg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define notify HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Server.Endpoints.PathPrefix, nil)

	// Connection registration
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/connection", map[string]http.HandlerFunc{
		"post": connectionHandler.RegisterConnectionHandler(),
	})
	perConnRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/connection/{connectionID}", map[string]http.HandlerFunc{
			"get":    connectionHandler.GetConnectionHandler(),
			"delete": connectionHandler.DeleteConnectionHandler(),
		},
	)

	// Notification stream
	_ = apis.RegisterPathPrefix(perConnRouter, "/stream", map[string]http.HandlerFunc{
		"get": connectionHandler.StreamNotificationsHandler(),
	})

	// Topic subscription
	_ = apis.RegisterPathPrefix(perConnRouter, "/topic/{topicKey}", map[string]http.HandlerFunc{
		"put":    connectionHandler.SubscribeHandler(),
		"delete": connectionHandler.UnsubscribeHandler(),
	})

	// Registry stats
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/stats", map[string]http.HandlerFunc{
		"get": connectionHandler.GetStatsHandler(),
	})

	// Notification emission
	notifyRouter := apis.RegisterPathPrefix(mainRouter, "/v1/notify", nil)
	_ = apis.RegisterPathPrefix(notifyRouter, "/progress", map[string]http.HandlerFunc{
		"post": notifyHandler.NotifyProgressHandler(),
	})
	_ = apis.RegisterPathPrefix(notifyRouter, "/milestone", map[string]http.HandlerFunc{
		"post": notifyHandler.NotifyMilestoneHandler(),
	})
	_ = apis.RegisterPathPrefix(notifyRouter, "/status", map[string]http.HandlerFunc{
		"post": notifyHandler.NotifyStatusHandler(),
	})
	_ = apis.RegisterPathPrefix(notifyRouter, "/alert", map[string]http.HandlerFunc{
		"post": notifyHandler.NotifyAlertHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": connectionHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": connectionHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(connectionHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", httpCfg.Server.ListenOn, httpCfg.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(httpCfg.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(httpCfg.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(httpCfg.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
