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
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/tasknotify/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// SubjectPrefix prepended to every per-connection subject
	SubjectPrefix string `validate:"required"`
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NATSForwarder republishes notifications onto per-connection NATS subjects
// so peer nodes serving the actual client socket can deliver them
type NATSForwarder struct {
	common.Component
	nc            *nats.Conn
	subjectPrefix string
}

// GetNATSForwarder define a new NATS notification forwarder
func GetNATSForwarder(param NATSConnectParams) (*NATSForwarder, error) {
	logTags := log.Fields{
		"module":    "transport",
		"component": "nats-forwarder",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Created NATS forwarder")
	return &NATSForwarder{
		Component:     common.Component{LogTags: logTags},
		nc:            nc,
		subjectPrefix: param.SubjectPrefix,
	}, nil
}

// Send republish msg onto the connection's NATS subject
func (f *NATSForwarder) Send(
	ctxt context.Context, connectionID string, msg common.Notification,
) error {
	payload, err := json.Marshal(&msg)
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Errorf(
			"Failed to serialize %s for connection %s", msg.String(), connectionID,
		)
		return err
	}
	subject := fmt.Sprintf("%s.connection.%s", f.subjectPrefix, connectionID)
	return f.nc.Publish(subject, payload)
}

// Close close the forwarder's NATS client
func (f *NATSForwarder) Close(ctxt context.Context) {
	if err := f.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(f.LogTags).Errorf("NATS flush failed")
	}
	f.nc.Close()
	log.WithFields(f.LogTags).Infof("Closed NATS forwarder")
}
