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

	"github.com/alwitt/tasknotify/common"
	"github.com/alwitt/tasknotify/registry"
	"github.com/apex/log"
)

// compositeTransportImpl fans one send across multiple transports.
// Delivery counts as successful when any leg accepts the message.
type compositeTransportImpl struct {
	common.Component
	transports []registry.Transport
}

// GetCompositeTransport create new composite over the given transports
func GetCompositeTransport(transports ...registry.Transport) (registry.Transport, error) {
	if len(transports) == 0 {
		return nil, fmt.Errorf("composite transport requires at least one transport")
	}
	logTags := log.Fields{
		"module": "transport", "component": "composite",
	}
	return &compositeTransportImpl{
		Component:  common.Component{LogTags: logTags},
		transports: transports,
	}, nil
}

// Send attempt delivery on every leg
func (t *compositeTransportImpl) Send(
	ctxt context.Context, connectionID string, msg common.Notification,
) error {
	accepted := 0
	var lastErr error
	for _, leg := range t.transports {
		if err := leg.Send(ctxt, connectionID, msg); err != nil {
			lastErr = err
			log.WithError(err).WithFields(t.LogTags).Debugf(
				"Transport leg rejected %s for connection %s", msg.String(), connectionID,
			)
		} else {
			accepted++
		}
	}
	if accepted > 0 {
		return nil
	}
	return lastErr
}
