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
	"testing"
	"time"

	"github.com/alwitt/tasknotify/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestStreamTransport(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()

	_, err := GetStreamTransport(0)
	assert.NotNil(err)

	uut, err := GetStreamTransport(2)
	assert.Nil(err)

	connection1 := uuid.NewString()
	testMsg := common.Notification{
		Type:      common.NotificationStatusChange,
		EntityID:  uuid.NewString(),
		EmittedAt: time.Now(),
		Status:    &common.StatusChange{PriorStatus: "open", NewStatus: "blocked"},
	}

	// Case 0: send without an attached stream fails
	{
		assert.NotNil(uut.Send(utCtxt, connection1, testMsg))
	}

	// Case 1: attached stream receives sent messages
	{
		buffer, err := uut.Attach(connection1)
		assert.Nil(err)
		assert.Nil(uut.Send(utCtxt, connection1, testMsg))
		select {
		case msg, ok := <-buffer:
			assert.True(ok)
			assert.Equal(testMsg, msg)
		case <-time.After(time.Second):
			assert.FailNow("message never reached the stream buffer")
		}
	}

	// Case 2: sends beyond the buffer length are dropped
	{
		assert.Nil(uut.Send(utCtxt, connection1, testMsg))
		assert.Nil(uut.Send(utCtxt, connection1, testMsg))
		assert.NotNil(uut.Send(utCtxt, connection1, testMsg))
	}

	// Case 3: re-attach closes the previous buffer
	{
		previous, err := uut.Attach(uuid.NewString())
		assert.Nil(err)
		_ = previous

		original, err := uut.Attach(connection1)
		assert.Nil(err)
		replacement, err := uut.Attach(connection1)
		assert.Nil(err)

		// The original buffer is closed after draining its backlog
		closed := false
		for !closed {
			select {
			case _, ok := <-original:
				closed = !ok
			case <-time.After(time.Second):
				assert.FailNow("original stream buffer never closed")
			}
		}

		assert.Nil(uut.Send(utCtxt, connection1, testMsg))
		select {
		case msg, ok := <-replacement:
			assert.True(ok)
			assert.Equal(testMsg, msg)
		case <-time.After(time.Second):
			assert.FailNow("message never reached the replacement buffer")
		}
	}

	// Case 4: detach closes the buffer and stops delivery
	{
		buffer, err := uut.Attach(connection1)
		assert.Nil(err)
		uut.Detach(connection1, nil)
		_, ok := <-buffer
		assert.False(ok)
		assert.NotNil(uut.Send(utCtxt, connection1, testMsg))
		// Detaching an unknown connection is a no-op
		uut.Detach(uuid.NewString(), nil)
	}

	// Case 5: a stale detach leaves a replacement stream alone
	{
		original, err := uut.Attach(connection1)
		assert.Nil(err)
		replacement, err := uut.Attach(connection1)
		assert.Nil(err)

		// The handler which lost its stream to the re-attach detaches
		uut.Detach(connection1, original)
		assert.Nil(uut.Send(utCtxt, connection1, testMsg))
		select {
		case msg, ok := <-replacement:
			assert.True(ok)
			assert.Equal(testMsg, msg)
		case <-time.After(time.Second):
			assert.FailNow("message never reached the replacement buffer")
		}

		// The handler owning the replacement detaches
		uut.Detach(connection1, replacement)
		_, ok := <-replacement
		assert.False(ok)
		assert.NotNil(uut.Send(utCtxt, connection1, testMsg))
	}
}

func TestStreamTransportConcurrentTeardown(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.WarnLevel)

	utCtxt := context.Background()

	uut, err := GetStreamTransport(1)
	assert.Nil(err)

	connection1 := uuid.NewString()
	testMsg := common.Notification{
		Type:      common.NotificationProgressUpdate,
		EntityID:  uuid.NewString(),
		EmittedAt: time.Now(),
		Progress:  &common.ProgressUpdate{PercentComplete: 10},
	}

	// Sends racing attach / detach cycles must never panic
	stop := make(chan struct{})
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		for {
			select {
			case <-stop:
				return
			default:
				_ = uut.Send(utCtxt, connection1, testMsg)
			}
		}
	}()

	for itr := 0; itr < 1000; itr++ {
		buffer, err := uut.Attach(connection1)
		assert.Nil(err)
		go func() {
			for range buffer {
			}
		}()
		uut.Detach(connection1, buffer)
	}

	close(stop)
	select {
	case <-senderDone:
	case <-time.After(time.Second * 5):
		assert.FailNow("sender never stopped")
	}
}

func TestCompositeTransport(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()

	_, err := GetCompositeTransport()
	assert.NotNil(err)

	stream1, err := GetStreamTransport(4)
	assert.Nil(err)
	stream2, err := GetStreamTransport(4)
	assert.Nil(err)

	uut, err := GetCompositeTransport(stream1, stream2)
	assert.Nil(err)

	connection1 := uuid.NewString()
	testMsg := common.Notification{
		Type:      common.NotificationProgressUpdate,
		EntityID:  uuid.NewString(),
		EmittedAt: time.Now(),
		Progress:  &common.ProgressUpdate{PercentComplete: 50},
	}

	// Case 0: all legs failing surfaces an error
	{
		assert.NotNil(uut.Send(utCtxt, connection1, testMsg))
	}

	// Case 1: one accepting leg is enough
	{
		buffer, err := stream2.Attach(connection1)
		assert.Nil(err)
		assert.Nil(uut.Send(utCtxt, connection1, testMsg))
		select {
		case msg := <-buffer:
			assert.Equal(testMsg, msg)
		case <-time.After(time.Second):
			assert.FailNow("message never reached the accepting leg")
		}
	}

	// Case 2: both legs receive when both accept
	{
		buffer1, err := stream1.Attach(connection1)
		assert.Nil(err)
		assert.Nil(uut.Send(utCtxt, connection1, testMsg))
		select {
		case msg := <-buffer1:
			assert.Equal(testMsg, msg)
		case <-time.After(time.Second):
			assert.FailNow("message never reached the first leg")
		}
	}
}
