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

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/tasknotify/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// acceptAllTransport transport stub accepting every delivery
type acceptAllTransport struct{}

func (t *acceptAllTransport) Send(
	ctxt context.Context, connectionID string, msg common.Notification,
) error {
	return nil
}

func TestConnectionRegistration(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetConnectionRegistry("ut-registration", &acceptAllTransport{}, nil)
	assert.Nil(err)

	startTime := time.Now()

	// Case 0: registry starts empty
	{
		assert.Equal(0, uut.ConnectionCount())
		assert.Equal(0, uut.TopicCount())
		_, ok := uut.Get(uuid.NewString())
		assert.False(ok)
	}

	// Case 1: register with generated ID, auto-subscribed to owner topic
	owner1 := uuid.NewString()
	var conn1 string
	{
		entry, err := uut.Register("", owner1, startTime)
		assert.Nil(err)
		assert.NotEmpty(entry.ConnectionID)
		assert.Equal(owner1, entry.OwnerID)
		assert.Equal([]string{UserTopic(owner1)}, entry.SubscribedTopics)
		assert.Equal(startTime, entry.EstablishedAt)
		assert.Equal(startTime, entry.LastActivityAt)
		conn1 = entry.ConnectionID
		assert.Equal(1, uut.ConnectionCount())
		assert.Equal([]string{conn1}, uut.SubscribersOf(UserTopic(owner1)))
	}

	// Case 2: registration without an owner fails
	{
		_, err := uut.Register(uuid.NewString(), "", startTime)
		assert.NotNil(err)
		assert.Equal(1, uut.ConnectionCount())
	}

	// Case 3: register with caller chosen ID
	owner2 := uuid.NewString()
	conn2 := uuid.NewString()
	{
		entry, err := uut.Register(conn2, owner2, startTime)
		assert.Nil(err)
		assert.Equal(conn2, entry.ConnectionID)
		assert.Equal(2, uut.ConnectionCount())
	}

	// Case 4: re-registering a live ID resets prior state
	{
		topic := TaskTopic(uuid.NewString())
		assert.True(uut.Subscribe(conn2, topic, startTime))
		assert.Equal([]string{conn2}, uut.SubscribersOf(topic))

		owner3 := uuid.NewString()
		entry, err := uut.Register(conn2, owner3, startTime.Add(time.Second))
		assert.Nil(err)
		assert.Equal(owner3, entry.OwnerID)
		assert.Equal([]string{UserTopic(owner3)}, entry.SubscribedTopics)
		assert.Empty(uut.SubscribersOf(topic))
		assert.Equal(2, uut.ConnectionCount())
	}

	// Case 5: removal cascades, absent removal is a no-op
	{
		assert.True(uut.Remove(conn1))
		assert.Equal(1, uut.ConnectionCount())
		assert.Empty(uut.SubscribersOf(UserTopic(owner1)))
		assert.False(uut.Remove(conn1))
	}
}

func TestTopicSubscriptions(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetConnectionRegistry("ut-subscriptions", &acceptAllTransport{}, nil)
	assert.Nil(err)

	startTime := time.Now()
	owner1 := uuid.NewString()
	owner2 := uuid.NewString()
	entry1, err := uut.Register("", owner1, startTime)
	assert.Nil(err)
	entry2, err := uut.Register("", owner2, startTime)
	assert.Nil(err)
	conn1 := entry1.ConnectionID
	conn2 := entry2.ConnectionID

	topic := TaskTopic(uuid.NewString())

	// Case 0: subscribe against an unknown connection fails
	{
		assert.False(uut.Subscribe(uuid.NewString(), topic, startTime))
		assert.False(uut.Unsubscribe(uuid.NewString(), topic, startTime))
	}

	// Case 1: both connections join the topic
	{
		assert.True(uut.Subscribe(conn1, topic, startTime))
		assert.True(uut.Subscribe(conn2, topic, startTime))
		assert.ElementsMatch([]string{conn1, conn2}, uut.SubscribersOf(topic))
		// Each connection also holds its owner topic
		assert.Equal(3, uut.TopicCount())
	}

	// Case 2: repeat subscribe is a no-op
	{
		assert.True(uut.Subscribe(conn1, topic, startTime.Add(time.Second)))
		entry, ok := uut.Get(conn1)
		assert.True(ok)
		assert.Equal([]string{UserTopic(owner1), topic}, entry.SubscribedTopics)
		assert.Equal(startTime.Add(time.Second), entry.LastActivityAt)
	}

	// Case 3: store and index agree in both directions
	{
		for _, connectionID := range uut.SubscribersOf(topic) {
			entry, ok := uut.Get(connectionID)
			assert.True(ok)
			assert.Contains(entry.SubscribedTopics, topic)
		}
	}

	// Case 4: leaving a topic never joined is a no-op reporting success
	{
		assert.True(uut.Unsubscribe(conn1, ProjectTopic(uuid.NewString()), startTime))
		entry, ok := uut.Get(conn1)
		assert.True(ok)
		assert.Equal([]string{UserTopic(owner1), topic}, entry.SubscribedTopics)
	}

	// Case 5: last unsubscribe clears the topic from the index
	{
		assert.True(uut.Unsubscribe(conn1, topic, startTime))
		assert.Equal([]string{conn2}, uut.SubscribersOf(topic))
		assert.True(uut.Unsubscribe(conn2, topic, startTime))
		assert.Empty(uut.SubscribersOf(topic))
		assert.Equal(2, uut.TopicCount())
	}
}

func TestRegistryStats(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetConnectionRegistry("ut-stats", &acceptAllTransport{}, nil)
	assert.Nil(err)

	startTime := time.Now()
	owner1 := uuid.NewString()
	owner2 := uuid.NewString()
	entry1, err := uut.Register("", owner1, startTime)
	assert.Nil(err)
	_, err = uut.Register("", owner2, startTime.Add(-time.Hour))
	assert.Nil(err)

	topic := TaskTopic(uuid.NewString())
	assert.True(uut.Subscribe(entry1.ConnectionID, topic, startTime))

	// Case 0: summary without detail
	{
		result := uut.Stats(time.Minute, startTime, false)
		assert.Equal(2, result.TotalConnections)
		assert.Equal(1, result.ActiveConnections)
		assert.Equal(3, result.TotalTopics)
		assert.Nil(result.PerTopic)
	}

	// Case 1: per-topic breakdown on request
	{
		result := uut.Stats(time.Minute, startTime, true)
		assert.Equal(map[string]int{
			UserTopic(owner1): 1, UserTopic(owner2): 1, topic: 1,
		}, result.PerTopic)
	}
}

func TestTopicKeyValidation(t *testing.T) {
	assert := assert.New(t)

	// Case 0: generated topic keys are valid
	assert.Nil(ValidateTopicKey(UserTopic("user-01")))
	assert.Nil(ValidateTopicKey(TaskTopic("42")))
	assert.Nil(ValidateTopicKey(ProjectTopic("proj.prod_x")))

	// Case 1: malformed keys are rejected
	assert.NotNil(ValidateTopicKey("task"))
	assert.NotNil(ValidateTopicKey("task:"))
	assert.NotNil(ValidateTopicKey(":42"))
	assert.NotNil(ValidateTopicKey("Task:42"))
	assert.NotNil(ValidateTopicKey("task:my topic"))
}
