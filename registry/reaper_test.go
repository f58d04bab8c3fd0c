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
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestStaleEviction(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetConnectionRegistry("ut-eviction", &acceptAllTransport{}, nil)
	assert.Nil(err)

	threshold := time.Minute
	startTime := time.Now()

	owner1 := uuid.NewString()
	entry1, err := uut.Register("", owner1, startTime)
	assert.Nil(err)
	entry2, err := uut.Register("", uuid.NewString(), startTime)
	assert.Nil(err)

	// Case 0: nothing is stale before the threshold passes
	{
		assert.Empty(uut.ListStale(threshold, startTime.Add(threshold-time.Second)))
		assert.Empty(uut.EvictStale(threshold, startTime.Add(threshold-time.Second)))
		assert.Equal(2, uut.ConnectionCount())
	}

	// Case 1: idle for exactly the threshold still survives
	{
		assert.Empty(uut.ListStale(threshold, startTime.Add(threshold)))
		assert.Equal(2, uut.ConnectionCount())
	}

	// Case 2: a touched connection survives the sweep which evicts the rest
	{
		checkTime := startTime.Add(threshold + time.Second)
		uut.Touch(entry2.ConnectionID, checkTime)

		stale := uut.ListStale(threshold, checkTime)
		assert.Equal([]string{entry1.ConnectionID}, stale)

		evicted := uut.EvictStale(threshold, checkTime)
		assert.Equal([]string{entry1.ConnectionID}, evicted)
		assert.Equal(1, uut.ConnectionCount())
		_, ok := uut.Get(entry1.ConnectionID)
		assert.False(ok)

		// Eviction dropped the topic memberships as well
		assert.Empty(uut.SubscribersOf(UserTopic(owner1)))
		assert.Equal(1, uut.TopicCount())
	}

	// Case 3: repeated sweeps find nothing new
	{
		assert.Empty(uut.EvictStale(threshold, startTime.Add(threshold+time.Second)))
		assert.Equal(1, uut.ConnectionCount())
	}
}

func TestIdleReaperSweep(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry, err := GetConnectionRegistry("ut-reaper", &acceptAllTransport{}, nil)
	assert.Nil(err)

	threshold := time.Minute
	uut, err := GetIdleReaper(registry, threshold, utCtxt, &wg)
	assert.Nil(err)

	startTime := time.Now()
	_, err = registry.Register("", uuid.NewString(), startTime)
	assert.Nil(err)
	entry2, err := registry.Register("", uuid.NewString(), startTime)
	assert.Nil(err)

	// Case 0: sweep before the threshold evicts nothing
	{
		evicted, err := uut.Sweep(startTime.Add(time.Second))
		assert.Nil(err)
		assert.Equal(0, evicted)
		assert.Equal(2, registry.ConnectionCount())
	}

	// Case 1: sweep past the threshold evicts the idle connections
	{
		checkTime := startTime.Add(threshold + time.Second)
		registry.Touch(entry2.ConnectionID, checkTime)
		evicted, err := uut.Sweep(checkTime)
		assert.Nil(err)
		assert.Equal(1, evicted)
		assert.Equal(1, registry.ConnectionCount())
		_, ok := registry.Get(entry2.ConnectionID)
		assert.True(ok)
	}

	// Case 2: repeat sweep is a no-op
	{
		evicted, err := uut.Sweep(startTime.Add(threshold + time.Second))
		assert.Nil(err)
		assert.Equal(0, evicted)
	}
}

func TestIdleReaperPeriodicSweep(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry, err := GetConnectionRegistry("ut-reaper-timer", &acceptAllTransport{}, nil)
	assert.Nil(err)

	threshold := time.Millisecond * 50
	uut, err := GetIdleReaper(registry, threshold, utCtxt, &wg)
	assert.Nil(err)

	entry, err := registry.Register("", uuid.NewString(), time.Now())
	assert.Nil(err)

	assert.Nil(uut.Start(time.Millisecond * 100))

	// The connection goes idle past the threshold; a periodic sweep clears it
	assert.Eventually(func() bool {
		_, ok := registry.Get(entry.ConnectionID)
		return !ok
	}, time.Second, time.Millisecond*50)

	assert.Nil(uut.Stop())
}
