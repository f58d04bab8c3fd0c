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
	"time"

	"github.com/alwitt/tasknotify/common"
	"github.com/apex/log"
)

// IdleReaper periodically evicts connections which stayed idle beyond the
// stale threshold, so clients that vanished without explicit cleanup do not
// accumulate in the registry.
type IdleReaper interface {
	// Start begin periodic sweeping at the given interval
	Start(sweepInterval time.Duration) error
	// Stop halt periodic sweeping
	Stop() error
	// Sweep run one eviction pass as of now. Safe to call repeatedly;
	// an already-evicted connection is not double counted.
	Sweep(now time.Time) (int, error)
}

// idleReaperImpl implements IdleReaper
type idleReaperImpl struct {
	common.Component
	registry       ConnectionRegistry
	staleThreshold time.Duration
	timer          common.IntervalTimer
}

// GetIdleReaper create new idle reaper against a connection registry
func GetIdleReaper(
	registry ConnectionRegistry,
	staleThreshold time.Duration,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (IdleReaper, error) {
	logTags := log.Fields{
		"module": "registry", "component": "idle-reaper",
	}
	timer, err := common.GetIntervalTimerInstance("idle-reaper", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	return &idleReaperImpl{
		Component:      common.Component{LogTags: logTags},
		registry:       registry,
		staleThreshold: staleThreshold,
		timer:          timer,
	}, nil
}

// Start begin periodic sweeping
func (r *idleReaperImpl) Start(sweepInterval time.Duration) error {
	log.WithFields(r.LogTags).Infof(
		"Sweeping every %s for connections idle beyond %s", sweepInterval, r.staleThreshold,
	)
	return r.timer.Start(sweepInterval, func() error {
		_, err := r.Sweep(time.Now())
		return err
	}, false)
}

// Stop halt periodic sweeping
func (r *idleReaperImpl) Stop() error {
	return r.timer.Stop()
}

// Sweep run one eviction pass
func (r *idleReaperImpl) Sweep(now time.Time) (int, error) {
	evicted := r.registry.EvictStale(r.staleThreshold, now)
	if len(evicted) > 0 {
		log.WithFields(r.LogTags).Infof("Evicted %d idle connections %v", len(evicted), evicted)
	}
	return len(evicted), nil
}
