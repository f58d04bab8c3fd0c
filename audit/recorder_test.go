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
	"context"
	"sync"
	"testing"

	"github.com/alwitt/tasknotify/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLogRecorder(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	tp, err := common.GetNewTaskProcessorInstance("ut-audit", 4, utCtxt)
	assert.Nil(err)
	uut, err := GetLogRecorder(tp)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))
	defer func() {
		assert.Nil(tp.StopEventLoop())
	}()

	// Case 0: events of every severity are accepted without blocking
	{
		for _, severity := range []string{SeverityInfo, SeverityWarning, SeverityError} {
			uut.RecordEvent(
				"notification",
				severity,
				uuid.NewString(),
				map[string]interface{}{"attempted": 3},
				"ut",
				[]string{"fan-out"},
			)
		}
	}

	// Case 1: unknown param types reaching the processor are rejected
	{
		assert.NotNil(tp.ProcessNewTaskParam("not an audit event"))
	}
}
