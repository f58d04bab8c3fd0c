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
	"fmt"
	"regexp"
)

// Topic key namespaces
const (
	TopicNamespaceUser    = "user"
	TopicNamespaceTask    = "task"
	TopicNamespaceProject = "project"
)

// UserTopic topic key for a user's personal broadcast channel
func UserTopic(userID string) string {
	return fmt.Sprintf("%s:%s", TopicNamespaceUser, userID)
}

// TaskTopic topic key for one task's broadcast channel
func TaskTopic(taskID string) string {
	return fmt.Sprintf("%s:%s", TopicNamespaceTask, taskID)
}

// ProjectTopic topic key for one project's broadcast channel
func ProjectTopic(projectID string) string {
	return fmt.Sprintf("%s:%s", TopicNamespaceProject, projectID)
}

var topicKeyPattern = regexp.MustCompile(`^[a-z]+:[a-zA-Z0-9][a-zA-Z0-9._\-]*$`)

// ValidateTopicKey verify a topic key is of form "<namespace>:<entity-id>"
func ValidateTopicKey(topicKey string) error {
	if !topicKeyPattern.MatchString(topicKey) {
		return fmt.Errorf("topic key '%s' is not of form 'namespace:entity-id'", topicKey)
	}
	return nil
}
