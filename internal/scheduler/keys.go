package scheduler

import "strings"

// WorkKey returns the unique work name of a scheduled prompt work.
func WorkKey(kind, taskID string) string {
	return workNamePrefix + kind + "_" + taskID
}

// TaskTag returns the tag shared by every work of one task.
func TaskTag(taskID string) string {
	return taskIDTagPrefix + taskID
}

// TaskIDFromTags returns the task id carried by a task tag, if any.
func TaskIDFromTags(tags []string) (string, bool) {
	for _, tag := range tags {
		if id, ok := strings.CutPrefix(tag, taskIDTagPrefix); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// TaskTags returns the tags of a scheduled prompt work.
func TaskTags(taskID string) []string {
	return []string{TagScheduledPrompt, TaskTag(taskID)}
}
