package model

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// TaskStatus is the last known execution status of a scheduled task
type TaskStatus string

const (
	TaskStatusIdle    TaskStatus = "IDLE"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusSuccess TaskStatus = "SUCCESS"
	TaskStatusFailed  TaskStatus = "FAILED"
)

const (
	displayTitleLimit = 24
	untitledTask      = "Untitled task"
)

// ExecutionOverrides supersede assistant defaults for a single task.
// A nil field inherits the default.
type ExecutionOverrides struct {
	ModelID         *string  `json:"model_id,omitempty"`
	EnabledTools    []string `json:"enabled_tools,omitempty"`
	WebSearch       *bool    `json:"web_search,omitempty"`
	RequireApproval *bool    `json:"require_approval,omitempty"`
}

// ScheduledTask is a recurring prompt owned by user configuration
type ScheduledTask struct {
	ID          string             `json:"id"`
	AssistantID string             `json:"assistant_id"`
	Enabled     bool               `json:"enabled"`
	Prompt      string             `json:"prompt"`
	Title       string             `json:"title"`
	Recurrence  Recurrence         `json:"-"`
	LastStatus  TaskStatus         `json:"last_status"`
	LastRunAt   int64              `json:"last_run_at"`
	LastRunID   string             `json:"last_run_id,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	CreatedAt   int64              `json:"created_at"`
	Overrides   ExecutionOverrides `json:"overrides"`
}

// Eligible reports whether the task should have triggers registered.
func (t ScheduledTask) Eligible() bool {
	return t.Enabled && strings.TrimSpace(t.Prompt) != ""
}

// DisplayTitle returns the title, falling back to the first line of the prompt.
func (t ScheduledTask) DisplayTitle() string {
	if strings.TrimSpace(t.Title) != "" {
		return t.Title
	}
	firstLine, _, _ := strings.Cut(t.Prompt, "\n")
	firstLine = strings.TrimSpace(firstLine)
	if firstLine == "" {
		return untitledTask
	}
	if utf8.RuneCountInString(firstLine) > displayTitleLimit {
		firstLine = string([]rune(firstLine)[:displayTitleLimit])
	}
	return firstLine
}

type scheduledTaskAlias ScheduledTask

type scheduledTaskJSON struct {
	scheduledTaskAlias
	Recurrence json.RawMessage `json:"recurrence,omitempty"`
}

// MarshalJSON encodes the recurrence variant with an explicit type tag.
func (t ScheduledTask) MarshalJSON() ([]byte, error) {
	rec, err := marshalRecurrence(t.Recurrence)
	if err != nil {
		return nil, err
	}
	return json.Marshal(scheduledTaskJSON{scheduledTaskAlias: scheduledTaskAlias(t), Recurrence: rec})
}

// UnmarshalJSON decodes a task, defaulting a missing recurrence to daily at midnight.
func (t *ScheduledTask) UnmarshalJSON(data []byte) error {
	var in scheduledTaskJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	rec, err := unmarshalRecurrence(in.Recurrence)
	if err != nil {
		return err
	}
	*t = ScheduledTask(in.scheduledTaskAlias)
	if rec == nil {
		rec = Daily{}
	}
	t.Recurrence = rec
	if t.LastStatus == "" {
		t.LastStatus = TaskStatusIdle
	}
	return nil
}
