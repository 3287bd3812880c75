package model

// AssistantDefaults are the execution defaults a task inherits unless overridden
type AssistantDefaults struct {
	ID              string   `json:"id"`
	ModelID         string   `json:"model_id"`
	EnabledTools    []string `json:"enabled_tools"`
	WebSearch       bool     `json:"web_search"`
	RequireApproval bool     `json:"require_approval"`
}

// Settings is the application settings document holding the task list
type Settings struct {
	Tasks                  []ScheduledTask   `json:"scheduled_tasks"`
	Assistant              AssistantDefaults `json:"assistant"`
	ApprovalBlacklist      string            `json:"approval_blacklist"`
	EnableTaskNotification bool              `json:"enable_task_notification"`
}

// FindTask returns the task with the given id.
func (s Settings) FindTask(id string) (ScheduledTask, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return ScheduledTask{}, false
}

// EligibleTasks returns the tasks that must have triggers registered.
func (s Settings) EligibleTasks() []ScheduledTask {
	var out []ScheduledTask
	for _, t := range s.Tasks {
		if t.Eligible() {
			out = append(out, t)
		}
	}
	return out
}

// WithTask returns a copy of s where the task with the given id has been
// replaced by transform(task). Other tasks are untouched.
func (s Settings) WithTask(id string, transform func(ScheduledTask) ScheduledTask) Settings {
	tasks := make([]ScheduledTask, len(s.Tasks))
	for i, t := range s.Tasks {
		if t.ID == id {
			t = transform(t)
		}
		tasks[i] = t
	}
	s.Tasks = tasks
	return s
}

// Clone returns a deep enough copy that mutating the result never affects s.
func (s Settings) Clone() Settings {
	out := s
	out.Tasks = append([]ScheduledTask(nil), s.Tasks...)
	out.Assistant.EnabledTools = append([]string(nil), s.Assistant.EnabledTools...)
	return out
}

// ExecutionOptions are the effective options of one execution after overrides
type ExecutionOptions struct {
	AssistantID     string   `json:"assistant_id"`
	ModelID         string   `json:"model_id"`
	EnabledTools    []string `json:"enabled_tools"`
	WebSearch       bool     `json:"web_search"`
	RequireApproval bool     `json:"require_approval"`
	ApprovalRules   []string `json:"approval_rules"`
}
