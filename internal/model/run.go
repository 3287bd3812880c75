package model

// RunStatus represents the status of a single execution attempt
type RunStatus string

const (
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// RunRecord is one persisted execution attempt of a scheduled task.
// Snapshot fields are captured when the run starts and never change afterwards.
type RunRecord struct {
	ID                   string    `json:"id"`
	TaskID               string    `json:"task_id"`
	TaskTitleSnapshot    string    `json:"task_title_snapshot"`
	AssistantIDSnapshot  string    `json:"assistant_id_snapshot"`
	Status               RunStatus `json:"status"`
	StartedAt            int64     `json:"started_at"`
	FinishedAt           int64     `json:"finished_at"`
	DurationMs           int64     `json:"duration_ms"`
	PromptSnapshot       string    `json:"prompt_snapshot"`
	ResultText           string    `json:"result_text"`
	ErrorText            string    `json:"error_text"`
	ModelIDSnapshot      *string   `json:"model_id_snapshot,omitempty"`
	ProviderNameSnapshot string    `json:"provider_name_snapshot"`
}

// ReplySummary is what the execution pipeline returns for a successful run
type ReplySummary struct {
	ReplyText    string  `json:"reply_text"`
	ReplyPreview string  `json:"reply_preview"`
	ModelID      *string `json:"model_id,omitempty"`
	ProviderName string  `json:"provider_name"`
}
