package model

import "time"

// RunCounts counts ledger rows per run status
type RunCounts struct {
	Running int `json:"running"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// MetricsSnapshot represents host and execution statistics at one point in time
type MetricsSnapshot struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	Runs        RunCounts `json:"runs"`
	PendingWork int       `json:"pending_work"`
	CollectedAt time.Time `json:"collected_at"`
}
