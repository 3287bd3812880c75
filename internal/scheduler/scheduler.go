package scheduler

import (
	"context"
	"time"
)

// Scheduler is the background work facility that owns trigger timing.
// Works are identified by a unique key and grouped by tags.
type Scheduler interface {
	// ScheduleOneShot registers a work that fires once after spec.Delay
	ScheduleOneShot(ctx context.Context, spec OneShotSpec) error

	// ScheduleRecurring registers a work that fires after spec.InitialDelay and then every spec.Period
	ScheduleRecurring(ctx context.Context, spec RecurringSpec) error

	// CancelByTag removes every work carrying tag
	CancelByTag(ctx context.Context, tag string) error

	// EnumerateByTag lists every work carrying tag
	EnumerateByTag(ctx context.Context, tag string) ([]WorkInfo, error)
}

// Result is the outcome a worker reports for one firing
type Result int

const (
	// ResultSuccess retires a one-shot work
	ResultSuccess Result = iota
	// ResultRetry reschedules the work after a backoff
	ResultRetry
	// ResultFailure retires a one-shot work without retrying
	ResultFailure
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRetry:
		return "retry"
	case ResultFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Policy decides what happens when a work with the same key already exists
type Policy int

const (
	// PolicyReplace drops the existing work and registers the new one
	PolicyReplace Policy = iota
	// PolicyKeep leaves the existing work in place and ignores the request
	PolicyKeep
)

// WorkState is the lifecycle state of a registered work
type WorkState string

const (
	WorkStateEnqueued WorkState = "ENQUEUED"
	WorkStateRunning  WorkState = "RUNNING"
	WorkStateBlocked  WorkState = "BLOCKED"
)

// OneShotSpec describes a work that runs once.
// Two works of the same non-empty Group never run at the same time.
type OneShotSpec struct {
	Key    string
	Kind   string
	TaskID string
	Tags   []string
	Group  string
	Delay  time.Duration
	Policy Policy
}

// RecurringSpec describes a work that runs periodically
type RecurringSpec struct {
	Key          string
	Kind         string
	TaskID       string
	Tags         []string
	Group        string
	Period       time.Duration
	InitialDelay time.Duration
	Policy       Policy
}

// WorkInfo is a read-only view of a registered work
type WorkInfo struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	Kind      string        `json:"kind"`
	TaskID    string        `json:"task_id"`
	Tags      []string      `json:"tags"`
	State     WorkState     `json:"state"`
	Recurring bool          `json:"recurring"`
	Period    time.Duration `json:"period,omitempty"`
	Attempt   int           `json:"attempt"`
	NextRunAt time.Time     `json:"next_run_at"`
}

// HasTag reports whether the work carries tag.
func (w WorkInfo) HasTag(tag string) bool {
	for _, t := range w.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Firing is one delivery of a work to its worker
type Firing struct {
	WorkID  string    `json:"work_id"`
	FireID  string    `json:"fire_id"`
	Key     string    `json:"key"`
	Kind    string    `json:"kind"`
	TaskID  string    `json:"task_id"`
	Tags    []string  `json:"tags"`
	Attempt int       `json:"attempt"`
	FiredAt time.Time `json:"fired_at"`
}

// Worker executes firings of one kind
type Worker interface {
	Execute(ctx context.Context, firing Firing) Result
}

// WorkerFunc adapts a function to Worker
type WorkerFunc func(ctx context.Context, firing Firing) Result

// Execute implements Worker
func (f WorkerFunc) Execute(ctx context.Context, firing Firing) Result {
	return f(ctx, firing)
}
