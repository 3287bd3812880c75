package scheduler

import "time"

const (
	workStreamName      = "SCHEDULED_WORK"
	workFireSubject     = "work.fire"
	workResultSubject   = "work.result"
	workQueueGroup      = "scheduled_work_executors"
	workDuplicateWindow = 2 * time.Minute

	streamMaxAge  = 24 * time.Hour
	streamMaxMsgs = -1

	operationTimeout = 30 * time.Second
)

// Work kinds used for scheduled prompts.
const (
	KindPeriodic  = "periodic"
	KindCatchUp   = "catchup"
	KindTriggered = "triggered"
)

const (
	workNamePrefix = "scheduled_prompt_"

	// TagScheduledPrompt is carried by every scheduled prompt work
	TagScheduledPrompt = "scheduled_prompt"

	taskIDTagPrefix = "scheduled_prompt_task_id:"
)

const (
	defaultRetryInitialDelay = 10 * time.Minute
	defaultRetryMaxDelay     = 5 * time.Hour
	defaultRetryMultiplier   = 2.0
)
