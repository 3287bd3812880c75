// Package recurrence computes trigger instants for scheduled tasks.
// All functions are pure and evaluate the rule in the location of now.
package recurrence

import (
	"time"

	"github.com/t77yq/promptcron/internal/model"
)

// MinInitialDelay is the smallest delay used when registering a trigger.
const MinInitialDelay = time.Minute

// NextTriggerAt returns the first instant strictly after now at which the rule fires.
func NextTriggerAt(rec model.Recurrence, now time.Time) time.Time {
	switch r := orDefault(rec).(type) {
	case model.Weekly:
		ahead := (int(r.Weekday()) - int(now.Weekday()) + 7) % 7
		candidate := atMinute(now.AddDate(0, 0, ahead), r.MinuteOfDay())
		if candidate.After(now) {
			return candidate
		}
		return candidate.AddDate(0, 0, 7)
	default:
		today := atMinute(now, r.MinuteOfDay())
		if today.After(now) {
			return today
		}
		return today.AddDate(0, 0, 1)
	}
}

// LatestDueAt returns the most recent instant at or before now at which the rule should have fired.
func LatestDueAt(rec model.Recurrence, now time.Time) time.Time {
	switch r := orDefault(rec).(type) {
	case model.Weekly:
		back := (int(now.Weekday()) - int(r.Weekday()) + 7) % 7
		candidate := atMinute(now.AddDate(0, 0, -back), r.MinuteOfDay())
		if candidate.After(now) {
			return candidate.AddDate(0, 0, -7)
		}
		return candidate
	default:
		today := atMinute(now, r.MinuteOfDay())
		if today.After(now) {
			return today.AddDate(0, 0, -1)
		}
		return today
	}
}

// ShouldRunCatchUp reports whether the task missed its latest due occurrence.
// A task that is currently running never owes a catch-up.
func ShouldRunCatchUp(task model.ScheduledTask, now time.Time) bool {
	if task.LastStatus == model.TaskStatusRunning {
		return false
	}
	baseline := task.CreatedAt
	if task.LastRunAt > 0 {
		baseline = task.LastRunAt
	}
	return LatestDueAt(task.Recurrence, now).UnixMilli() > baseline
}

// InitialDelay returns the delay until the next trigger, floored at MinInitialDelay.
func InitialDelay(rec model.Recurrence, now time.Time) time.Duration {
	return InitialDelayWithFloor(rec, now, MinInitialDelay)
}

// InitialDelayWithFloor is InitialDelay with a caller supplied floor.
func InitialDelayWithFloor(rec model.Recurrence, now time.Time, floor time.Duration) time.Duration {
	delay := NextTriggerAt(rec, now).Sub(now)
	if delay < floor {
		return floor
	}
	return delay
}

// Period returns the nominal spacing between two firings of the rule.
func Period(rec model.Recurrence) time.Duration {
	switch orDefault(rec).(type) {
	case model.Weekly:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// orDefault returns a Daily or Weekly value. Pointer rules are dereferenced
// and a missing rule is daily at midnight.
func orDefault(rec model.Recurrence) model.Recurrence {
	switch r := model.RecurrenceValue(rec).(type) {
	case model.Daily:
		return r
	case model.Weekly:
		return r
	default:
		return model.Daily{}
	}
}

// atMinute returns the wall-clock instant minute minutes after midnight of t's date in t's location.
func atMinute(t time.Time, minute int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, minute/60, minute%60, 0, 0, t.Location())
}
