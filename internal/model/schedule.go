package model

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// MaxMinuteOfDay is the last minute of a day (23:59).
	MaxMinuteOfDay = 24*60 - 1

	// ISO-8601 day numbers, Monday first.
	isoMonday = 1
	isoSunday = 7
)

// Recurrence is the schedule of a task. It is either Daily or Weekly.
type Recurrence interface {
	// MinuteOfDay returns the trigger time clamped into [0, MaxMinuteOfDay].
	MinuteOfDay() int
	isRecurrence()
}

// Daily fires every day at TimeOfDayMinutes.
type Daily struct {
	TimeOfDayMinutes int
}

// Weekly fires once a week on DayOfWeek at TimeOfDayMinutes.
// DayOfWeek uses ISO numbering (1 = Monday ... 7 = Sunday); anything else means Monday.
type Weekly struct {
	TimeOfDayMinutes int
	DayOfWeek        int
}

func (d Daily) MinuteOfDay() int  { return clampMinute(d.TimeOfDayMinutes) }
func (w Weekly) MinuteOfDay() int { return clampMinute(w.TimeOfDayMinutes) }

func (Daily) isRecurrence()  {}
func (Weekly) isRecurrence() {}

// Weekday returns the configured day as a time.Weekday, coercing invalid values to Monday.
func (w Weekly) Weekday() time.Weekday {
	day := w.DayOfWeek
	if day < isoMonday || day > isoSunday {
		day = isoMonday
	}
	return time.Weekday(day % 7)
}

func clampMinute(m int) int {
	if m < 0 {
		return 0
	}
	if m > MaxMinuteOfDay {
		return MaxMinuteOfDay
	}
	return m
}

// recurrenceJSON is the persisted form of a Recurrence.
type recurrenceJSON struct {
	Type             string `json:"type"`
	TimeOfDayMinutes int    `json:"time_of_day_minutes"`
	DayOfWeek        *int   `json:"day_of_week,omitempty"`
}

const (
	recurrenceTypeDaily  = "daily"
	recurrenceTypeWeekly = "weekly"
)

// RecurrenceValue returns r with pointer rules dereferenced. A nil pointer
// yields nil.
func RecurrenceValue(r Recurrence) Recurrence {
	switch v := r.(type) {
	case *Daily:
		if v == nil {
			return nil
		}
		return *v
	case *Weekly:
		if v == nil {
			return nil
		}
		return *v
	default:
		return r
	}
}

func marshalRecurrence(r Recurrence) (json.RawMessage, error) {
	var out recurrenceJSON
	switch v := RecurrenceValue(r).(type) {
	case nil:
		return nil, nil
	case Daily:
		out = recurrenceJSON{Type: recurrenceTypeDaily, TimeOfDayMinutes: v.TimeOfDayMinutes}
	case Weekly:
		day := v.DayOfWeek
		out = recurrenceJSON{Type: recurrenceTypeWeekly, TimeOfDayMinutes: v.TimeOfDayMinutes, DayOfWeek: &day}
	default:
		return nil, fmt.Errorf("unsupported recurrence type %T", r)
	}
	return json.Marshal(out)
}

func unmarshalRecurrence(data json.RawMessage) (Recurrence, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var in recurrenceJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recurrence: %w", err)
	}
	switch in.Type {
	case recurrenceTypeDaily, "":
		return Daily{TimeOfDayMinutes: in.TimeOfDayMinutes}, nil
	case recurrenceTypeWeekly:
		day := isoMonday
		if in.DayOfWeek != nil {
			day = *in.DayOfWeek
		}
		return Weekly{TimeOfDayMinutes: in.TimeOfDayMinutes, DayOfWeek: day}, nil
	default:
		return nil, fmt.Errorf("unknown recurrence type %q", in.Type)
	}
}
