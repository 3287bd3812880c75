package scheduler

import "time"

// onceSchedule is a cron.Schedule that activates a single time.
// cron asks for Next once when the entry is added and once after each run.
type onceSchedule struct {
	at   time.Time
	used bool
}

func (s *onceSchedule) Next(t time.Time) time.Time {
	if s.used {
		return time.Time{}
	}
	s.used = true
	if s.at.Before(t) {
		return t
	}
	return s.at
}

// periodicSchedule activates at first and every period after it.
type periodicSchedule struct {
	first  time.Time
	period time.Duration
}

func (s periodicSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	n := t.Sub(s.first)/s.period + 1
	return s.first.Add(n * s.period)
}
