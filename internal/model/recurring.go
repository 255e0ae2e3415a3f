package model

import (
	"fmt"
	"time"
)

// Frequency is how often a recurring template produces an expense.
type Frequency string

// Frequency constants.
const (
	FrequencyNone      Frequency = "none"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiweekly  Frequency = "biweekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
)

// ParseFrequency converts a string into a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(s); f {
	case FrequencyNone, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly, FrequencyQuarterly:
		return f, nil
	}
	return "", fmt.Errorf("unsupported frequency %q", s)
}

// RecurringPattern describes the schedule of a recurring template.
type RecurringPattern struct {
	// DayOfMonth anchors monthly occurrences. Days past the end of a month clamp to its last day.
	DayOfMonth *int
	Frequency  Frequency
	Interval   int
}

// Validate ensures the pattern has valid data.
func (p RecurringPattern) Validate() error {
	if _, err := ParseFrequency(string(p.Frequency)); err != nil {
		return err
	}
	if p.Interval < 1 {
		return fmt.Errorf("interval must be at least 1")
	}
	if p.DayOfMonth != nil && (*p.DayOfMonth < 1 || *p.DayOfMonth > 31) {
		return fmt.Errorf("day of month must be between 1 and 31")
	}
	return nil
}

// NextDate returns the occurrence that follows last.
func (p RecurringPattern) NextDate(last time.Time) time.Time {
	last = DateOf(last)
	interval := p.Interval
	if interval < 1 {
		interval = 1
	}

	switch p.Frequency {
	case FrequencyWeekly:
		return last.AddDate(0, 0, 7*interval)
	case FrequencyBiweekly:
		return last.AddDate(0, 0, 14*interval)
	case FrequencyMonthly:
		if p.DayOfMonth == nil {
			return addMonthsClamped(last, interval, last.Day())
		}
		anchor := *p.DayOfMonth
		candidate := addMonthsClamped(last, 0, anchor)
		if candidate.After(last) {
			return candidate
		}
		return addMonthsClamped(last, interval, anchor)
	case FrequencyQuarterly:
		return addMonthsClamped(last, 3*interval, last.Day())
	default:
		return last
	}
}

// addMonthsClamped moves t by months and sets the day, clamping to the month's last day.
func addMonthsClamped(t time.Time, months, day int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, months, 0)
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// RecurringTemplate defines a recurring expense's fixed fields and schedule.
// The template owns its pattern; generated expenses point back at it by ID.
type RecurringTemplate struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	// StartDate is the first occurrence.
	StartDate         time.Time
	LastGeneratedDate *time.Time
	// NextDueDate is nil once a non-recurring template has produced its expense.
	NextDueDate *time.Time
	ID          string
	Fields
	Pattern RecurringPattern
	Active  bool
}

// ComputeNextDue derives the next due date from the generation history.
func (t *RecurringTemplate) ComputeNextDue() *time.Time {
	if t.LastGeneratedDate == nil {
		start := DateOf(t.StartDate)
		if start.IsZero() {
			start = DateOf(t.CreatedAt)
		}
		return &start
	}
	if t.Pattern.Frequency == FrequencyNone {
		return nil
	}
	next := t.Pattern.NextDate(*t.LastGeneratedDate)
	return &next
}

// IsDue reports whether the template should generate an expense at now.
func (t *RecurringTemplate) IsDue(now time.Time) bool {
	if !t.Active || t.NextDueDate == nil {
		return false
	}
	return !DateOf(*t.NextDueDate).After(DateOf(now))
}

// Advance records a generation on date and moves NextDueDate forward.
func (t *RecurringTemplate) Advance(date time.Time) {
	d := DateOf(date)
	t.LastGeneratedDate = &d
	t.NextDueDate = t.ComputeNextDue()
}

// Clone returns a deep copy of the template.
func (t *RecurringTemplate) Clone() RecurringTemplate {
	out := *t
	out.Fields = t.Fields.Clone()
	out.Pattern.DayOfMonth = cloneInt(t.Pattern.DayOfMonth)
	out.LastGeneratedDate = cloneTime(t.LastGeneratedDate)
	out.NextDueDate = cloneTime(t.NextDueDate)
	return out
}

// Snapshot captures every field of the template for rollback.
func (t *RecurringTemplate) Snapshot() TemplateSnapshot {
	return TemplateSnapshot{template: t.Clone()}
}

// TemplateSnapshot is an immutable copy of a template's values.
type TemplateSnapshot struct {
	template RecurringTemplate
}

// Restore writes every snapshotted field back onto t.
func (s TemplateSnapshot) Restore(t *RecurringTemplate) {
	*t = s.template.Clone()
}

// Fields returns the snapshotted field values.
func (s TemplateSnapshot) Fields() Fields {
	return s.template.Fields.Clone()
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
