package models

import (
	"fmt"
	"time"
)

// Period selects the date window of the filtered view.
type Period string

const (
	PeriodAll     Period = "all"
	PeriodToday   Period = "today"
	PeriodWeek    Period = "week"
	PeriodMonth   Period = "month"
	PeriodQuarter Period = "quarter"
	PeriodYear    Period = "year"
	PeriodCustom  Period = "custom"
)

// periodDays is the look-back of each rolling period.
var periodDays = map[Period]int{
	PeriodToday:   1,
	PeriodWeek:    7,
	PeriodMonth:   30,
	PeriodQuarter: 90,
	PeriodYear:    365,
}

// LookbackDays returns the rolling window in days and whether the period is a rolling one.
func (p Period) LookbackDays() (int, bool) {
	d, ok := periodDays[p]
	return d, ok
}

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	if p == PeriodAll || p == PeriodCustom {
		return true
	}
	_, ok := periodDays[p]
	return ok
}

// FilterCriteria describes the active dashboard view.
// Empty Roles or Scores mean no restriction.
type FilterCriteria struct {
	Period      Period     `json:"period"`
	Roles       []Role     `json:"roles"`
	Scores      []int      `json:"scores"`
	CustomStart *time.Time `json:"custom_start,omitempty"`
	CustomEnd   *time.Time `json:"custom_end,omitempty"`
}

// DefaultFilterCriteria is the first-run configuration.
func DefaultFilterCriteria() FilterCriteria {
	return FilterCriteria{
		Period: PeriodAll,
		Roles:  []Role{},
		Scores: []int{},
	}
}

// Validate rejects criteria the filter engine cannot evaluate.
func (c FilterCriteria) Validate() error {
	if !c.Period.Valid() {
		return fmt.Errorf("unknown period %q", c.Period)
	}
	for _, r := range c.Roles {
		if !r.Valid() {
			return fmt.Errorf("unknown role %q", r)
		}
	}
	for _, s := range c.Scores {
		if s < MinScore || s > MaxScore {
			return fmt.Errorf("score %d out of range", s)
		}
	}
	if c.Period == PeriodCustom {
		if c.CustomStart == nil || c.CustomEnd == nil {
			return fmt.Errorf("custom period requires custom_start and custom_end")
		}
		if c.CustomStart.After(*c.CustomEnd) {
			return fmt.Errorf("custom_start is after custom_end")
		}
	}
	return nil
}

// Clone returns a copy that shares no slices or pointers with c.
func (c FilterCriteria) Clone() FilterCriteria {
	out := FilterCriteria{
		Period: c.Period,
		Roles:  append([]Role{}, c.Roles...),
		Scores: append([]int{}, c.Scores...),
	}
	if c.CustomStart != nil {
		t := *c.CustomStart
		out.CustomStart = &t
	}
	if c.CustomEnd != nil {
		t := *c.CustomEnd
		out.CustomEnd = &t
	}
	return out
}
