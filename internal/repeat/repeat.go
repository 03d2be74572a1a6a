// Package repeat parses the repeat/backoff expressions carried by timer
// jobs and retry policies. Two forms are supported:
//
//   - ISO-8601 repeating intervals: "R3/PT10M", "R/P1D" or
//     "R5/2026-01-02T15:04:05Z/PT1H". The count bounds how many
//     occurrences fire; an absent count means unbounded.
//   - Cron cycles, prefixed to keep the two grammars apart:
//     "cycle:*/5 * * * *". Cron cycles are always unbounded.
package repeat

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CronPrefix marks a cron-style cycle expression.
const CronPrefix = "cycle:"

// Cycle is a parsed repeat expression.
type Cycle struct {
	// Repetitions remaining, including the occurrence about to fire.
	// 0 means unbounded.
	Repetitions int

	// Start is the optional anchor timestamp of an ISO expression.
	Start *time.Time

	// Interval is the gap between occurrences for ISO expressions.
	Interval time.Duration

	// Schedule is set instead of Interval for cron cycles.
	Schedule cron.Schedule

	expr string
}

// Parse parses expr. A parse failure is a configuration error for the
// owning job, not a transient condition.
func Parse(expr string) (Cycle, error) {
	if spec, ok := strings.CutPrefix(expr, CronPrefix); ok {
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return Cycle{}, fmt.Errorf("parse cron cycle %q: %w", spec, err)
		}
		return Cycle{Schedule: sched, expr: expr}, nil
	}

	parts := strings.Split(expr, "/")
	if len(parts) < 2 || len(parts) > 3 || !strings.HasPrefix(parts[0], "R") {
		return Cycle{}, fmt.Errorf("expression %q is not R[n][/start]/duration", expr)
	}

	c := Cycle{expr: expr}

	if count := parts[0][1:]; count != "" {
		n, err := strconv.Atoi(count)
		if err != nil || n < 1 {
			return Cycle{}, fmt.Errorf("repetition count %q: must be a positive integer", count)
		}
		c.Repetitions = n
	}

	if len(parts) == 3 {
		start, err := time.Parse(time.RFC3339, parts[1])
		if err != nil {
			return Cycle{}, fmt.Errorf("parse start %q: %w", parts[1], err)
		}
		c.Start = &start
	}

	interval, err := parseISODuration(parts[len(parts)-1])
	if err != nil {
		return Cycle{}, err
	}
	c.Interval = interval

	return c, nil
}

// Next returns the due date of the occurrence after from. The interval
// always shifts forward from the given instant, never from the original
// due date.
func (c Cycle) Next(from time.Time) time.Time {
	if c.Schedule != nil {
		return c.Schedule.Next(from)
	}
	return from.Add(c.Interval)
}

// HasNext reports whether another occurrence remains after the current
// one fires.
func (c Cycle) HasNext() bool {
	return c.Repetitions == 0 || c.Repetitions > 1
}

// NextExpression returns the expression to store on the spawned
// occurrence, with a bounded count decremented. Empty when the sequence
// is exhausted.
func (c Cycle) NextExpression() string {
	if !c.HasNext() {
		return ""
	}
	if c.Schedule != nil || c.Repetitions == 0 {
		return c.expr
	}

	parts := strings.Split(c.expr, "/")
	parts[0] = "R" + strconv.Itoa(c.Repetitions-1)
	return strings.Join(parts, "/")
}

// parseISODuration handles the designators an interval between job
// occurrences can meaningfully use: weeks, days, hours, minutes and
// seconds. Calendar years and months do not map onto a fixed duration
// and are rejected.
func parseISODuration(s string) (time.Duration, error) {
	orig := s
	s, ok := strings.CutPrefix(s, "P")
	if !ok || s == "" {
		return 0, fmt.Errorf("duration %q: must start with P", orig)
	}

	var d time.Duration
	inTime := false
	num := ""

	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			if inTime || num != "" {
				return 0, fmt.Errorf("duration %q: misplaced T", orig)
			}
			inTime = true
		default:
			if num == "" {
				return 0, fmt.Errorf("duration %q: designator %c without value", orig, r)
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("duration %q: %w", orig, err)
			}
			num = ""

			unit, err := designatorUnit(r, inTime)
			if err != nil {
				return 0, fmt.Errorf("duration %q: %w", orig, err)
			}
			d += time.Duration(n) * unit
		}
	}
	if num != "" {
		return 0, fmt.Errorf("duration %q: trailing value without designator", orig)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q: must be positive", orig)
	}
	return d, nil
}

func designatorUnit(r rune, inTime bool) (time.Duration, error) {
	if inTime {
		switch r {
		case 'H':
			return time.Hour, nil
		case 'M':
			return time.Minute, nil
		case 'S':
			return time.Second, nil
		}
		return 0, fmt.Errorf("unknown time designator %c", r)
	}
	switch r {
	case 'W':
		return 7 * 24 * time.Hour, nil
	case 'D':
		return 24 * time.Hour, nil
	case 'Y', 'M':
		return 0, fmt.Errorf("calendar designator %c is not supported", r)
	}
	return 0, fmt.Errorf("unknown date designator %c", r)
}
