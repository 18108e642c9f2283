// Package cronexpr implements a dedicated 5-field POSIX cron parser with
// deterministic next-tick computation in an explicit timezone. Per the
// core's design notes, cron evaluation is not delegated to a general-purpose
// scheduling library: the Scheduler needs a next-tick computation whose
// timezone semantics are fully specified, and a bespoke evaluator is the
// only way to guarantee that.
package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expr is a parsed 5-field cron expression: minute hour day-of-month month
// day-of-week. Each field supports '*', '*/n', 'a-b', 'a,b,c', and numeric
// literals (and any comma-separated combination of the above).
type Expr struct {
	raw     string
	minute  fieldSet
	hour    fieldSet
	dom     fieldSet
	month   fieldSet
	dow     fieldSet
}

// fieldSet is a bitset over the valid values of one cron field.
type fieldSet uint64

func (f fieldSet) has(v int) bool { return f&(1<<uint(v)) != 0 }

type fieldSpec struct {
	min, max int
}

var (
	minuteSpec = fieldSpec{0, 59}
	hourSpec   = fieldSpec{0, 23}
	domSpec    = fieldSpec{1, 31}
	monthSpec  = fieldSpec{1, 12}
	dowSpec    = fieldSpec{0, 6}
)

// Parse parses a standard 5-field cron expression. It returns an error
// describing which field failed to parse and why.
func Parse(expr string) (*Expr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cronexpr: expected 5 fields, got %d in %q", len(fields), expr)
	}

	minute, err := parseField(fields[0], minuteSpec)
	if err != nil {
		return nil, fmt.Errorf("cronexpr: minute field: %w", err)
	}
	hour, err := parseField(fields[1], hourSpec)
	if err != nil {
		return nil, fmt.Errorf("cronexpr: hour field: %w", err)
	}
	dom, err := parseField(fields[2], domSpec)
	if err != nil {
		return nil, fmt.Errorf("cronexpr: day-of-month field: %w", err)
	}
	month, err := parseField(fields[3], monthSpec)
	if err != nil {
		return nil, fmt.Errorf("cronexpr: month field: %w", err)
	}
	dow, err := parseField(fields[4], dowSpec)
	if err != nil {
		return nil, fmt.Errorf("cronexpr: day-of-week field: %w", err)
	}

	return &Expr{
		raw:    expr,
		minute: minute,
		hour:   hour,
		dom:    dom,
		month:  month,
		dow:    dow,
	}, nil
}

// String returns the original expression text.
func (e *Expr) String() string { return e.raw }

// parseField parses a single cron field (possibly comma-separated) into a
// bitset of matching values within [spec.min, spec.max].
func parseField(field string, spec fieldSpec) (fieldSet, error) {
	var set fieldSet
	for _, part := range strings.Split(field, ",") {
		lo, hi, step, err := parsePart(part, spec)
		if err != nil {
			return 0, err
		}
		for v := lo; v <= hi; v += step {
			if v < spec.min || v > spec.max {
				return 0, fmt.Errorf("value %d out of range [%d,%d]", v, spec.min, spec.max)
			}
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

// parsePart parses one comma-delimited component: '*', '*/n', 'a-b', 'a-b/n',
// or a bare numeric literal. Returns the inclusive [lo,hi] range and step.
func parsePart(part string, spec fieldSpec) (lo, hi, step int, err error) {
	step = 1

	rangePart := part
	if idx := strings.IndexByte(part, '/'); idx != -1 {
		rangePart = part[:idx]
		step, err = strconv.Atoi(part[idx+1:])
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid step in %q", part)
		}
	}

	switch {
	case rangePart == "*":
		return spec.min, spec.max, step, nil
	case strings.Contains(rangePart, "-"):
		bounds := strings.SplitN(rangePart, "-", 2)
		lo, err = strconv.Atoi(bounds[0])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range start in %q", part)
		}
		hi, err = strconv.Atoi(bounds[1])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range end in %q", part)
		}
		if lo > hi {
			return 0, 0, 0, fmt.Errorf("range start exceeds end in %q", part)
		}
		return lo, hi, step, nil
	default:
		v, err := strconv.Atoi(rangePart)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid numeric literal %q", rangePart)
		}
		return v, v, step, nil
	}
}

// Next computes the next firing instant strictly after `after`, evaluated in
// loc. It searches minute-by-minute up to four years out, which is ample for
// any field combination that isn't internally contradictory (e.g. Feb 30).
func (e *Expr) Next(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := after.In(loc)
	// Start at the next whole minute.
	t = t.Truncate(time.Minute).Add(time.Minute)

	limit := after.AddDate(4, 0, 0)
	for t.Before(limit) {
		if e.month.has(int(t.Month())) && e.matchesDay(t) && e.hour.has(t.Hour()) && e.minute.has(t.Minute()) {
			return t
		}
		t = t.Add(time.Minute)
	}
	// Unsatisfiable expression (e.g. Feb 30): return a far-future sentinel
	// rather than looping forever.
	return limit
}

// matchesDay implements the POSIX cron day-of-month/day-of-week OR rule:
// when both fields are restricted (not '*'), a day matches if EITHER
// matches; when only one is restricted, only that one must match.
func (e *Expr) matchesDay(t time.Time) bool {
	domRestricted := e.dom != fullSet(domSpec)
	dowRestricted := e.dow != fullSet(dowSpec)

	domMatch := e.dom.has(t.Day())
	dowMatch := e.dow.has(int(t.Weekday()))

	switch {
	case domRestricted && dowRestricted:
		return domMatch || dowMatch
	case domRestricted:
		return domMatch
	case dowRestricted:
		return dowMatch
	default:
		return true
	}
}

func fullSet(spec fieldSpec) fieldSet {
	var set fieldSet
	for v := spec.min; v <= spec.max; v++ {
		set |= 1 << uint(v)
	}
	return set
}
