package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidExpression is returned when a cron expression cannot be parsed
// due to incorrect field count, out-of-range values, or malformed syntax.
var ErrInvalidExpression = errors.New("invalid cron expression")

// ErrNoMatch is returned when Next exhausts its search horizon without
// finding a time that satisfies all cron fields.
var ErrNoMatch = errors.New("cron: no matching time found within iteration limit")

// ErrNilSchedule is returned when Next is called on a nil schedule receiver.
var ErrNilSchedule = errors.New("cron schedule is nil")

// Schedule represents a parsed cron schedule capable of computing
// the next execution time after a given reference time.
type Schedule interface {
	Next(time.Time) (time.Time, error)
}

// fieldMask holds one cron field as a bit set: bit v is set when value v
// matches. The widest field (minute, 0-59) fits in a uint64.
type fieldMask uint64

func (mask fieldMask) match(value int) bool {
	return mask&(1<<uint(value)) != 0
}

// Field positions in a 5-field expression.
const (
	fieldMinute = iota
	fieldHour
	fieldDayOfMonth
	fieldMonth
	fieldDayOfWeek
	fieldCount
)

type fieldSpec struct {
	name string
	min  int
	max  int
}

var fieldSpecs = [fieldCount]fieldSpec{
	fieldMinute:     {name: "minute", min: 0, max: 59},
	fieldHour:       {name: "hour", min: 0, max: 23},
	fieldDayOfMonth: {name: "day-of-month", min: 1, max: 31},
	fieldMonth:      {name: "month", min: 1, max: 12},
	fieldDayOfWeek:  {name: "day-of-week", min: 0, max: 6},
}

type schedule struct {
	fields [fieldCount]fieldMask
}

// Parse parses a standard 5-field cron expression and returns a Schedule
// that can compute the next execution time. The expression format is:
// minute hour day-of-month month day-of-week
// Returns ErrInvalidExpression if the expression is malformed or contains out-of-range values.
func Parse(expr string) (Schedule, error) {
	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	if len(parts) != fieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidExpression, fieldCount, len(parts))
	}

	sched := &schedule{}

	for i, spec := range fieldSpecs {
		mask, err := parseField(parts[i], spec)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", spec.name, err)
		}

		sched.fields[i] = mask
	}

	return sched, nil
}

// Next computes the next execution time after the given reference time.
// It normalizes the input to UTC, advances to the next whole minute, and
// skips forward a month, day, hour, or minute at a time until every field
// matches. Returns the matching time in UTC, or ErrNoMatch if nothing
// matches within the search horizon.
func (sched *schedule) Next(from time.Time) (time.Time, error) {
	if sched == nil {
		return time.Time{}, ErrNilSchedule
	}

	candidate := from.UTC().Add(time.Minute).Truncate(time.Minute)

	// A leap year of minutes covers every reachable field combination.
	const horizon = 366 * 24 * 60

	for i := 0; i < horizon; i++ {
		switch {
		case !sched.fields[fieldMonth].match(int(candidate.Month())):
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		case !sched.fields[fieldDayOfMonth].match(candidate.Day()) ||
			!sched.fields[fieldDayOfWeek].match(int(candidate.Weekday())):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, 0, 0, 0, 0, time.UTC)
		case !sched.fields[fieldHour].match(candidate.Hour()):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), candidate.Hour()+1, 0, 0, 0, time.UTC)
		case !sched.fields[fieldMinute].match(candidate.Minute()):
			candidate = candidate.Add(time.Minute)
		default:
			return candidate, nil
		}
	}

	return time.Time{}, ErrNoMatch
}

func parseField(field string, spec fieldSpec) (fieldMask, error) {
	var mask fieldMask

	for _, part := range strings.Split(field, ",") {
		partMask, err := parsePart(part, spec)
		if err != nil {
			return 0, err
		}

		mask |= partMask
	}

	return mask, nil
}

func parsePart(part string, spec fieldSpec) (fieldMask, error) {
	rangePart, stepPart, hasStep := strings.Cut(part, "/")

	step := 1

	if hasStep {
		parsed, err := strconv.Atoi(stepPart)
		if err != nil || parsed <= 0 {
			return 0, fmt.Errorf("%w: invalid step %q", ErrInvalidExpression, stepPart)
		}

		step = parsed
	}

	lo, hi := spec.min, spec.max

	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		start, end, err := parseRange(rangePart, spec)
		if err != nil {
			return 0, err
		}

		lo, hi = start, end
	default:
		value, err := strconv.Atoi(rangePart)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid value %q", ErrInvalidExpression, rangePart)
		}

		if value < spec.min || value > spec.max {
			return 0, fmt.Errorf("%w: value %d out of bounds [%d, %d]", ErrInvalidExpression, value, spec.min, spec.max)
		}

		if !hasStep {
			return 1 << uint(value), nil
		}

		// "v/step" runs from v to the field maximum.
		lo = value
	}

	var mask fieldMask
	for v := lo; v <= hi; v += step {
		mask |= 1 << uint(v)
	}

	return mask, nil
}

// parseRange parses a "lo-hi" range expression and validates it against the
// field bounds.
func parseRange(rangePart string, spec fieldSpec) (int, int, error) {
	startRaw, endRaw, _ := strings.Cut(rangePart, "-")

	start, err := strconv.Atoi(startRaw)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid range start %q", ErrInvalidExpression, startRaw)
	}

	end, err := strconv.Atoi(endRaw)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid range end %q", ErrInvalidExpression, endRaw)
	}

	if start < spec.min || end > spec.max || start > end {
		return 0, 0, fmt.Errorf("%w: range %d-%d out of bounds [%d, %d]", ErrInvalidExpression, start, end, spec.min, spec.max)
	}

	return start, end, nil
}
