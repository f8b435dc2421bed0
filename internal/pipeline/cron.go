package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scheduling uses standard 5-field cron expressions:
//
//	minute hour day-of-month month day-of-week
//
// Fields accept "*", plain values, comma lists, ranges ("1-5"), and steps
// ("*/15"). "0 3 * * *" runs daily at 03:00.

// cronField is one parsed field, matched against a time component.
type cronField struct {
	wildcard bool
	step     int
	values   []int
}

func (f cronField) matches(val int) bool {
	if f.wildcard {
		if f.step > 1 {
			return val%f.step == 0
		}
		return true
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses a single field, e.g. "0", "*", "1,15", "1-5", "*/10".
func parseCronField(field string) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	if rest, ok := strings.CutPrefix(field, "*/"); ok {
		step, err := strconv.Atoi(rest)
		if err != nil || step < 1 {
			return cronField{}, fmt.Errorf("invalid cron step %q", field)
		}
		return cronField{wildcard: true, step: step}, nil
	}

	var values []int
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid cron range %q: %w", part, err)
			}
			end, err := strconv.Atoi(hi)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid cron range %q: %w", part, err)
			}
			if end < start {
				return cronField{}, fmt.Errorf("invalid cron range %q: end before start", part)
			}
			for v := start; v <= end; v++ {
				values = append(values, v)
			}
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron value %q: %w", part, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

// parsedCron holds the five fields of one expression.
type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	names := []string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	parsed := make([]cronField, 5)
	for i, raw := range fields {
		f, err := parseCronField(raw)
		if err != nil {
			return parsedCron{}, fmt.Errorf("parsing %s field: %w", names[i], err)
		}
		parsed[i] = f
	}

	return parsedCron{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

// nextCronTime finds the first time strictly after 'after' that matches the
// expression, scanning minute boundaries up to a year out.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
