package monitor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// maxExpectedRuns caps the schedule walk for very frequent rates
const maxExpectedRuns = 100000

var ruleCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a rule schedule expression, either
// cron(min hour dom month dow year) or rate(n unit). Rule schedules are
// evaluated in UTC.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "cron(") && strings.HasSuffix(expr, ")"):
		return parseRuleCron(expr[len("cron(") : len(expr)-1])
	case strings.HasPrefix(expr, "rate(") && strings.HasSuffix(expr, ")"):
		return parseRate(expr[len("rate(") : len(expr)-1])
	default:
		return nil, fmt.Errorf("unsupported schedule expression %q", expr)
	}
}

func parseRuleCron(body string) (cron.Schedule, error) {
	fields := strings.Fields(body)
	if len(fields) != 6 {
		return nil, fmt.Errorf("cron expression %q: expected 6 fields, got %d", body, len(fields))
	}
	for _, f := range fields[2:5] {
		if strings.ContainsAny(f, "LW#") {
			return nil, fmt.Errorf("cron expression %q: unsupported field %q", body, f)
		}
	}

	dow, err := shiftWeekdays(fields[4])
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", body, err)
	}

	// the year field has no cron counterpart and is dropped
	spec := strings.Join([]string{fields[0], fields[1], fields[2], fields[3], dow}, " ")
	sched, err := ruleCronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", body, err)
	}
	return sched, nil
}

// shiftWeekdays maps numeric weekdays from 1-7 (SUN=1) to 0-6 (SUN=0).
// Step values and day names are left alone.
func shiftWeekdays(field string) (string, error) {
	parts := strings.Split(field, ",")
	for i, part := range parts {
		base, step, hasStep := strings.Cut(part, "/")
		bounds := strings.Split(base, "-")
		for j, b := range bounds {
			n, err := strconv.Atoi(b)
			if err != nil {
				continue
			}
			if n < 1 || n > 7 {
				return "", fmt.Errorf("day of week %d out of range 1-7", n)
			}
			bounds[j] = strconv.Itoa(n - 1)
		}
		parts[i] = strings.Join(bounds, "-")
		if hasStep {
			parts[i] += "/" + step
		}
	}
	return strings.Join(parts, ","), nil
}

func parseRate(body string) (cron.Schedule, error) {
	fields := strings.Fields(body)
	if len(fields) != 2 {
		return nil, fmt.Errorf("rate expression %q: expected value and unit", body)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("rate expression %q: value must be a positive integer", body)
	}

	var unit time.Duration
	switch strings.TrimSuffix(fields[1], "s") {
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	default:
		return nil, fmt.Errorf("rate expression %q: unknown unit %q", body, fields[1])
	}
	return cron.Every(time.Duration(n) * unit), nil
}

// NextRun returns the first activation strictly after now
func NextRun(sched cron.Schedule, now time.Time) time.Time {
	return sched.Next(now.UTC())
}

// ExpectedRuns counts the activations in (start, end]
func ExpectedRuns(sched cron.Schedule, start, end time.Time) int {
	count := 0
	for t := sched.Next(start.UTC()); !t.IsZero() && !t.After(end); t = sched.Next(t) {
		count++
		if count >= maxExpectedRuns {
			break
		}
	}
	return count
}
