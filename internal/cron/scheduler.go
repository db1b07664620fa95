package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// exprParser accepts 5-field expressions, an optional leading seconds field
// and descriptors such as @daily or @every 1h.
var exprParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// isoLayouts are tried in order. Layouts without a zone parse as UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseExpression turns user schedule text into a Schedule:
//
//	every <n>[s|m|h|d|w]   interval, seconds when no unit is given
//	at <time>              one-shot; ISO-8601, +<duration> or unix ms
//	anything else          cron expression
func ParseExpression(expr string, now time.Time) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}
	keyword := strings.Fields(expr)[0]
	rest := strings.TrimSpace(expr[len(keyword):])

	switch strings.ToLower(keyword) {
	case "every":
		if rest == "" {
			return nil, fmt.Errorf("%w: %q: missing interval", ErrInvalidExpression, expr)
		}
		secs, err := parseEverySeconds(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
		}
		return Every{Seconds: secs}, nil

	case "at":
		if rest == "" {
			return nil, fmt.Errorf("%w: %q: missing time", ErrInvalidExpression, expr)
		}
		return At{RunAt: resolveAt(rest, now)}, nil

	default:
		return Expr{Expr: expr}, nil
	}
}

func parseEverySeconds(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	d, err := ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return int(d / time.Second), nil
}

// resolveAt converts relative and unix-millisecond times to ISO-8601 UTC.
// Anything else is kept verbatim; an unparsable value leaves the job dormant.
func resolveAt(s string, now time.Time) string {
	if strings.HasPrefix(s, "+") {
		if d, err := ParseDuration(s[1:]); err == nil {
			return now.Add(d).UTC().Format(time.RFC3339)
		}
		return s
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 1000000000000 {
		return time.UnixMilli(ms).UTC().Format(time.RFC3339)
	}
	return s
}

// NextRun returns the next fire time for s after now. A nil time with a nil
// error means the schedule is dormant.
func NextRun(s Schedule, now time.Time) (*time.Time, error) {
	switch s := s.(type) {
	case Every:
		next := now.Add(time.Duration(max(s.Seconds, 1)) * time.Second)
		return &next, nil

	case At:
		t, ok := parseISO(s.RunAt)
		if !ok {
			return nil, nil
		}
		return &t, nil

	case Expr:
		expr := strings.TrimSpace(s.Expr)
		if expr == "" {
			return nil, nil
		}
		sched, err := exprParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
		}
		next := sched.Next(now)
		if next.IsZero() {
			return nil, nil
		}
		return &next, nil

	default:
		return nil, fmt.Errorf("%w: unknown schedule type %T", ErrInvalidExpression, s)
	}
}

func parseISO(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseDuration parses human-friendly duration strings.
// Supports: "30s", "5m", "2h", "1d", "1w"
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// days and weeks are not understood by time.ParseDuration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid days: %w", err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	if weeks, ok := strings.CutSuffix(s, "w"); ok {
		n, err := strconv.Atoi(weeks)
		if err != nil {
			return 0, fmt.Errorf("invalid weeks: %w", err)
		}
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}

	return time.ParseDuration(s)
}
