package ingest

import (
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

const (
	DefaultHours = 48
	MaxHours     = 168
	// CronHours is the lookback of the scheduled sweep; it overlaps the
	// previous run so late-arriving hours are picked up.
	CronHours = 42
)

// WindowLayout is how window bounds are rendered in job results.
const WindowLayout = "2006-01-02 15:04:05"

// Window is the half-open ingest range [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// WindowParams are the raw request inputs that select a window.
type WindowParams struct {
	From  string
	To    string
	Date  string
	// Hours is the trailing lookback; nil means DefaultHours.
	Hours *int
}

// ResolveWindow picks the ingest window: explicit from/to when both are set,
// else the UTC day named by Date, else the trailing Hours (clamped to
// 1..168, default 48) ending at now.
func ResolveWindow(p WindowParams, now time.Time) (Window, error) {
	if p.From != "" && p.To != "" {
		from, err := ParseTime(p.From)
		if err != nil {
			return Window{}, pollen.NewValidationError("from", "invalid time %q", p.From)
		}
		to, err := ParseTime(p.To)
		if err != nil {
			return Window{}, pollen.NewValidationError("to", "invalid time %q", p.To)
		}
		if !from.Before(to) {
			return Window{}, pollen.NewValidationError("from", "must be before to")
		}
		return Window{From: from, To: to}, nil
	}

	if p.Date != "" {
		day, err := pollen.ParseDate(p.Date)
		if err != nil {
			return Window{}, pollen.NewValidationError("date", "expected YYYY-MM-DD, got %q", p.Date)
		}
		return Window{From: day, To: day.AddDate(0, 0, 1)}, nil
	}

	hours := DefaultHours
	if p.Hours != nil {
		hours = ClampHours(*p.Hours)
	}
	to := now.UTC().Truncate(time.Second)
	return Window{From: to.Add(-time.Duration(hours) * time.Hour), To: to}, nil
}

// ClampHours bounds a lookback to 1..MaxHours.
func ClampHours(h int) int {
	switch {
	case h < 1:
		return 1
	case h > MaxHours:
		return MaxHours
	default:
		return h
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	WindowLayout,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	pollen.DateLayout,
}

// ParseTime accepts RFC3339, "YYYY-MM-DD HH:MM:SS", a bare date or unix
// seconds. Zone-less inputs are UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, lastErr
}
