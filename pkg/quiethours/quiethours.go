// Package quiethours decides whether a wall-clock instant falls inside a
// configured daily quiet window.
package quiethours

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var clockPattern = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):([0-5][0-9])$`)

// Window is a daily quiet window in a named IANA timezone.
// Start and End are "HH:MM"; an empty bound disables the window.
type Window struct {
	Start    string
	End      string
	Timezone string
}

// Enabled reports whether both bounds are set.
func (w Window) Enabled() bool {
	return strings.TrimSpace(w.Start) != "" && strings.TrimSpace(w.End) != ""
}

func (w Window) String() string {
	if !w.Enabled() {
		return "off"
	}
	return fmt.Sprintf("%s-%s %s", w.Start, w.End, w.Timezone)
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	m := clockPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return h*60 + mm, nil
}

// Contains reports whether now, converted to the window's timezone, is inside
// the window. When start > end the window wraps midnight and covers
// [start, 24:00) and [00:00, end); otherwise it covers [start, end).
// A window with a missing bound never contains anything.
func Contains(now time.Time, w Window) (bool, error) {
	if !w.Enabled() {
		return false, nil
	}
	start, err := ParseClock(w.Start)
	if err != nil {
		return false, fmt.Errorf("quiet hours start: %w", err)
	}
	end, err := ParseClock(w.End)
	if err != nil {
		return false, fmt.Errorf("quiet hours end: %w", err)
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return false, fmt.Errorf("quiet hours timezone %q: %w", w.Timezone, err)
	}

	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	if start > end {
		return cur >= start || cur < end, nil
	}
	return cur >= start && cur < end, nil
}

// Active is Contains with configuration errors logged and treated as
// "not quiet", so a bad setting never silences replies.
func Active(logger *slog.Logger, now time.Time, w Window) bool {
	in, err := Contains(now, w)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("quiet hours misconfigured, treating as inactive",
			"window", w.String(),
			"error", err,
		)
		return false
	}
	return in
}
