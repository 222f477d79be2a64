package settings

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/nous-labs/autoreply/pkg/quiethours"
)

// ValidationError reports a value rejected for a setting.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Key, e.Reason)
}

// aliases are the short names accepted by administrative commands.
var aliases = map[string]string{
	"enabled":     KeyEnabled,
	"target_id":   KeyTargetID,
	"target":      KeyTargetUsername,
	"quiet_start": KeyQuietStart,
	"quiet_end":   KeyQuietEnd,
	"model":       KeyModel,
	"style":       KeyStyle,
	"override":    KeyManualOverrideMinutes,
}

// Canonical maps a key or alias to the stored setting key.
func Canonical(key string) (string, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	if k, ok := aliases[key]; ok {
		return k, true
	}
	if Known(key) {
		return key, true
	}
	return "", false
}

// AdminKeys lists the settings an administrator may change, sorted.
func AdminKeys() []string {
	keys := make([]string, 0, len(fallbacks))
	for k := range fallbacks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks value for key and returns it normalized.
func Validate(key, value string) (string, error) {
	value = strings.TrimSpace(value)
	invalid := func(format string, args ...any) (string, error) {
		return "", &ValidationError{Key: key, Reason: fmt.Sprintf(format, args...)}
	}

	switch key {
	case KeyEnabled:
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return "true", nil
		case "false", "0", "no", "off":
			return "false", nil
		}
		return invalid("want on or off")

	case KeyPauseUntil:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return invalid("want a unix timestamp")
		}
		return value, nil

	case KeyQuietStart, KeyQuietEnd:
		if value == "" {
			return "", nil
		}
		minutes, err := quiethours.ParseClock(value)
		if err != nil {
			return invalid("use HH:MM, for example 23:00")
		}
		return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60), nil

	case KeyTimezone:
		if value == "" {
			return invalid("timezone must not be empty")
		}
		if _, err := time.LoadLocation(value); err != nil {
			return invalid("unknown timezone %q, use an IANA name such as Europe/Moscow", value)
		}
		return value, nil

	case KeyQuietMode:
		mode := strings.ToLower(value)
		if mode != QuietIgnore && mode != QuietQueue {
			return invalid("must be %q or %q", QuietIgnore, QuietQueue)
		}
		return mode, nil

	case KeyTargetID:
		if value == "" {
			return "", nil
		}
		if strings.IndexFunc(value, unicode.IsSpace) >= 0 {
			return invalid("must not contain spaces")
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n <= 0 {
			return invalid("numeric ids must be positive")
		}
		return value, nil

	case KeyTargetUsername:
		value = strings.TrimPrefix(value, "@")
		if strings.IndexFunc(value, unicode.IsSpace) >= 0 {
			return invalid("must not contain spaces")
		}
		return value, nil

	case KeyContextTurns:
		return intRange(key, value, 1, 100)
	case KeyRateLimitCount:
		return intRange(key, value, 1, 20)
	case KeyRateLimitWindow:
		return intRange(key, value, 10, 300)
	case KeyManualOverrideMinutes:
		return intRange(key, value, 1, 1440)

	case KeyTargetName, KeyModel, KeyStyle:
		return value, nil
	}
	return "", &ValidationError{Key: key, Reason: "unknown setting"}
}

func intRange(key, value string, lo, hi int) (string, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return "", &ValidationError{Key: key, Reason: "must be a number"}
	}
	if n < lo || n > hi {
		return "", &ValidationError{Key: key, Reason: fmt.Sprintf("must be between %d and %d", lo, hi)}
	}
	return strconv.Itoa(n), nil
}
