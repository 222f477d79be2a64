// Package settings is the per-owner policy store: layered configuration
// reads (persisted override, then provisioned default, then fallback), a
// write-through Set, and the enable/pause predicates the message gate uses.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nous-labs/autoreply/pkg/quiethours"
	"github.com/nous-labs/autoreply/pkg/store"
)

// Setting keys.
const (
	KeyEnabled               = "ai_enabled"
	KeyPauseUntil            = "pause_until_ts"
	KeyTargetID              = "target_user_id"
	KeyTargetUsername        = "target_username"
	KeyTargetName            = "target_name"
	KeyQuietStart            = "quiet_hours_start"
	KeyQuietEnd              = "quiet_hours_end"
	KeyTimezone              = "timezone"
	KeyQuietMode             = "quiet_mode"
	KeyContextTurns          = "context_turns"
	KeyRateLimitCount        = "rate_limit_count"
	KeyRateLimitWindow       = "rate_limit_window"
	KeyModel                 = "model_name"
	KeyStyle                 = "style_profile"
	KeyManualOverrideMinutes = "manual_override_pause_minutes"

	// KeyLastSender is written by the gate, not by administrators.
	KeyLastSender = "last_sender_id"
)

// DefaultTimezone is used when the configured timezone cannot be loaded.
const DefaultTimezone = "Europe/Moscow"

// Quiet-hours modes.
const (
	QuietIgnore = "ignore"
	QuietQueue  = "queue"
)

var fallbacks = map[string]string{
	KeyEnabled:               "false",
	KeyPauseUntil:            "0",
	KeyTargetID:              "",
	KeyTargetUsername:        "",
	KeyTargetName:            "",
	KeyQuietStart:            "",
	KeyQuietEnd:              "",
	KeyTimezone:              DefaultTimezone,
	KeyQuietMode:             QuietQueue,
	KeyContextTurns:          "40",
	KeyRateLimitCount:        "4",
	KeyRateLimitWindow:       "30",
	KeyModel:                 "",
	KeyStyle:                 "",
	KeyManualOverrideMinutes: "15",
}

// Fallbacks returns a copy of the hard-coded setting values.
func Fallbacks() map[string]string {
	out := make(map[string]string, len(fallbacks))
	for k, v := range fallbacks {
		out[k] = v
	}
	return out
}

// Known reports whether key is a recognized setting.
func Known(key string) bool {
	_, ok := fallbacks[key]
	return ok
}

// Target is the contact an owner's assistant replies to.
type Target struct {
	ID       string
	Username string
	Name     string
}

// IsZero reports whether neither an id nor a username is configured.
func (t Target) IsZero() bool {
	return t.ID == "" && t.Username == ""
}

func (t Target) String() string {
	switch {
	case t.ID != "" && t.Username != "":
		return fmt.Sprintf("%s (@%s)", t.ID, t.Username)
	case t.ID != "":
		return t.ID
	case t.Username != "":
		return "@" + t.Username
	}
	return "-"
}

// Store holds one owner's settings. Reads come from a cache refreshed by
// Load; writes go to the backend first and reach the cache only on success.
type Store struct {
	backend  store.SettingsStore
	ownerID  int64
	defaults map[string]string
	now      func() time.Time
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for malformed-value warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a settings store for ownerID. defaults are the provisioned
// values that sit between persisted overrides and the fallbacks.
func New(backend store.SettingsStore, ownerID int64, defaults map[string]string, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("settings: backend must not be nil")
	}
	s := &Store{
		backend:  backend,
		ownerID:  ownerID,
		defaults: make(map[string]string, len(defaults)),
		now:      time.Now,
		logger:   slog.Default(),
		cache:    map[string]string{},
	}
	for k, v := range defaults {
		s.defaults[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("owner", ownerID)
	return s, nil
}

// OwnerID returns the owner these settings belong to.
func (s *Store) OwnerID() int64 { return s.ownerID }

// Load replaces the cache with the persisted values.
func (s *Store) Load(ctx context.Context) error {
	persisted, err := s.backend.GetSettings(ctx, s.ownerID)
	if err != nil {
		return fmt.Errorf("settings: load owner %d: %w", s.ownerID, err)
	}
	s.mu.Lock()
	s.cache = persisted
	s.mu.Unlock()
	return nil
}

// Get resolves key through the layers. A persisted key wins even when its
// value is empty; an empty provisioned default falls through.
func (s *Store) Get(key string) string {
	s.mu.RLock()
	v, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return v
	}
	if v := s.defaults[key]; v != "" {
		return v
	}
	return fallbacks[key]
}

// Set persists key=value and then updates the cache.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.backend.SetSetting(ctx, s.ownerID, key, value); err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()

	s.logger.Info("setting updated", "key", key, "value", truncate(value, 50))
	return nil
}

// Snapshot returns every resolved known setting plus any extra persisted keys.
func (s *Store) Snapshot() map[string]string {
	out := make(map[string]string, len(fallbacks))
	for k := range fallbacks {
		out[k] = s.Get(k)
	}
	s.mu.RLock()
	for k, v := range s.cache {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	s.mu.RUnlock()
	return out
}

// String returns the resolved value, or def when it is empty.
func (s *Store) String(key, def string) string {
	if v := strings.TrimSpace(s.Get(key)); v != "" {
		return v
	}
	return def
}

// Int returns the resolved value as an int. Malformed values log a warning
// and yield def.
func (s *Store) Int(key string, def int) int {
	v := strings.TrimSpace(s.Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.logger.Warn("invalid integer setting", "key", key, "value", v)
		return def
	}
	return n
}

func (s *Store) int64Value(key string, def int64) int64 {
	v := strings.TrimSpace(s.Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		s.logger.Warn("invalid integer setting", "key", key, "value", v)
		return def
	}
	return n
}

// Bool returns the resolved value as a bool. true, 1, yes and on are true;
// any other non-empty value is false.
func (s *Store) Bool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(s.Get(key)))
	if v == "" {
		return def
	}
	switch v {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// Location returns the configured timezone, falling back to DefaultTimezone
// and then UTC.
func (s *Store) Location() *time.Location {
	name := s.String(KeyTimezone, DefaultTimezone)
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc
	}
	s.logger.Warn("invalid timezone, using default", "timezone", name, "default", DefaultTimezone)
	if loc, err := time.LoadLocation(DefaultTimezone); err == nil {
		return loc
	}
	return time.UTC
}

// intInRange is Int clamped to [lo, hi]; out-of-range values are logged.
func (s *Store) intInRange(key string, lo, hi int) int {
	def, _ := strconv.Atoi(fallbacks[key])
	n := s.Int(key, def)
	if n < lo || n > hi {
		s.logger.Warn("setting out of range, clamping", "key", key, "value", n, "min", lo, "max", hi)
		n = max(lo, min(n, hi))
	}
	return n
}

// Enabled reports the ai_enabled flag.
func (s *Store) Enabled() bool {
	return s.Bool(KeyEnabled, false)
}

// PauseUntil returns the pause expiry, zero when not set.
func (s *Store) PauseUntil() time.Time {
	ts := s.int64Value(KeyPauseUntil, 0)
	if ts <= 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// IsPaused reports whether a pause expiry lies in the future.
func (s *Store) IsPaused() bool {
	return s.PauseRemaining() > 0
}

// PauseRemaining returns how long the current pause still lasts.
func (s *Store) PauseRemaining() time.Duration {
	until := s.PauseUntil()
	if until.IsZero() {
		return 0
	}
	if d := until.Sub(s.now()); d > 0 {
		return d
	}
	return 0
}

// ShouldRespond checks the enabled flag, then an active pause.
func (s *Store) ShouldRespond() (bool, string) {
	if !s.Enabled() {
		return false, "disabled"
	}
	if rem := s.PauseRemaining(); rem > 0 {
		return false, fmt.Sprintf("paused (%d min remaining)", int(math.Ceil(rem.Minutes())))
	}
	return true, "ok"
}

// SetPause pauses replies for d from now and returns the expiry.
func (s *Store) SetPause(ctx context.Context, d time.Duration) (time.Time, error) {
	until := s.now().Add(d).Truncate(time.Second)
	return until, s.PauseUntilTime(ctx, until)
}

// PauseUntilTime pauses replies until t.
func (s *Store) PauseUntilTime(ctx context.Context, t time.Time) error {
	return s.Set(ctx, KeyPauseUntil, strconv.FormatInt(t.Unix(), 10))
}

// ClearPause removes any pause.
func (s *Store) ClearPause(ctx context.Context) error {
	return s.Set(ctx, KeyPauseUntil, "0")
}

// ManualOverrideMinutes is the pause applied when the owner writes to the
// target personally.
func (s *Store) ManualOverrideMinutes() int {
	return s.intInRange(KeyManualOverrideMinutes, 1, 1440)
}

// ApplyManualOverride pauses for the manual-override duration, replacing
// whatever pause was set before.
func (s *Store) ApplyManualOverride(ctx context.Context) (time.Time, error) {
	minutes := s.ManualOverrideMinutes()
	until, err := s.SetPause(ctx, time.Duration(minutes)*time.Minute)
	if err != nil {
		return time.Time{}, err
	}
	s.logger.Info("manual override, replies paused", "minutes", minutes, "until", until)
	return until, nil
}

// Target returns the configured contact.
func (s *Store) Target() Target {
	return Target{
		ID:       s.String(KeyTargetID, ""),
		Username: strings.TrimPrefix(s.String(KeyTargetUsername, ""), "@"),
		Name:     s.String(KeyTargetName, ""),
	}
}

// QuietWindow returns the configured quiet-hours window.
func (s *Store) QuietWindow() quiethours.Window {
	return quiethours.Window{
		Start:    s.String(KeyQuietStart, ""),
		End:      s.String(KeyQuietEnd, ""),
		Timezone: s.String(KeyTimezone, DefaultTimezone),
	}
}

// QuietMode returns ignore or queue; unknown values read as queue so that
// messages are retained rather than lost.
func (s *Store) QuietMode() string {
	mode := strings.ToLower(s.String(KeyQuietMode, QuietQueue))
	if mode != QuietIgnore && mode != QuietQueue {
		s.logger.Warn("invalid quiet mode, using queue", "value", mode)
		return QuietQueue
	}
	return mode
}

// ContextTurns is the number of stored turns sent as history.
func (s *Store) ContextTurns() int {
	return s.intInRange(KeyContextTurns, 1, 100)
}

// RateBudget returns the admission count and window.
func (s *Store) RateBudget() (int, time.Duration) {
	count := s.intInRange(KeyRateLimitCount, 1, 20)
	window := s.intInRange(KeyRateLimitWindow, 10, 300)
	return count, time.Duration(window) * time.Second
}

// Model returns the configured model override, empty for the provider default.
func (s *Store) Model() string { return s.String(KeyModel, "") }

// Style returns the free-form persona additions.
func (s *Store) Style() string { return s.String(KeyStyle, "") }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
