// Package admin is the owner-facing control surface: status, on/off,
// pauses, settings. The HTTP API, the CLI and the text command dispatcher
// all go through Service.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/nous-labs/autoreply/pkg/quiethours"
	"github.com/nous-labs/autoreply/pkg/settings"
	"github.com/nous-labs/autoreply/pkg/store"
)

// ErrInvalidPause is returned for a pause spec that is neither a duration
// nor "until HH:MM".
var ErrInvalidPause = errors.New("admin: invalid pause, want 30m, 2h or until HH:MM")

// Runner reports whether an owner's session is live.
type Runner interface {
	Running(ownerID int64) bool
}

// Change is a setting written through the service.
type Change struct {
	OwnerID int64
	Key     string
	Value   string
}

// Service implements the administrative operations over the store.
type Service struct {
	store    store.Store
	defaults map[string]string
	runner   Runner
	now      func() time.Time
	logger   *slog.Logger
	onChange func(Change)
}

// Option configures a Service.
type Option func(*Service)

// WithRunner reports session state in Status.
func WithRunner(r Runner) Option { return func(s *Service) { s.runner = r } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// OnChange registers a hook called after every successful setting write.
func OnChange(fn func(Change)) Option { return func(s *Service) { s.onChange = fn } }

// NewService creates a Service. defaults are the provisioned setting values.
func NewService(st store.Store, defaults map[string]string, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("admin: store must not be nil")
	}
	s := &Service{
		store:    st,
		defaults: defaults,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) settings(ctx context.Context, ownerID int64) (*settings.Store, error) {
	set, err := settings.New(s.store, ownerID, s.defaults,
		settings.WithClock(s.now),
		settings.WithLogger(s.logger),
	)
	if err != nil {
		return nil, err
	}
	if err := set.Load(ctx); err != nil {
		return nil, fmt.Errorf("admin: load settings for owner %d: %w", ownerID, err)
	}
	return set, nil
}

func (s *Service) changed(ownerID int64, key, value string) {
	s.logger.Info("setting changed", "owner", ownerID, "key", key)
	if s.onChange != nil {
		s.onChange(Change{OwnerID: ownerID, Key: key, Value: value})
	}
}

// Status is a snapshot of one owner's policy and activity.
type Status struct {
	OwnerID        int64             `json:"owner_id"`
	State          string            `json:"state"`
	Running        bool              `json:"running"`
	Enabled        bool              `json:"enabled"`
	Paused         bool              `json:"paused"`
	PauseRemaining time.Duration     `json:"pause_remaining"`
	Target         settings.Target   `json:"target"`
	Timezone       string            `json:"timezone"`
	LocalTime      time.Time         `json:"local_time"`
	Quiet          quiethours.Window `json:"quiet"`
	QuietMode      string            `json:"quiet_mode"`
	Pending        int               `json:"pending"`
	LastActivity   time.Time         `json:"last_activity,omitempty"`
}

// String renders the status as chat text.
func (st Status) String() string {
	var b strings.Builder
	onOff := "OFF"
	if st.Enabled {
		onOff = "ON"
	}
	fmt.Fprintf(&b, "Auto-reply: %s\n", onOff)
	if st.Paused {
		fmt.Fprintf(&b, "Paused: %d min remaining\n", int(st.PauseRemaining.Round(time.Minute)/time.Minute))
	}
	session := "stopped"
	if st.Running {
		session = "running"
	}
	fmt.Fprintf(&b, "Session: %s\n", session)
	fmt.Fprintf(&b, "\nTarget: %s\n", st.Target)
	fmt.Fprintf(&b, "Timezone: %s\n", st.Timezone)
	fmt.Fprintf(&b, "Now: %s\n", st.LocalTime.Format("15:04"))
	start, end := dash(st.Quiet.Start), dash(st.Quiet.End)
	fmt.Fprintf(&b, "\nQuiet hours: %s - %s\n", start, end)
	fmt.Fprintf(&b, "Mode: %s\n", st.QuietMode)
	fmt.Fprintf(&b, "Pending: %d\n", st.Pending)
	if !st.LastActivity.IsZero() {
		fmt.Fprintf(&b, "\nLast activity: %s", st.LastActivity.Format("15:04:05"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// Status reports the owner's current policy and activity.
func (s *Service) Status(ctx context.Context, ownerID int64) (Status, error) {
	set, err := s.settings(ctx, ownerID)
	if err != nil {
		return Status{}, err
	}
	loc := set.Location()
	st := Status{
		OwnerID:        ownerID,
		Enabled:        set.Enabled(),
		Paused:         set.IsPaused(),
		PauseRemaining: set.PauseRemaining(),
		Target:         set.Target(),
		Timezone:       loc.String(),
		LocalTime:      s.now().In(loc),
		Quiet:          set.QuietWindow(),
		QuietMode:      set.QuietMode(),
	}

	owner, err := s.store.GetOwner(ctx, ownerID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st.State = "new"
	case err != nil:
		return Status{}, fmt.Errorf("admin: load owner %d: %w", ownerID, err)
	default:
		st.State = owner.State
		if !owner.LastActivity.IsZero() {
			st.LastActivity = owner.LastActivity.In(loc)
		}
	}

	if st.Pending, err = s.store.CountPending(ctx, ownerID); err != nil {
		return Status{}, fmt.Errorf("admin: count pending for owner %d: %w", ownerID, err)
	}
	if s.runner != nil {
		st.Running = s.runner.Running(ownerID)
	}
	return st, nil
}

// Owners lists every stored owner.
func (s *Service) Owners(ctx context.Context) ([]store.Owner, error) {
	return s.store.ListOwners(ctx)
}

// Enable turns auto-replies on.
func (s *Service) Enable(ctx context.Context, ownerID int64) error {
	return s.setRaw(ctx, ownerID, settings.KeyEnabled, "true")
}

// Disable turns auto-replies off.
func (s *Service) Disable(ctx context.Context, ownerID int64) error {
	return s.setRaw(ctx, ownerID, settings.KeyEnabled, "false")
}

// Pause suspends replies. spec is a duration ("30m", "2h", "1h30m") or
// "until HH:MM" in the owner's timezone; a clock time already past today
// means tomorrow. It returns the expiry.
func (s *Service) Pause(ctx context.Context, ownerID int64, spec string) (time.Time, error) {
	set, err := s.settings(ctx, ownerID)
	if err != nil {
		return time.Time{}, err
	}
	until, err := ParsePause(spec, s.now().In(set.Location()))
	if err != nil {
		return time.Time{}, err
	}
	if err := set.PauseUntilTime(ctx, until); err != nil {
		return time.Time{}, err
	}
	s.changed(ownerID, settings.KeyPauseUntil, set.Get(settings.KeyPauseUntil))
	return until, nil
}

// ParsePause resolves a pause spec against now.
func ParsePause(spec string, now time.Time) (time.Time, error) {
	spec = strings.TrimSpace(spec)
	if rest, ok := cutPrefixFold(spec, "until"); ok {
		mins, err := quiethours.ParseClock(rest)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidPause, err)
		}
		y, m, d := now.Date()
		at := time.Date(y, m, d, mins/60, mins%60, 0, 0, now.Location())
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}
	d, err := time.ParseDuration(strings.ToLower(spec))
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPause, spec)
	}
	return now.Add(d).Truncate(time.Second), nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

// Resume clears any pause.
func (s *Service) Resume(ctx context.Context, ownerID int64) error {
	return s.setRaw(ctx, ownerID, settings.KeyPauseUntil, "0")
}

// Set validates and stores a setting given by key or alias. It returns the
// canonical key and the stored value.
func (s *Service) Set(ctx context.Context, ownerID int64, key, value string) (string, string, error) {
	canonical, ok := settings.Canonical(key)
	if !ok {
		return "", "", &settings.ValidationError{Key: key, Reason: "unknown setting"}
	}
	norm, err := settings.Validate(canonical, value)
	if err != nil {
		return "", "", err
	}
	if err := s.setRaw(ctx, ownerID, canonical, norm); err != nil {
		return "", "", err
	}
	return canonical, norm, nil
}

func (s *Service) setRaw(ctx context.Context, ownerID int64, key, value string) error {
	if err := s.store.SetSetting(ctx, ownerID, key, value); err != nil {
		return fmt.Errorf("admin: set %s for owner %d: %w", key, ownerID, err)
	}
	s.changed(ownerID, key, value)
	return nil
}

// LastSender returns the id of the most recent direct-message sender, for
// finding a target's id.
func (s *Service) LastSender(ctx context.Context, ownerID int64) (string, error) {
	vals, err := s.store.GetSettings(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("admin: load settings for owner %d: %w", ownerID, err)
	}
	return vals[settings.KeyLastSender], nil
}

// settingsFile is the export document.
type settingsFile struct {
	Owner    int64             `toml:"owner"`
	Settings map[string]string `toml:"settings"`
}

// ExportSettings renders the owner's stored overrides as TOML.
func (s *Service) ExportSettings(ctx context.Context, ownerID int64) ([]byte, error) {
	vals, err := s.store.GetSettings(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("admin: load settings for owner %d: %w", ownerID, err)
	}
	file := settingsFile{Owner: ownerID, Settings: map[string]string{}}
	for k, v := range vals {
		if settings.Known(k) {
			file.Settings[k] = v
		}
	}
	data, err := toml.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("admin: encode settings: %w", err)
	}
	return data, nil
}

// ImportSettings validates every entry of a TOML document before writing
// any of them. It returns the number of settings written.
func (s *Service) ImportSettings(ctx context.Context, ownerID int64, data []byte) (int, error) {
	var file settingsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("admin: decode settings: %w", err)
	}

	keys := make([]string, 0, len(file.Settings))
	for k := range file.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type entry struct{ key, value string }
	entries := make([]entry, 0, len(keys))
	var errs []error
	for _, k := range keys {
		canonical, ok := settings.Canonical(k)
		if !ok {
			errs = append(errs, &settings.ValidationError{Key: k, Reason: "unknown setting"})
			continue
		}
		norm, err := settings.Validate(canonical, file.Settings[k])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, entry{canonical, norm})
	}
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}

	for i, e := range entries {
		if err := s.setRaw(ctx, ownerID, e.key, e.value); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}
