package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/autoreply/pkg/store"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, backend store.SettingsStore, defaults map[string]string) (*Store, *time.Time) {
	t.Helper()
	now := t0
	s, err := New(backend, 1, defaults, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, s.Load(context.Background()))
	return s, &now
}

type failingBackend struct {
	store.SettingsStore
}

func (failingBackend) SetSetting(context.Context, int64, string, string) error {
	return errors.New("disk full")
}

func TestLayeredRead(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SetSetting(ctx, 1, KeyContextTurns, "12"))

	s, _ := newStore(t, mem, map[string]string{
		KeyContextTurns: "20",
		KeyTimezone:     "Europe/Berlin",
	})

	assert.Equal(t, 12, s.ContextTurns(), "persisted beats provisioned")
	assert.Equal(t, "Europe/Berlin", s.Get(KeyTimezone), "provisioned beats fallback")
	assert.Equal(t, "queue", s.Get(KeyQuietMode), "fallback")
	assert.Equal(t, "", s.Get("no_such_key"))
}

func TestLayeredReadEmptyOverride(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	s, _ := newStore(t, mem, map[string]string{
		KeyQuietStart: "23:00",
		KeyQuietEnd:   "08:00",
		KeyStyle:      "formal",
		KeyTimezone:   "",
	})
	require.True(t, s.QuietWindow().Enabled())

	v, err := Validate(KeyQuietStart, "")
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, KeyQuietStart, v))
	require.NoError(t, s.Set(ctx, KeyStyle, ""))

	assert.Equal(t, "", s.Get(KeyQuietStart))
	assert.False(t, s.QuietWindow().Enabled(), "quiet hours disabled by owner")
	assert.Equal(t, "", s.Style())
	assert.Equal(t, DefaultTimezone, s.Get(KeyTimezone), "empty provisioned default falls through")

	// A fresh store over the same backend resolves the same way.
	reloaded, _ := newStore(t, mem, map[string]string{KeyQuietStart: "23:00"})
	assert.Equal(t, "", reloaded.Get(KeyQuietStart))
}

func TestSetWritesThrough(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	s, _ := newStore(t, mem, nil)

	require.NoError(t, s.Set(ctx, KeyStyle, "uses lots of emoji"))
	persisted, err := mem.GetSettings(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "uses lots of emoji", persisted[KeyStyle])
	assert.Equal(t, "uses lots of emoji", s.Style())
}

func TestSetFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SetSetting(ctx, 1, KeyEnabled, "true"))

	s, err := New(failingBackend{mem}, 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.Load(ctx))

	require.Error(t, s.Set(ctx, KeyEnabled, "false"))
	assert.True(t, s.Enabled())
}

func TestTypedAccessorsTolerateGarbage(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SetSetting(ctx, 1, KeyContextTurns, "lots"))
	require.NoError(t, mem.SetSetting(ctx, 1, KeyTimezone, "Mars/Olympus"))
	require.NoError(t, mem.SetSetting(ctx, 1, KeyRateLimitCount, "500"))
	require.NoError(t, mem.SetSetting(ctx, 1, KeyQuietMode, "shout"))
	require.NoError(t, mem.SetSetting(ctx, 1, KeyPauseUntil, "soon"))

	s, _ := newStore(t, mem, nil)

	assert.Equal(t, 7, s.Int(KeyContextTurns, 7))
	assert.Equal(t, 40, s.ContextTurns())
	assert.Equal(t, DefaultTimezone, s.Location().String())
	count, window := s.RateBudget()
	assert.Equal(t, 20, count, "clamped")
	assert.Equal(t, 30*time.Second, window)
	assert.Equal(t, QuietQueue, s.QuietMode())
	assert.False(t, s.IsPaused())
}

func TestBool(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	s, _ := newStore(t, mem, nil)

	for _, v := range []string{"true", "1", "YES", "on"} {
		require.NoError(t, s.Set(ctx, KeyEnabled, v))
		assert.True(t, s.Enabled(), v)
	}
	for _, v := range []string{"false", "0", "nope"} {
		require.NoError(t, s.Set(ctx, KeyEnabled, v))
		assert.False(t, s.Enabled(), v)
	}
}

func TestShouldRespondPrecedence(t *testing.T) {
	ctx := context.Background()
	s, now := newStore(t, store.NewMemory(), nil)

	ok, reason := s.ShouldRespond()
	assert.False(t, ok)
	assert.Equal(t, "disabled", reason)

	// Disabled wins regardless of pause.
	_, err := s.SetPause(ctx, time.Hour)
	require.NoError(t, err)
	ok, reason = s.ShouldRespond()
	assert.False(t, ok)
	assert.Equal(t, "disabled", reason)

	require.NoError(t, s.Set(ctx, KeyEnabled, "true"))
	ok, reason = s.ShouldRespond()
	assert.False(t, ok)
	assert.Equal(t, "paused (60 min remaining)", reason)

	*now = now.Add(time.Hour)
	ok, reason = s.ShouldRespond()
	assert.True(t, ok)
	assert.Equal(t, "ok", reason)
}

func TestPauseLifecycle(t *testing.T) {
	ctx := context.Background()
	s, now := newStore(t, store.NewMemory(), nil)

	until, err := s.SetPause(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(30*time.Minute), until)
	assert.True(t, s.IsPaused())
	assert.Equal(t, 30*time.Minute, s.PauseRemaining())
	assert.Equal(t, until.Unix(), s.PauseUntil().Unix())

	*now = now.Add(10 * time.Minute)
	assert.Equal(t, 20*time.Minute, s.PauseRemaining())

	require.NoError(t, s.ClearPause(ctx))
	assert.False(t, s.IsPaused())
	assert.True(t, s.PauseUntil().IsZero())
	assert.Equal(t, "0", s.Get(KeyPauseUntil))
}

func TestManualOverrideReplacesPause(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, store.NewMemory(), nil)

	// Longer prior pause is shortened.
	_, err := s.SetPause(ctx, 5*time.Hour)
	require.NoError(t, err)
	until, err := s.ApplyManualOverride(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Minute), until)
	assert.Equal(t, 15*time.Minute, s.PauseRemaining())

	// Shorter prior pause is extended, and the per-owner setting is honored.
	require.NoError(t, s.Set(ctx, KeyManualOverrideMinutes, "45"))
	_, err = s.SetPause(ctx, time.Minute)
	require.NoError(t, err)
	_, err = s.ApplyManualOverride(ctx)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, s.PauseRemaining())
}

func TestTargetAndQuietWindow(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, store.NewMemory(), nil)
	assert.True(t, s.Target().IsZero())
	assert.Equal(t, "-", s.Target().String())
	assert.False(t, s.QuietWindow().Enabled())

	require.NoError(t, s.Set(ctx, KeyTargetUsername, "@alice"))
	require.NoError(t, s.Set(ctx, KeyTargetID, "42"))
	require.NoError(t, s.Set(ctx, KeyQuietStart, "23:00"))
	require.NoError(t, s.Set(ctx, KeyQuietEnd, "08:00"))

	target := s.Target()
	assert.Equal(t, "alice", target.Username)
	assert.Equal(t, "42 (@alice)", target.String())

	w := s.QuietWindow()
	assert.True(t, w.Enabled())
	assert.Equal(t, DefaultTimezone, w.Timezone)
}

func TestLoadPicksUpExternalWrites(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	s, _ := newStore(t, mem, nil)
	assert.False(t, s.Enabled())

	require.NoError(t, mem.SetSetting(ctx, 1, KeyEnabled, "true"))
	assert.False(t, s.Enabled(), "cache is only refreshed by Load")
	require.NoError(t, s.Load(ctx))
	assert.True(t, s.Enabled())
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, store.NewMemory(), map[string]string{KeyModel: "gemini-2.5-flash"})
	require.NoError(t, s.Set(ctx, KeyLastSender, "99"))

	snap := s.Snapshot()
	assert.Equal(t, "gemini-2.5-flash", snap[KeyModel])
	assert.Equal(t, "99", snap[KeyLastSender])
	assert.Equal(t, "40", snap[KeyContextTurns])
}

func TestNewRejectsNilBackend(t *testing.T) {
	_, err := New(nil, 1, nil)
	require.Error(t, err)
}
