package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/autoreply/pkg/channel"
	"github.com/nous-labs/autoreply/pkg/gate"
	"github.com/nous-labs/autoreply/pkg/settings"
	"github.com/nous-labs/autoreply/pkg/store"
)

type fakeSession struct {
	id        string
	events    chan channel.Event
	listenErr error

	mu          sync.Mutex
	listening   bool
	closed      bool
	closedEarly bool // Close ran while Listen was still active
	sent        []string
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, events: make(chan channel.Event, 8)}
}

func (s *fakeSession) Self() channel.Identity { return channel.Identity{ID: s.id} }

func (s *fakeSession) Listen(ctx context.Context, h channel.Handler) error {
	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.listening = false
		s.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-s.events:
			if !ok {
				return s.listenErr
			}
			h(ctx, evt)
		}
	}
}

func (s *fakeSession) Send(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Typing(context.Context, string, time.Duration) error { return nil }

func (s *fakeSession) ResolveIdentity(context.Context, string) (channel.Identity, error) {
	return channel.Identity{}, errors.New("not supported")
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		s.closedEarly = true
	}
	s.closed = true
	return nil
}

func (s *fakeSession) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeTransport struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession // by endpoint
	connects int
	fail     error
	// hold blocks Connect for an endpoint until the channel is closed.
	hold map[string]chan struct{}
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Connect(_ context.Context, creds channel.Credentials) (channel.Session, error) {
	t.mu.Lock()
	t.connects++
	hold := t.hold[creds.Endpoint]
	t.mu.Unlock()
	if hold != nil {
		<-hold
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return nil, t.fail
	}
	s, ok := t.sessions[creds.Endpoint]
	if !ok {
		return nil, errors.New("unknown endpoint")
	}
	return s, nil
}

type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, req gate.Request) (string, error) {
	return "re: " + req.Prompt, nil
}

func setupOwner(t *testing.T, st store.Store, id int64, endpoint string, target string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertOwner(ctx, store.Owner{ID: id, Credentials: endpoint, Session: "token", State: "ready"}))
	if target != "" {
		require.NoError(t, st.SetSetting(ctx, id, settings.KeyTargetID, target))
	}
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) add(c Change) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *changeLog) All() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Change(nil), l.changes...)
}

func newSupervisor(t *testing.T, st store.Store, tr channel.Transport) (*Supervisor, *changeLog) {
	t.Helper()
	log := &changeLog{}
	sup, err := New(st, tr, echoGenerator{}, Config{
		FlushInterval: time.Hour,
		Gate: gate.Config{
			Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
		OnChange: log.add,
	})
	require.NoError(t, err)
	return sup, log
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	sess := newFakeSession("@owner:example.org")
	tr := &fakeTransport{sessions: map[string]*fakeSession{"https://a": sess}}
	setupOwner(t, st, 1, "https://a", "@target:example.org")
	sup, changes := newSupervisor(t, st, tr)

	require.NoError(t, sup.Start(ctx, 1))
	require.NoError(t, sup.Start(ctx, 1))
	assert.Equal(t, 1, tr.connects)
	assert.True(t, sup.Running(1))
	assert.Equal(t, []int64{1}, sup.Owners())

	orch, ok := sup.Orchestrator(1)
	require.True(t, ok)
	assert.Equal(t, int64(1), orch.OwnerID())

	sup.StopAll()
	assert.False(t, sup.Running(1))
	assert.Len(t, changes.All(), 2)
}

func TestStartFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	tr := &fakeTransport{sessions: map[string]*fakeSession{}}
	sup, _ := newSupervisor(t, st, tr)

	var serr *StartError

	err := sup.Start(ctx, 9)
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "owner not found", serr.Reason)

	require.NoError(t, st.UpsertOwner(ctx, store.Owner{ID: 2, State: "awaiting_code"}))
	err = sup.Start(ctx, 2)
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "no credentials or session", serr.Reason)

	setupOwner(t, st, 3, "https://c", "")
	err = sup.Start(ctx, 3)
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "no target configured", serr.Reason)

	setupOwner(t, st, 4, "https://d", "@t:example.org")
	tr.fail = errors.New("M_UNKNOWN_TOKEN")
	err = sup.Start(ctx, 4)
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "session invalid", serr.Reason)
	assert.ErrorContains(t, err, "M_UNKNOWN_TOKEN")

	assert.Empty(t, sup.Owners())
}

func TestStopClosesSessionAfterLoopsDrain(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	sess := newFakeSession("@owner:example.org")
	tr := &fakeTransport{sessions: map[string]*fakeSession{"https://a": sess}}
	setupOwner(t, st, 1, "https://a", "@target:example.org")
	sup, _ := newSupervisor(t, st, tr)

	require.NoError(t, sup.Start(ctx, 1))
	require.Eventually(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.listening
	}, time.Second, time.Millisecond)

	require.NoError(t, sup.Stop(1))
	assert.True(t, sess.closed)
	assert.False(t, sess.closedEarly)
	assert.ErrorIs(t, sup.Stop(1), ErrNotRunning)
}

func TestEventsFlowToOrchestrator(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	sess := newFakeSession("@owner:example.org")
	tr := &fakeTransport{sessions: map[string]*fakeSession{"https://a": sess}}
	setupOwner(t, st, 1, "https://a", "@target:example.org")
	require.NoError(t, st.SetSetting(ctx, 1, settings.KeyEnabled, "true"))
	sup, _ := newSupervisor(t, st, tr)

	require.NoError(t, sup.Start(ctx, 1))
	defer sup.StopAll()

	sess.events <- channel.Event{
		ConversationID: "!room:example.org",
		MessageID:      "$evt1",
		SenderID:       "@target:example.org",
		Text:           "hi",
		Kind:           channel.Direct,
		Sender:         channel.Person,
	}
	require.Eventually(t, func() bool { return len(sess.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "re: hi", sess.Sent()[0])
}

func TestSessionFailureUnregisters(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	sess := newFakeSession("@owner:example.org")
	sess.listenErr = errors.New("sync failed")
	tr := &fakeTransport{sessions: map[string]*fakeSession{"https://a": sess}}
	setupOwner(t, st, 1, "https://a", "@target:example.org")
	sup, changes := newSupervisor(t, st, tr)

	require.NoError(t, sup.Start(ctx, 1))
	close(sess.events)

	require.Eventually(t, func() bool { return !sup.Running(1) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(changes.All()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "session ended", changes.All()[1].Reason)
}

func TestStartAllConfigured(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	tr := &fakeTransport{sessions: map[string]*fakeSession{
		"https://a": newFakeSession("@a:example.org"),
		"https://b": newFakeSession("@b:example.org"),
	}}
	setupOwner(t, st, 1, "https://a", "@t1:example.org")
	setupOwner(t, st, 2, "https://b", "@t2:example.org")
	setupOwner(t, st, 3, "https://gone", "@t3:example.org") // connect fails
	require.NoError(t, st.UpsertOwner(ctx, store.Owner{ID: 4, State: "new"}))
	sup, _ := newSupervisor(t, st, tr)
	defer sup.StopAll()

	started, err := sup.StartAllConfigured(ctx)
	assert.Equal(t, 2, started)
	var serr *StartError
	require.True(t, errors.As(err, &serr), "failure of owner 3 is reported")
	assert.Equal(t, int64(3), serr.OwnerID)
	assert.Equal(t, []int64{1, 2}, sup.Owners())
}

func TestConcurrentStartStop(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	tr := &fakeTransport{sessions: map[string]*fakeSession{"https://a": newFakeSession("@a:example.org")}}
	setupOwner(t, st, 1, "https://a", "@t:example.org")
	sup, _ := newSupervisor(t, st, tr)

	var wg sync.WaitGroup
	var startErrs atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sup.Start(ctx, 1); err != nil {
				startErrs.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, startErrs.Load())
	assert.Equal(t, 1, tr.connects)

	sup.StopAll()
	assert.Empty(t, sup.Owners())
}

func (t *fakeTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func TestSlowConnectDoesNotBlockOtherOwners(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	release := make(chan struct{})
	slow := newFakeSession("@b:example.org")
	tr := &fakeTransport{
		sessions: map[string]*fakeSession{
			"https://a": newFakeSession("@a:example.org"),
			"https://b": slow,
		},
		hold: map[string]chan struct{}{"https://b": release},
	}
	setupOwner(t, st, 1, "https://a", "@t:example.org")
	setupOwner(t, st, 2, "https://b", "@t:example.org")
	sup, _ := newSupervisor(t, st, tr)
	require.NoError(t, sup.Start(ctx, 1))

	startErr := make(chan error, 1)
	go func() { startErr <- sup.Start(ctx, 2) }()
	require.Eventually(t, func() bool { return tr.Connects() == 2 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.True(t, sup.Running(1))
		assert.False(t, sup.Running(2), "not running until connected")
		assert.Equal(t, []int64{1}, sup.Owners())
		assert.NoError(t, sup.Start(ctx, 2), "second start while connecting is a no-op")
		assert.NoError(t, sup.Stop(1))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("registry blocked while another owner connects")
	}

	close(release)
	require.NoError(t, <-startErr)
	assert.True(t, sup.Running(2))
	assert.Equal(t, 2, tr.Connects())
	sup.StopAll()
}

func TestStopAbortsPendingStart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	release := make(chan struct{})
	sess := newFakeSession("@a:example.org")
	tr := &fakeTransport{
		sessions: map[string]*fakeSession{"https://a": sess},
		hold:     map[string]chan struct{}{"https://a": release},
	}
	setupOwner(t, st, 1, "https://a", "@t:example.org")
	sup, changes := newSupervisor(t, st, tr)

	startErr := make(chan error, 1)
	go func() { startErr <- sup.Start(ctx, 1) }()
	require.Eventually(t, func() bool { return tr.Connects() == 1 }, time.Second, time.Millisecond)

	sup.StopAll()
	close(release)

	err := <-startErr
	var serr *StartError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "stopped while starting", serr.Reason)
	assert.False(t, sup.Running(1))
	assert.True(t, sess.closed)
	assert.Empty(t, changes.All())
	assert.Empty(t, sup.Owners())
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, &fakeTransport{}, echoGenerator{}, Config{})
	assert.Error(t, err)
	_, err = New(store.NewMemory(), nil, echoGenerator{}, Config{})
	assert.Error(t, err)
	_, err = New(store.NewMemory(), &fakeTransport{}, nil, Config{})
	assert.Error(t, err)
}
