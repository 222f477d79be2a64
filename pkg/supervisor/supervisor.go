// Package supervisor keeps one live transport session, one orchestrator and
// one pending-flush loop per configured owner, and is the only place they
// are started or stopped.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nous-labs/autoreply/pkg/channel"
	"github.com/nous-labs/autoreply/pkg/gate"
	"github.com/nous-labs/autoreply/pkg/pending"
	"github.com/nous-labs/autoreply/pkg/settings"
	"github.com/nous-labs/autoreply/pkg/store"
)

// ErrNotRunning is returned by Stop for an owner with no live session.
var ErrNotRunning = errors.New("supervisor: owner not running")

// StartError explains why an owner's session could not be started.
type StartError struct {
	OwnerID int64
	Reason  string
	Err     error
}

func (e *StartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("start owner %d: %s: %v", e.OwnerID, e.Reason, e.Err)
	}
	return fmt.Sprintf("start owner %d: %s", e.OwnerID, e.Reason)
}

func (e *StartError) Unwrap() error { return e.Err }

// Change is a lifecycle notification.
type Change struct {
	OwnerID int64
	Running bool
	Reason  string
}

// Config configures a Supervisor.
type Config struct {
	Gate          gate.Config
	FlushInterval time.Duration
	Logger        *slog.Logger
	OnChange      func(Change)
}

type entry struct {
	ctx        context.Context
	session    channel.Session
	orch       *gate.Orchestrator
	cancel     context.CancelFunc
	listenDone chan struct{}
	flushDone  chan struct{}
	startedAt  time.Time
}

// reservation marks an owner whose Start is connecting outside the lock.
type reservation struct {
	aborted bool
}

// Supervisor is the registry of running owners.
type Supervisor struct {
	store     store.Store
	transport channel.Transport
	gen       gate.Generator
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	entries  map[int64]*entry
	starting map[int64]*reservation
}

// New creates a Supervisor.
func New(st store.Store, transport channel.Transport, gen gate.Generator, cfg Config) (*Supervisor, error) {
	if st == nil {
		return nil, errors.New("supervisor: store must not be nil")
	}
	if transport == nil {
		return nil, errors.New("supervisor: transport must not be nil")
	}
	if gen == nil {
		return nil, errors.New("supervisor: generator must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		store:     st,
		transport: transport,
		gen:       gen,
		cfg:       cfg,
		logger:    cfg.Logger,
		entries:   map[int64]*entry{},
		starting:  map[int64]*reservation{},
	}, nil
}

// Configured reports whether owner has a session and a target, and so may
// be started.
func (s *Supervisor) Configured(ctx context.Context, o store.Owner) (bool, error) {
	if !o.HasSession() {
		return false, nil
	}
	set, err := settings.New(s.store, o.ID, s.cfg.Gate.Defaults)
	if err != nil {
		return false, err
	}
	if err := set.Load(ctx); err != nil {
		return false, err
	}
	return !set.Target().IsZero(), nil
}

// Start connects the owner's session and starts its listen and flush loops.
// Starting a running or starting owner is a no-op. The connect happens
// outside the registry lock, so other owners are not held up by it. The
// loops outlive ctx; use Stop.
func (s *Supervisor) Start(ctx context.Context, ownerID int64) error {
	s.mu.Lock()
	if _, ok := s.entries[ownerID]; ok {
		s.mu.Unlock()
		s.logger.Warn("owner already running", "owner", ownerID)
		return nil
	}
	if _, ok := s.starting[ownerID]; ok {
		s.mu.Unlock()
		s.logger.Warn("owner already starting", "owner", ownerID)
		return nil
	}
	r := &reservation{}
	s.starting[ownerID] = r
	s.mu.Unlock()

	e, err := s.connect(ctx, ownerID)

	s.mu.Lock()
	delete(s.starting, ownerID)
	if err == nil && r.aborted {
		s.mu.Unlock()
		e.cancel()
		if cerr := e.session.Close(); cerr != nil {
			s.logger.Warn("session close failed", "owner", ownerID, "error", cerr)
		}
		return &StartError{OwnerID: ownerID, Reason: "stopped while starting"}
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.entries[ownerID] = e
	s.run(ownerID, e)
	s.mu.Unlock()

	s.logger.Info("owner started", "owner", ownerID, "transport", s.transport.Name(), "self", e.session.Self().ID)
	s.notify(Change{OwnerID: ownerID, Running: true, Reason: "started"})
	return nil
}

// connect loads the owner, opens its session and builds the orchestrator.
func (s *Supervisor) connect(ctx context.Context, ownerID int64) (*entry, error) {
	owner, err := s.store.GetOwner(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &StartError{OwnerID: ownerID, Reason: "owner not found"}
	}
	if err != nil {
		return nil, &StartError{OwnerID: ownerID, Reason: "load owner", Err: err}
	}
	if !owner.HasSession() {
		return nil, &StartError{OwnerID: ownerID, Reason: "no credentials or session"}
	}
	ok, err := s.Configured(ctx, owner)
	if err != nil {
		return nil, &StartError{OwnerID: ownerID, Reason: "load settings", Err: err}
	}
	if !ok {
		return nil, &StartError{OwnerID: ownerID, Reason: "no target configured"}
	}

	session, err := s.transport.Connect(ctx, channel.Credentials{
		Endpoint: owner.Credentials,
		Session:  owner.Session,
	})
	if err != nil {
		return nil, &StartError{OwnerID: ownerID, Reason: "session invalid", Err: err}
	}

	gateCfg := s.cfg.Gate
	gateCfg.Logger = s.logger
	orch, err := gate.New(ownerID, s.store, session, s.gen, gateCfg)
	if err != nil {
		session.Close()
		return nil, &StartError{OwnerID: ownerID, Reason: "build orchestrator", Err: err}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &entry{
		ctx:        runCtx,
		session:    session,
		orch:       orch,
		cancel:     cancel,
		listenDone: make(chan struct{}),
		flushDone:  make(chan struct{}),
		startedAt:  time.Now(),
	}, nil
}

// run starts the flush and listen loops of a registered entry. Called with
// s.mu held so that a Stop never waits on loops that were not started.
func (s *Supervisor) run(ownerID int64, e *entry) {
	logger := s.logger.With("owner", ownerID)
	go func() {
		defer close(e.flushDone)
		pending.NewFlusher(e.orch, s.cfg.FlushInterval, logger).Run(e.ctx)
	}()
	go func() {
		err := e.session.Listen(e.ctx, func(ctx context.Context, evt channel.Event) {
			e.orch.HandleEvent(ctx, evt)
		})
		close(e.listenDone)
		if e.ctx.Err() != nil {
			return
		}
		logger.Error("session ended unexpectedly", "error", err)
		go s.stop(ownerID, e, "session ended")
	}()
}

// Stop cancels the owner's loops, waits for them to finish, then closes
// the session. An owner that is still connecting is discarded once its
// connect returns.
func (s *Supervisor) Stop(ownerID int64) error {
	s.mu.Lock()
	e, ok := s.entries[ownerID]
	if r, starting := s.starting[ownerID]; !ok && starting {
		r.aborted = true
		s.mu.Unlock()
		s.logger.Info("owner start aborted", "owner", ownerID)
		return nil
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	if !s.stop(ownerID, e, "stopped") {
		return ErrNotRunning
	}
	return nil
}

// stop tears down e if it is still the registered entry for ownerID.
func (s *Supervisor) stop(ownerID int64, e *entry, reason string) bool {
	s.mu.Lock()
	if s.entries[ownerID] != e {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, ownerID)
	s.mu.Unlock()

	e.cancel()
	<-e.flushDone
	<-e.listenDone
	if err := e.session.Close(); err != nil {
		s.logger.Warn("session close failed", "owner", ownerID, "error", err)
	}

	s.logger.Info("owner stopped", "owner", ownerID, "reason", reason, "uptime", time.Since(e.startedAt).Round(time.Second))
	s.notify(Change{OwnerID: ownerID, Running: false, Reason: reason})
	return true
}

// StopAll stops every running owner and aborts every pending start.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	for _, r := range s.starting {
		r.aborted = true
	}
	s.mu.Unlock()
	for _, id := range s.Owners() {
		if err := s.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
			s.logger.Warn("stop owner failed", "owner", id, "error", err)
		}
	}
}

// StartAllConfigured starts every stored owner that is fully configured.
// Failures are logged and joined; they do not prevent other owners from
// starting.
func (s *Supervisor) StartAllConfigured(ctx context.Context) (int, error) {
	owners, err := s.store.ListOwners(ctx)
	if err != nil {
		return 0, fmt.Errorf("supervisor: list owners: %w", err)
	}

	started := 0
	var errs []error
	for _, o := range owners {
		ok, err := s.Configured(ctx, o)
		if err != nil {
			errs = append(errs, fmt.Errorf("owner %d: %w", o.ID, err))
			continue
		}
		if !ok {
			s.logger.Debug("skipping unconfigured owner", "owner", o.ID, "state", o.State)
			continue
		}
		if err := s.Start(ctx, o.ID); err != nil {
			s.logger.Error("owner failed to start", "owner", o.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		started++
	}
	s.logger.Info("configured owners started", "started", started, "owners", len(owners))
	return started, errors.Join(errs...)
}

// Running reports whether ownerID has a live session.
func (s *Supervisor) Running(ownerID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[ownerID]
	return ok
}

// Owners returns the running owner ids in ascending order.
func (s *Supervisor) Owners() []int64 {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Orchestrator returns the running orchestrator for ownerID.
func (s *Supervisor) Orchestrator(ownerID int64) (*gate.Orchestrator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ownerID]
	if !ok {
		return nil, false
	}
	return e.orch, true
}

func (s *Supervisor) notify(c Change) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(c)
	}
}
