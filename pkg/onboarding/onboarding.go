// Package onboarding walks a new owner from nothing to a configured account:
// transport endpoint, login, verification code, optional second factor, and
// finally the target contact.
//
// Durable progress (state, credentials, session, target) is written to the
// store. Short-lived sign-in handles are kept in memory only and are lost,
// deliberately, on restart or cancel.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nous-labs/autoreply/pkg/channel"
	"github.com/nous-labs/autoreply/pkg/settings"
	"github.com/nous-labs/autoreply/pkg/store"
)

// ErrInvalidTransition is returned when a step does not apply to the
// owner's current state.
var ErrInvalidTransition = errors.New("onboarding: invalid transition")

// ErrChallengeExpired is returned when the in-memory sign-in handle is gone.
var ErrChallengeExpired = errors.New("onboarding: sign-in expired, start again")

// State is an onboarding state.
type State string

const (
	New                 State = "new"
	AwaitingCredentials State = "awaiting_credentials"
	AwaitingPhone       State = "awaiting_phone"
	AwaitingCode        State = "awaiting_code"
	Awaiting2FA         State = "awaiting_2fa"
	AwaitingTarget      State = "awaiting_target"
	Ready               State = "ready"
)

// transitions lists the forward moves. Cancel, back to New, is allowed from
// every state.
var transitions = map[State][]State{
	New:                 {AwaitingCredentials},
	AwaitingCredentials: {AwaitingPhone},
	AwaitingPhone:       {AwaitingCode},
	AwaitingCode:        {Awaiting2FA, AwaitingTarget},
	Awaiting2FA:         {AwaitingTarget},
	AwaitingTarget:      {Ready},
	Ready:               nil,
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	if to == New {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Prompt is the instruction shown to the owner in state s.
func Prompt(s State) string {
	switch s {
	case New:
		return "Send anything to begin setup."
	case AwaitingCredentials:
		return "Send the server address of your chat account."
	case AwaitingPhone:
		return "Send your login (phone number or user id)."
	case AwaitingCode:
		return "Send the verification code."
	case Awaiting2FA:
		return "Send your two-factor password."
	case AwaitingTarget:
		return "Send the username or id of the contact to auto-reply to."
	case Ready:
		return "Setup is complete."
	}
	return ""
}

// Challenge is the transient result of requesting a sign-in code.
type Challenge struct {
	Endpoint string
	Login    string
	// Handle is whatever the transport needs to complete sign-in.
	Handle string
}

// SignInResult is the outcome of submitting a code.
type SignInResult struct {
	Session          string
	PasswordRequired bool
}

// Authenticator performs the transport-specific sign-in steps.
type Authenticator interface {
	RequestCode(ctx context.Context, endpoint, login string) (Challenge, error)
	SignIn(ctx context.Context, ch Challenge, code string) (SignInResult, error)
	SignIn2FA(ctx context.Context, ch Challenge, password string) (string, error)
	Resolve(ctx context.Context, creds channel.Credentials, handle string) (channel.Identity, error)
}

type flow struct {
	challenge Challenge
	expires   time.Time
}

// Machine drives onboarding for any number of owners.
type Machine struct {
	store    store.Store
	auth     Authenticator
	defaults map[string]string
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	onReady  func(ctx context.Context, ownerID int64) error

	mu        sync.Mutex
	transient map[int64]*flow
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// WithChallengeTTL sets how long a sign-in handle stays valid (default 10m).
func WithChallengeTTL(d time.Duration) Option { return func(m *Machine) { m.ttl = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithDefaults sets the provisioned setting defaults.
func WithDefaults(d map[string]string) Option { return func(m *Machine) { m.defaults = d } }

// OnReady registers a hook run after an owner reaches Ready, typically
// starting its session. A hook error is returned but does not undo Ready.
func OnReady(fn func(ctx context.Context, ownerID int64) error) Option {
	return func(m *Machine) { m.onReady = fn }
}

// NewMachine creates a Machine.
func NewMachine(st store.Store, auth Authenticator, opts ...Option) (*Machine, error) {
	if st == nil {
		return nil, errors.New("onboarding: store must not be nil")
	}
	if auth == nil {
		return nil, errors.New("onboarding: authenticator must not be nil")
	}
	m := &Machine{
		store:     st,
		auth:      auth,
		ttl:       10 * time.Minute,
		now:       time.Now,
		logger:    slog.Default(),
		transient: map[int64]*flow{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the owner's current state; unknown owners are New.
func (m *Machine) State(ctx context.Context, ownerID int64) (State, error) {
	o, err := m.owner(ctx, ownerID)
	if err != nil {
		return "", err
	}
	return o.state(), nil
}

// Advance feeds one line of owner input to whatever step the owner is on
// and returns the new state.
func (m *Machine) Advance(ctx context.Context, ownerID int64, input string) (State, error) {
	st, err := m.State(ctx, ownerID)
	if err != nil {
		return "", err
	}
	input = strings.TrimSpace(input)

	switch st {
	case New:
		err = m.Begin(ctx, ownerID)
	case AwaitingCredentials:
		err = m.SubmitCredentials(ctx, ownerID, input)
	case AwaitingPhone:
		err = m.SubmitPhone(ctx, ownerID, input)
	case AwaitingCode:
		err = m.SubmitCode(ctx, ownerID, input)
	case Awaiting2FA:
		err = m.SubmitPassword(ctx, ownerID, input)
	case AwaitingTarget:
		err = m.SubmitTarget(ctx, ownerID, input)
	default:
		err = fmt.Errorf("%w: owner %d is %s", ErrInvalidTransition, ownerID, st)
	}
	if err != nil {
		return st, err
	}
	return m.State(ctx, ownerID)
}

// Begin starts onboarding for a new owner.
func (m *Machine) Begin(ctx context.Context, ownerID int64) error {
	o, err := m.expect(ctx, ownerID, New, AwaitingCredentials)
	if err != nil {
		return err
	}
	return m.save(ctx, o, AwaitingCredentials)
}

// SubmitCredentials records the transport endpoint.
func (m *Machine) SubmitCredentials(ctx context.Context, ownerID int64, endpoint string) error {
	if endpoint == "" {
		return errors.New("onboarding: endpoint must not be empty")
	}
	o, err := m.expect(ctx, ownerID, AwaitingCredentials, AwaitingPhone)
	if err != nil {
		return err
	}
	o.Credentials = endpoint
	return m.save(ctx, o, AwaitingPhone)
}

// SubmitPhone asks the transport for a sign-in code for login.
func (m *Machine) SubmitPhone(ctx context.Context, ownerID int64, login string) error {
	if login == "" {
		return errors.New("onboarding: login must not be empty")
	}
	o, err := m.expect(ctx, ownerID, AwaitingPhone, AwaitingCode)
	if err != nil {
		return err
	}
	ch, err := m.auth.RequestCode(ctx, o.Credentials, login)
	if err != nil {
		return fmt.Errorf("onboarding: request code: %w", err)
	}
	m.mu.Lock()
	m.transient[ownerID] = &flow{challenge: ch, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return m.save(ctx, o, AwaitingCode)
}

// SubmitCode completes sign-in, or moves on to the second factor.
func (m *Machine) SubmitCode(ctx context.Context, ownerID int64, code string) error {
	o, err := m.expect(ctx, ownerID, AwaitingCode, AwaitingTarget)
	if err != nil {
		return err
	}
	ch, err := m.challenge(ownerID)
	if err != nil {
		return err
	}
	res, err := m.auth.SignIn(ctx, ch, code)
	if err != nil {
		return fmt.Errorf("onboarding: sign in: %w", err)
	}
	if res.PasswordRequired {
		return m.save(ctx, o, Awaiting2FA)
	}
	m.forget(ownerID)
	o.Session = res.Session
	return m.save(ctx, o, AwaitingTarget)
}

// SubmitPassword completes sign-in with the second factor.
func (m *Machine) SubmitPassword(ctx context.Context, ownerID int64, password string) error {
	o, err := m.expect(ctx, ownerID, Awaiting2FA, AwaitingTarget)
	if err != nil {
		return err
	}
	ch, err := m.challenge(ownerID)
	if err != nil {
		return err
	}
	session, err := m.auth.SignIn2FA(ctx, ch, password)
	if err != nil {
		return fmt.Errorf("onboarding: two-factor sign in: %w", err)
	}
	m.forget(ownerID)
	o.Session = session
	return m.save(ctx, o, AwaitingTarget)
}

// SubmitTarget resolves the contact and stores it as the owner's target.
func (m *Machine) SubmitTarget(ctx context.Context, ownerID int64, handle string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return errors.New("onboarding: target must not be empty")
	}
	o, err := m.expect(ctx, ownerID, AwaitingTarget, Ready)
	if err != nil {
		return err
	}
	id, err := m.auth.Resolve(ctx, channel.Credentials{Endpoint: o.Credentials, Session: o.Session}, handle)
	if err != nil {
		return fmt.Errorf("onboarding: resolve target %q: %w", handle, err)
	}

	set, err := settings.New(m.store, ownerID, m.defaults, settings.WithLogger(m.logger))
	if err != nil {
		return err
	}
	for key, value := range map[string]string{
		settings.KeyTargetID:       id.ID,
		settings.KeyTargetUsername: strings.TrimPrefix(id.Username, "@"),
		settings.KeyTargetName:     id.DisplayName,
	} {
		if err := set.Set(ctx, key, value); err != nil {
			return err
		}
	}
	if err := m.save(ctx, o, Ready); err != nil {
		return err
	}

	if m.onReady != nil {
		if err := m.onReady(ctx, ownerID); err != nil {
			return fmt.Errorf("onboarding: owner ready but not started: %w", err)
		}
	}
	return nil
}

// Cancel drops transient sign-in data and returns the owner to New.
func (m *Machine) Cancel(ctx context.Context, ownerID int64) error {
	m.forget(ownerID)
	o, err := m.owner(ctx, ownerID)
	if err != nil {
		return err
	}
	return m.save(ctx, o, New)
}

type ownerRecord struct {
	store.Owner
}

func (o ownerRecord) state() State {
	if o.State == "" {
		return New
	}
	return State(o.State)
}

func (m *Machine) owner(ctx context.Context, ownerID int64) (ownerRecord, error) {
	o, err := m.store.GetOwner(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return ownerRecord{store.Owner{ID: ownerID, State: string(New)}}, nil
	}
	if err != nil {
		return ownerRecord{}, fmt.Errorf("onboarding: load owner %d: %w", ownerID, err)
	}
	return ownerRecord{o}, nil
}

// expect loads the owner and checks it is in from and may move to to.
func (m *Machine) expect(ctx context.Context, ownerID int64, from, to State) (ownerRecord, error) {
	o, err := m.owner(ctx, ownerID)
	if err != nil {
		return ownerRecord{}, err
	}
	if cur := o.state(); cur != from || !CanTransition(cur, to) {
		return ownerRecord{}, fmt.Errorf("%w: owner %d is %s, not %s", ErrInvalidTransition, ownerID, cur, from)
	}
	return o, nil
}

func (m *Machine) save(ctx context.Context, o ownerRecord, to State) error {
	from := o.state()
	o.State = string(to)
	if err := m.store.UpsertOwner(ctx, o.Owner); err != nil {
		return fmt.Errorf("onboarding: save owner %d: %w", o.ID, err)
	}
	m.logger.Info("onboarding step", "owner", o.ID, "from", from, "to", to)
	return nil
}

func (m *Machine) challenge(ownerID int64) (Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.transient[ownerID]
	if !ok || m.now().After(f.expires) {
		delete(m.transient, ownerID)
		return Challenge{}, ErrChallengeExpired
	}
	return f.challenge, nil
}

func (m *Machine) forget(ownerID int64) {
	m.mu.Lock()
	delete(m.transient, ownerID)
	m.mu.Unlock()
}
