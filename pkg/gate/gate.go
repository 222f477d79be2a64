// Package gate decides, message by message, whether an owner's assistant
// replies now, queues the message for later, or stays silent, and carries
// out the reply when it does.
//
// Every incoming event runs through a fixed pipeline: scope, self-message
// (manual override), target, content, dedup, activity, policy, quiet hours,
// rate limit, then generate-and-send. The first stage that rejects the
// event ends the cycle. Cycles for one owner never overlap.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/autoreply/pkg/channel"
	"github.com/nous-labs/autoreply/pkg/memory"
	"github.com/nous-labs/autoreply/pkg/pending"
	"github.com/nous-labs/autoreply/pkg/quiethours"
	"github.com/nous-labs/autoreply/pkg/ratelimit"
	"github.com/nous-labs/autoreply/pkg/settings"
	"github.com/nous-labs/autoreply/pkg/store"
)

// Request is one reply-generation call.
type Request struct {
	Persona string
	History []memory.Entry
	Prompt  string
	// Model overrides the provider's default model when non-empty.
	Model string
}

// Generator produces reply text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Config holds the orchestrator's fixed behavior. Per-owner policy comes
// from the settings store instead.
type Config struct {
	Persona  string
	Batch    pending.BatchFormat
	Typing   Typing
	Defaults map[string]string // provisioned settings
	Observer Observer
	Logger   *slog.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator runs the decision pipeline for one owner.
type Orchestrator struct {
	ownerID  int64
	store    store.Store
	session  channel.Session
	gen      Generator
	settings *settings.Store
	memory   *memory.Memory
	queue    *pending.Queue
	limiter  *ratelimit.Limiter

	persona  string
	batch    pending.BatchFormat
	typing   Typing
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	// mu serializes decision cycles: live events and batch flushes.
	mu sync.Mutex
}

// New creates an orchestrator for ownerID replying through session.
func New(ownerID int64, st store.Store, session channel.Session, gen Generator, cfg Config) (*Orchestrator, error) {
	if st == nil {
		return nil, errors.New("gate: store must not be nil")
	}
	if session == nil {
		return nil, errors.New("gate: session must not be nil")
	}
	if gen == nil {
		return nil, errors.New("gate: generator must not be nil")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Typing == (Typing{}) {
		cfg.Typing = DefaultTyping
	}
	if cfg.Batch == (pending.BatchFormat{}) {
		cfg.Batch = pending.DefaultBatchFormat
	}
	logger := cfg.Logger.With("owner", ownerID)

	set, err := settings.New(st, ownerID, cfg.Defaults,
		settings.WithClock(cfg.Now),
		settings.WithLogger(cfg.Logger),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	mem, err := memory.New(st, ownerID, cfg.Now)
	if err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	queue, err := pending.NewQueue(st, ownerID, pending.WithClock(cfg.Now))
	if err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}

	o := &Orchestrator{
		ownerID:  ownerID,
		store:    st,
		session:  session,
		gen:      gen,
		settings: set,
		memory:   mem,
		queue:    queue,
		persona:  cfg.Persona,
		batch:    cfg.Batch,
		typing:   cfg.Typing,
		observer: cfg.Observer,
		logger:   logger,
		now:      cfg.Now,
		sleep:    cfg.Sleep,
	}
	// The budget is re-read from settings at the start of every cycle.
	o.limiter = ratelimit.New(0, 0,
		ratelimit.WithClock(cfg.Now),
		ratelimit.WithSleep(cfg.Sleep),
	)
	return o, nil
}

// OwnerID returns the owner this orchestrator acts for.
func (o *Orchestrator) OwnerID() int64 { return o.ownerID }

// RateRemaining reports how many replies the current window still allows.
func (o *Orchestrator) RateRemaining() int { return o.limiter.Remaining() }

// HandleEvent runs the decision pipeline for one observed message.
func (o *Orchestrator) HandleEvent(ctx context.Context, evt channel.Event) Decision {
	o.mu.Lock()
	defer o.mu.Unlock()

	d := o.decide(ctx, evt)
	d.Cycle = uuid.NewString()
	d.OwnerID = o.ownerID
	d.Ref = store.MessageRef{ConversationID: evt.ConversationID, MessageID: evt.MessageID}
	o.report(d)
	return d
}

// beginCycle refreshes per-owner policy from storage.
func (o *Orchestrator) beginCycle(ctx context.Context) error {
	if err := o.settings.Load(ctx); err != nil {
		return err
	}
	o.limiter.SetBudget(o.settings.RateBudget())
	return nil
}

func (o *Orchestrator) decide(ctx context.Context, evt channel.Event) Decision {
	// 1. Scope: one-to-one conversations with people only.
	if evt.Kind != channel.Direct || evt.Sender != channel.Person {
		return Decision{Outcome: OutOfScope, Reason: fmt.Sprintf("%s/%s", evt.Kind, evt.Sender)}
	}

	if err := o.beginCycle(ctx); err != nil {
		return o.failed("load settings", err)
	}
	target := o.settings.Target()

	// 2. The owner writing personally pauses the assistant.
	if evt.Outgoing || (evt.SenderID != "" && evt.SenderID == o.session.Self().ID) {
		if !o.outgoingToTarget(ctx, evt, target) {
			return Decision{Outcome: OwnMessage}
		}
		until, err := o.settings.ApplyManualOverride(ctx)
		if err != nil {
			return o.failed("manual override", err)
		}
		return Decision{Outcome: ManualOverride, Reason: "paused until " + until.Format(time.RFC3339)}
	}

	o.recordSender(ctx, evt.SenderID)

	// 3. Target.
	if !matchesTarget(target, evt.SenderID, evt.SenderUsername) {
		return Decision{Outcome: NotTarget}
	}

	// 4. Content.
	text := strings.TrimSpace(evt.Text)
	if text == "" {
		return Decision{Outcome: Empty}
	}

	// 5. Dedup against answered and queued messages.
	ref := store.MessageRef{ConversationID: evt.ConversationID, MessageID: evt.MessageID}
	if dup, err := o.seen(ctx, ref); err != nil {
		return o.failed("dedup lookup", err)
	} else if dup {
		return Decision{Outcome: Duplicate}
	}

	o.logger.Info("message from target", "conversation", ref.ConversationID, "text", truncate(text, 50))

	// 6. Activity, for status only.
	if err := o.store.TouchOwner(ctx, o.ownerID, o.now()); err != nil {
		o.logger.Warn("record last activity failed", "error", err)
	}

	// 7. Policy.
	if ok, reason := o.settings.ShouldRespond(); !ok {
		o.logger.Info("not responding", "reason", reason)
		return Decision{Outcome: Skipped, Reason: reason}
	}

	// 8. Quiet hours.
	if window := o.settings.QuietWindow(); quiethours.Active(o.logger, o.now(), window) {
		if o.settings.QuietMode() == settings.QuietIgnore {
			return Decision{Outcome: QuietIgnored, Reason: window.String()}
		}
		if _, err := o.queue.Add(ctx, ref, evt.SenderID, text); err != nil {
			return o.failed("queue message", err)
		}
		return Decision{Outcome: Queued, Reason: window.String()}
	}

	// 9. Rate limit: wait rather than drop.
	if err := o.admit(ctx); err != nil {
		return o.failed("rate limit wait", err)
	}

	// 10. Reply.
	return o.reply(ctx, ref, text)
}

func (o *Orchestrator) reply(ctx context.Context, ref store.MessageRef, text string) Decision {
	history, err := o.memory.Recent(ctx, o.settings.ContextTurns())
	if err != nil {
		return o.failed("load history", err)
	}
	if err := o.memory.AppendInbound(ctx, ref, text); err != nil {
		return o.failed("store inbound turn", err)
	}

	answer, err := o.generate(ctx, history, text)
	if err != nil {
		return o.failed("generate reply", err)
	}
	if err := o.deliver(ctx, ref.ConversationID, answer); err != nil {
		return o.failed("send reply", err)
	}

	d := Decision{Outcome: Replied, Reply: answer}
	if err := o.memory.AppendReply(ctx, ref.ConversationID, answer); err != nil {
		o.logger.Error("reply sent but not stored", "error", err)
		d.Err = err
		d.Reason = "reply not stored"
	}
	o.logger.Info("replied", "conversation", ref.ConversationID, "text", truncate(answer, 50))
	return d
}

func (o *Orchestrator) generate(ctx context.Context, history []memory.Entry, prompt string) (string, error) {
	answer, err := o.gen.Generate(ctx, Request{
		Persona: BuildPersona(o.persona, o.settings.Style()),
		History: history,
		Prompt:  prompt,
		Model:   o.settings.Model(),
	})
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", errors.New("generator returned an empty reply")
	}
	return answer, nil
}

func (o *Orchestrator) admit(ctx context.Context) error {
	if o.limiter.TryAdmit() {
		return nil
	}
	o.logger.Info("rate limited, waiting", "wait", o.limiter.TimeUntilAvailable())
	return o.limiter.Wait(ctx)
}

func (o *Orchestrator) seen(ctx context.Context, ref store.MessageRef) (bool, error) {
	answered, err := o.memory.Seen(ctx, ref)
	if err != nil || answered {
		return answered, err
	}
	return o.queue.Has(ctx, ref)
}

// outgoingToTarget reports whether an outgoing event was addressed to the
// target. A username-only target is resolved through the session.
func (o *Orchestrator) outgoingToTarget(ctx context.Context, evt channel.Event, target settings.Target) bool {
	if target.IsZero() {
		return false
	}
	if target.ID != "" {
		return evt.PeerID == target.ID || evt.ConversationID == target.ID
	}
	id, err := o.session.ResolveIdentity(ctx, target.Username)
	if err != nil {
		o.logger.Warn("resolve target failed", "username", target.Username, "error", err)
		return false
	}
	return id.ID != "" && (evt.PeerID == id.ID || evt.ConversationID == id.ID)
}

func matchesTarget(target settings.Target, senderID, senderUsername string) bool {
	if target.ID != "" && senderID == target.ID {
		return true
	}
	return target.Username != "" && strings.EqualFold(strings.TrimPrefix(senderUsername, "@"), target.Username)
}

// recordSender remembers the most recent direct sender for the admin
// surface. It runs before the target filter, so any new direct sender
// costs one settings write; repeats from the same sender compare against
// the cache loaded at cycle start and write nothing. Failures are logged
// only.
func (o *Orchestrator) recordSender(ctx context.Context, senderID string) {
	if senderID == "" || o.settings.Get(settings.KeyLastSender) == senderID {
		return
	}
	if err := o.settings.Set(ctx, settings.KeyLastSender, senderID); err != nil {
		o.logger.Warn("record last sender failed", "error", err)
	}
}

func (o *Orchestrator) failed(stage string, err error) Decision {
	if errors.Is(err, context.Canceled) {
		o.logger.Info("cycle cancelled", "stage", stage)
	} else {
		o.logger.Error("cycle failed", "stage", stage, "error", err)
	}
	return Decision{Outcome: Failed, Reason: stage, Err: err}
}

func (o *Orchestrator) report(d Decision) {
	if o.observer != nil {
		o.observer(d)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
