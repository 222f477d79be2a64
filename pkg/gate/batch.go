package gate

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nous-labs/autoreply/pkg/quiethours"
	"github.com/nous-labs/autoreply/pkg/store"
)

// FlushPending answers every queued message with one reply, provided quiet
// hours are over and the owner's policy allows replying. It returns the
// number of queued messages answered.
//
// The queue is cleared only together with storing the exchange. If
// generation or sending fails the queue is left intact for the next flush.
func (o *Orchestrator) FlushPending(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.beginCycle(ctx); err != nil {
		return 0, err
	}
	items, err := o.queue.List(ctx)
	if err != nil || len(items) == 0 {
		return 0, err
	}
	if quiethours.Active(o.logger, o.now(), o.settings.QuietWindow()) {
		return 0, nil
	}
	if ok, reason := o.settings.ShouldRespond(); !ok {
		o.logger.Debug("pending batch held", "reason", reason, "messages", len(items))
		return 0, nil
	}

	d := o.answerBatch(ctx, items)
	d.Cycle = uuid.NewString()
	d.OwnerID = o.ownerID
	d.Batch = len(items)
	o.report(d)

	if d.Outcome != Replied {
		return 0, d.Err
	}
	return len(items), d.Err
}

func (o *Orchestrator) answerBatch(ctx context.Context, items []store.PendingItem) Decision {
	o.logger.Info("answering pending batch", "messages", len(items))

	if err := o.admit(ctx); err != nil {
		return o.failed("rate limit wait", err)
	}
	history, err := o.memory.Recent(ctx, o.settings.ContextTurns())
	if err != nil {
		return o.failed("load history", err)
	}
	answer, err := o.generate(ctx, history, o.batch.Format(items))
	if err != nil {
		return o.failed("generate batch reply", err)
	}

	conversationID := items[0].Ref.ConversationID
	if err := o.deliver(ctx, conversationID, answer); err != nil {
		return o.failed("send batch reply", err)
	}

	turns := make([]store.Turn, 0, len(items)+1)
	refs := make([]store.MessageRef, 0, len(items))
	for _, it := range items {
		turns = append(turns, store.Turn{
			OwnerID:   o.ownerID,
			Role:      store.RoleUser,
			Text:      it.Text,
			Ref:       it.Ref,
			CreatedAt: it.ArrivedAt,
		})
		refs = append(refs, it.Ref)
	}
	turns = append(turns, store.Turn{
		OwnerID:   o.ownerID,
		Role:      store.RoleAssistant,
		Text:      answer,
		Ref:       store.MessageRef{ConversationID: conversationID},
		CreatedAt: o.now(),
	})

	d := Decision{Outcome: Replied, Reply: answer, Ref: items[len(items)-1].Ref}
	if err := o.store.CommitBatch(ctx, o.ownerID, turns, refs); err != nil {
		// The reply is out but the queue survives; the next flush answers
		// the same messages again.
		o.logger.Error("batch reply sent but not committed, messages stay queued",
			"messages", len(items),
			"error", err,
		)
		d.Err = fmt.Errorf("commit batch: %w", err)
		d.Reason = "reply not stored"
	}
	return d
}
