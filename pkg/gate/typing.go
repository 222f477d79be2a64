package gate

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/nous-labs/autoreply/pkg/channel"
)

// Typing models how long a human would take to type a reply.
type Typing struct {
	Base    time.Duration
	PerChar time.Duration
	Min     time.Duration
	Max     time.Duration
}

// DefaultTyping is 1.5s plus 30ms per character, capped at 8s.
var DefaultTyping = Typing{
	Base:    1500 * time.Millisecond,
	PerChar: 30 * time.Millisecond,
	Min:     1500 * time.Millisecond,
	Max:     8 * time.Second,
}

// Delay returns clamp(Base + runes(text)*PerChar, Min, Max).
func (t Typing) Delay(text string) time.Duration {
	d := t.Base + time.Duration(utf8.RuneCountInString(text))*t.PerChar
	if d < t.Min {
		d = t.Min
	}
	if t.Max > 0 && d > t.Max {
		d = t.Max
	}
	return d
}

// deliver holds a typing indicator for the modelled delay, then sends text.
// Provider throttling is waited out and the send retried until it succeeds
// or ctx ends.
func (o *Orchestrator) deliver(ctx context.Context, conversationID, text string) error {
	delay := o.typing.Delay(text)
	if err := o.session.Typing(ctx, conversationID, delay); err != nil {
		o.logger.Warn("typing indicator failed", "conversation", conversationID, "error", err)
	}
	if err := o.sleep(ctx, delay); err != nil {
		return err
	}

	for {
		err := o.session.Send(ctx, conversationID, text)
		var retry *channel.RetryAfterError
		if !errors.As(err, &retry) {
			return err
		}
		o.logger.Warn("send throttled, waiting", "conversation", conversationID, "retry_after", retry.After)
		if err := o.sleep(ctx, retry.After); err != nil {
			return err
		}
	}
}
