package gate

import (
	"github.com/nous-labs/autoreply/pkg/store"
)

// Outcome is how one decision cycle ended.
type Outcome string

const (
	OutOfScope     Outcome = "out_of_scope"
	OwnMessage     Outcome = "own_message"
	ManualOverride Outcome = "manual_override"
	NotTarget      Outcome = "not_target"
	Empty          Outcome = "empty"
	Duplicate      Outcome = "duplicate"
	Skipped        Outcome = "skipped" // disabled or paused
	QuietIgnored   Outcome = "quiet_ignored"
	Queued         Outcome = "queued"
	Replied        Outcome = "replied"
	Failed         Outcome = "failed"
)

// Decision records the result of handling one event or one pending batch.
type Decision struct {
	Cycle   string
	OwnerID int64
	Outcome Outcome
	Reason  string
	Ref     store.MessageRef
	// Batch is the number of queued messages answered, 0 for live events.
	Batch int
	Reply string
	Err   error
}

// Observer is notified of every decision.
type Observer func(Decision)
