package pending

import (
	"context"
	"log/slog"
	"time"
)

// BatchHandler answers whatever is queued. It returns the number of queued
// messages it answered.
type BatchHandler interface {
	FlushPending(ctx context.Context) (int, error)
}

// Flusher periodically asks a BatchHandler to answer queued messages.
type Flusher struct {
	handler  BatchHandler
	interval time.Duration
	logger   *slog.Logger
}

// NewFlusher creates a flush loop. interval <= 0 means every 60s.
func NewFlusher(handler BatchHandler, interval time.Duration, logger *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{handler: handler, interval: interval, logger: logger}
}

// Run flushes on every tick until ctx is cancelled. A flush in progress is
// allowed to finish before Run returns.
func (f *Flusher) Run(ctx context.Context) {
	f.logger.Info("pending flush loop started", "interval", f.interval)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("pending flush loop stopping")
			return
		case <-ticker.C:
			f.FlushOnce(ctx)
		}
	}
}

// FlushOnce runs one flush cycle and logs the outcome.
func (f *Flusher) FlushOnce(ctx context.Context) {
	answered, err := f.handler.FlushPending(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
		f.logger.Info("pending flush interrupted by shutdown")
	case err != nil:
		f.logger.Warn("pending flush failed", "error", err)
	case answered > 0:
		f.logger.Info("pending batch answered", "messages", answered)
	}
}
