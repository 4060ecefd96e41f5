package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
)

// PeriodicTask runs fn every interval on its own goroutine until stopped.
// Start and Stop are idempotent.
type PeriodicTask struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	logger *zerolog.Logger
}

// NewPeriodicTask creates a stopped task
func NewPeriodicTask(name string, interval time.Duration, fn func(ctx context.Context)) *PeriodicTask {
	return &PeriodicTask{name: name, interval: interval, fn: fn}
}

// Name returns the task name used in logs
func (p *PeriodicTask) Name() string {
	return p.name
}

// Start launches the ticker loop. The first run happens after one interval.
func (p *PeriodicTask) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.logger = observability.LoggerFromContext(ctx)

	go p.loop(ctx, p.done)
	p.logger.Debug().Str("task", p.name).Dur("interval", p.interval).Msg("Periodic task started")
}

func (p *PeriodicTask) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *PeriodicTask) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			observability.LoggerFromContext(ctx).Error().Str("task", p.name).Interface("panic", r).Msg("Periodic task panicked")
		}
	}()
	p.fn(ctx)
}

// Stop cancels the loop and waits for an in-flight run to finish
func (p *PeriodicTask) Stop() {
	p.mu.Lock()
	cancel, done, logger := p.cancel, p.done, p.logger
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.Debug().Str("task", p.name).Msg("Periodic task stopped")
}

// Running reports whether the loop is active
func (p *PeriodicTask) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}
