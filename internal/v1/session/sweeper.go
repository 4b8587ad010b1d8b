package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/anontalk/relay/internal/v1/logging"
)

// Sweeper periodically evicts sessions that passed their inactivity TTL.
// Expiry feeds the registry's expire handler, which runs the same cascade as
// a normal disconnect; it is not a separate cleanup path.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	clock    clockwork.Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper ticking at the given cadence.
func NewSweeper(registry *Registry, interval time.Duration, clock clockwork.Clock) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
		clock:    clock,
	}
}

// Start launches the sweep loop. Stop cancels it.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := s.clock.NewTicker(s.interval)
		defer ticker.Stop()

		logging.Info(ctx, "Session expiry sweeper started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.registry.sweep(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
