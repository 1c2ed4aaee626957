package ingestion

import (
	"context"
	"sync"
	"time"
)

// Scheduler arms a periodic ingestion tick (§4.7), mirroring the
// teacher's fetchingStarted/fetchingStopCh/fetchingWg overlap-guarded
// Start/Stop pair.
type Scheduler struct {
	pipeline *Pipeline
	period   time.Duration

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler constructs a Scheduler driving pipeline at the given period.
func NewScheduler(pipeline *Pipeline, period time.Duration) *Scheduler {
	return &Scheduler{pipeline: pipeline, period: period}
}

// Start arms the periodic timer. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)
}

// Stop disarms the timer. Any in-flight tick is allowed to complete
// (§4.7 "graceful shutdown").
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pipeline.Tick(ctx); err != nil {
				s.pipeline.log.Error().Err(err).Msg("scheduler: tick failed")
			}
		}
	}
}
