package enhancement

import (
	"context"
	"sync"
	"time"

	"github.com/2ndtlmining/fluxflow/internal/store"
)

// Scheduler arms the periodic enhancement tick of §4.7: it skips the run
// when the total unknown count is below MIN_UNKNOWNS_THRESHOLD, and
// records lifetime counters across runs.
type Scheduler struct {
	engine    *Engine
	st        *store.Store
	period    time.Duration
	threshold int

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	totalRuns int64
}

// NewScheduler constructs an enhancement Scheduler.
func NewScheduler(engine *Engine, st *store.Store, period time.Duration, minUnknownsThreshold int) *Scheduler {
	return &Scheduler{engine: engine, st: st, period: period, threshold: minUnknownsThreshold}
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

// Stop disarms the timer, letting any in-flight run complete (§4.7).
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
			s.runIfDue(ctx)
		}
	}
}

func (s *Scheduler) runIfDue(ctx context.Context) {
	unknowns, err := s.st.GetUnknownWallets(0)
	if err != nil {
		s.engine.log.Error().Err(err).Msg("scheduler: reading unknown count failed")
		return
	}
	if unknowns.Total < s.threshold {
		s.engine.log.Debug().Int("total", unknowns.Total).Int("threshold", s.threshold).
			Msg("scheduler: below threshold, skipping run")
		return
	}
	if err := s.engine.EnhanceUnknowns(ctx); err != nil {
		s.engine.log.Error().Err(err).Msg("scheduler: run failed")
		return
	}
	s.mu.Lock()
	s.totalRuns++
	s.mu.Unlock()
}

// TotalRuns reports the lifetime count of completed enhancement runs.
func (s *Scheduler) TotalRuns() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalRuns
}
