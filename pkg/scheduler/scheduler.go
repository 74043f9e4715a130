// Package scheduler drives periodic lifecycle sweeps and consolidation
// batches across owner scopes. Scopes are processed by a worker pool, so a
// slow or failing scope never blocks the others.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stratamem/stratamem-go/pkg/consolidation"
	"github.com/stratamem/stratamem-go/pkg/lifecycle"
	"github.com/stratamem/stratamem-go/pkg/storage"
	"go.uber.org/zap"
)

// Default scheduling policy values.
const (
	DefaultSweepInterval         = 1 * time.Minute
	DefaultConsolidationInterval = 15 * time.Minute
	DefaultWorkers               = 4
	DefaultJobTimeout            = 30 * time.Second
)

type jobKind int

const (
	jobSweep jobKind = iota
	jobConsolidate
)

type job struct {
	kind  jobKind
	scope string
}

// Config controls the scheduler.
type Config struct {
	// SweepInterval spaces lifecycle sweeps. Sweeps are lightweight and
	// run often.
	SweepInterval time.Duration

	// ConsolidationInterval spaces consolidation batches. Batches are
	// heavier and run sparsely.
	ConsolidationInterval time.Duration

	// Workers is the size of the scope worker pool.
	Workers int

	// JobTimeout bounds one scope job.
	JobTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.ConsolidationInterval <= 0 {
		c.ConsolidationInterval = DefaultConsolidationInterval
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
}

// Scheduler owns the background lifecycle of a memory store.
type Scheduler struct {
	store  storage.MemoryStore
	tiers  *lifecycle.TierManager
	engine *consolidation.Engine
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	jobs    chan job
	wg      sync.WaitGroup
}

// New creates a scheduler over the given tier manager and engine.
func New(store storage.MemoryStore, tiers *lifecycle.TierManager, engine *consolidation.Engine, cfg Config, logger *zap.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  store,
		tiers:  tiers,
		engine: engine,
		config: cfg,
		logger: logger,
	}
}

// Start launches the tickers and worker pool. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.jobs = make(chan job, s.config.Workers*4)

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.tick()

	s.logger.Info("scheduler started",
		zap.Duration("sweep_interval", s.config.SweepInterval),
		zap.Duration("consolidation_interval", s.config.ConsolidationInterval),
		zap.Int("workers", s.config.Workers))
}

// Stop signals all goroutines and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tick() {
	defer s.wg.Done()

	sweepTicker := time.NewTicker(s.config.SweepInterval)
	defer sweepTicker.Stop()
	consolidationTicker := time.NewTicker(s.config.ConsolidationInterval)
	defer consolidationTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			close(s.jobs)
			return
		case <-sweepTicker.C:
			s.enqueue(jobSweep)
		case <-consolidationTicker.C:
			s.enqueue(jobConsolidate)
		}
	}
}

// enqueue fans one job per known scope into the pool. A full queue drops
// the job; the next tick retries.
func (s *Scheduler) enqueue(kind jobKind) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	scopes, err := s.store.ListScopes(ctx)
	cancel()
	if err != nil {
		s.logger.Warn("scope listing failed", zap.Error(err))
		return
	}

	for _, scope := range scopes {
		select {
		case s.jobs <- job{kind: kind, scope: scope}:
		case <-s.stopCh:
			return
		default:
			s.logger.Warn("job queue full, deferring scope",
				zap.String("scope", scope))
		}
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		s.run(j)
	}
}

// run executes one scope job with panic isolation, so a corrupt scope
// cannot take down the pool.
func (s *Scheduler) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scope job panicked",
				zap.String("scope", j.scope),
				zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()

	switch j.kind {
	case jobSweep:
		report, err := s.tiers.Sweep(ctx, j.scope)
		if err != nil {
			s.logger.Warn("sweep failed",
				zap.String("scope", j.scope),
				zap.Error(err))
			return
		}
		if report.Promoted > 0 || report.Archived > 0 || report.Errors > 0 {
			s.logger.Info("sweep finished",
				zap.String("scope", j.scope),
				zap.Int("scanned", report.Scanned),
				zap.Int("promoted", report.Promoted),
				zap.Int("archived", report.Archived),
				zap.Int("errors", report.Errors))
		}
	case jobConsolidate:
		report, err := s.engine.Consolidate(ctx, j.scope)
		if err != nil {
			if errors.Is(err, consolidation.ErrLockContended) {
				s.logger.Info("consolidation skipped, lock contended",
					zap.String("scope", j.scope))
				return
			}
			s.logger.Warn("consolidation failed",
				zap.String("scope", j.scope),
				zap.Error(err))
			return
		}
		if report.Merged > 0 || report.Promoted > 0 || len(report.Errors) > 0 {
			s.logger.Info("consolidation finished",
				zap.String("scope", j.scope),
				zap.Int("candidates", report.Candidates),
				zap.Int("merged", report.Merged),
				zap.Int("archived", report.Archived),
				zap.Int("promoted", report.Promoted),
				zap.Int("errors", len(report.Errors)))
		}
	}
}
