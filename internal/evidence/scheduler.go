package evidence

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/sandboxctl/pkg/contracts"
)

// DefaultWorkers is the default size of the bounded evidence-build pool.
const DefaultWorkers = 4

// DefaultQueueDepth bounds how many scheduled-but-not-yet-started builds
// may queue before Schedule starts applying backpressure to its caller.
const DefaultQueueDepth = 256

// Scheduler runs Builder.Build on a fixed-size worker pool, satisfying
// RunService's requirement that evidence scheduling never spawns unbounded
// background work. It implements run.Scheduler.
type Scheduler struct {
	builder *Builder
	driver  contracts.SandboxDriver
	jobs    chan string
	workers int
}

// NewScheduler returns a Scheduler with workers goroutines (DefaultWorkers
// if zero) draining a queue of depth queueDepth (DefaultQueueDepth if zero).
func NewScheduler(builder *Builder, driver contracts.SandboxDriver, workers, queueDepth int) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Scheduler{
		builder: builder,
		driver:  driver,
		jobs:    make(chan string, queueDepth),
		workers: workers,
	}
}

// Run launches the worker pool and blocks until ctx is canceled. Call it in
// its own goroutine from pkg/server.
func (s *Scheduler) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < s.workers; i++ {
		go s.worker(ctx, done)
	}
	<-ctx.Done()
	for i := 0; i < s.workers; i++ {
		<-done
	}
}

func (s *Scheduler) worker(ctx context.Context, done chan struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-s.jobs:
			if err := s.builder.Build(ctx, runID, s.driver); err != nil {
				log.Error().Err(err).Str("run_id", runID).Msg("evidence: build failed")
			}
		}
	}
}

// Schedule enqueues runID for an evidence build. It blocks if the queue is
// full, applying backpressure rather than dropping the request or spawning
// an unbounded goroutine.
func (s *Scheduler) Schedule(runID string) {
	s.jobs <- runID
}
