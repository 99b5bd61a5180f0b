package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/partvault/partvault/internal/metrics"
)

// JobID identifies one job scheduled on a Pool.
type JobID uuid.UUID

// Job is an opaque unit of work submitted to a Pool: typically a
// Runtime.Run closure, but any cancellable function works.
type Job func(ctx context.Context) error

type jobResult struct {
	id  JobID
	err error
}

// Pool is the pipeline's process-pool front end: callers schedule whole
// pipelines as background jobs identified by a JobID, then Wait blocks
// until all outstanding jobs finish.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	submitted  int
	completion chan jobResult
}

// NewPool builds a Pool whose jobs are all cancelled if ctx is cancelled.
func NewPool(ctx context.Context) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		ctx:        ctx,
		cancel:     cancel,
		completion: make(chan jobResult, 64),
	}
}

// Submit schedules job to run on its own goroutine and returns its id
// immediately.
func (p *Pool) Submit(job Job) JobID {
	id := JobID(uuid.New())

	p.mu.Lock()
	p.submitted++
	p.mu.Unlock()

	metrics.PipelineJobsInFlight.Inc()
	go func() {
		defer metrics.PipelineJobsInFlight.Dec()
		err := job(p.ctx)
		p.completion <- jobResult{id: id, err: err}
	}()
	return id
}

// Wait blocks until every submitted job finishes, returning their errors
// in completion order. With keepGoing=false, the first job error cancels
// the pool's context so in-flight jobs abort at their next suspension
// point, and Wait returns as soon as every job (including the aborted
// ones) has reported in. With keepGoing=true, no cancellation happens:
// every job runs to completion and Wait returns every error encountered,
// logging each as it is collected.
func (p *Pool) Wait(keepGoing bool) []error {
	p.mu.Lock()
	remaining := p.submitted
	p.submitted = 0
	p.mu.Unlock()

	var errsOut []error
	for i := 0; i < remaining; i++ {
		res := <-p.completion
		if res.err != nil {
			errsOut = append(errsOut, res.err)
			slog.Error("pipeline job failed", "job_id", uuid.UUID(res.id), "error", res.err)
			if !keepGoing {
				p.cancel()
			}
		}
	}
	return errsOut
}

// Cancel aborts every outstanding job at its next suspension point.
func (p *Pool) Cancel() {
	p.cancel()
}
