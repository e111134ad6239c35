// Package jobs runs the server's periodic background work: the offline
// detector, command expiry and retention sweeps.
package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Job is one unit of periodic work. RunOnce must be safe to call again
// after an error.
type Job interface {
	Name() string
	RunOnce(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                      { return j.JobName }
func (j JobFunc) RunOnce(ctx context.Context) error { return j.Fn(ctx) }

type scheduledJob struct {
	job      Job
	interval time.Duration
	running  atomic.Bool
}

// Runner ticks each registered job on its own interval. At most one
// instance of a job runs at a time; a tick that arrives while the previous
// run is still going is skipped, not queued.
type Runner struct {
	mu   sync.Mutex
	jobs []*scheduledJob
}

// NewRunner creates an empty runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Register adds a job with its tick interval.
func (r *Runner) Register(job Job, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, &scheduledJob{job: job, interval: interval})
}

// Run blocks until ctx is cancelled, ticking every registered job.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	jobs := make([]*scheduledJob, len(r.jobs))
	copy(jobs, r.jobs)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sj := range jobs {
		sj := sj
		g.Go(func() error {
			ticker := time.NewTicker(sj.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					r.tick(ctx, sj)
				}
			}
		})
	}
	return g.Wait()
}

func (r *Runner) tick(ctx context.Context, sj *scheduledJob) {
	if !sj.running.CompareAndSwap(false, true) {
		log.Debug().Str("job", sj.job.Name()).Msg("Previous run still in progress, skipping tick")
		return
	}
	defer sj.running.Store(false)

	start := time.Now()
	if err := sj.job.RunOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("job", sj.job.Name()).Msg("Background job failed")
		return
	}
	log.Debug().
		Str("job", sj.job.Name()).
		Dur("took", time.Since(start)).
		Msg("Background job completed")
}
