package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sourcegraph/conc/pool"

	"portability/internal/domain"
	"portability/internal/repo"
	"portability/internal/tracing"
)

const (
	defaultConcurrency  = 4
	defaultPollInterval = time.Second
	defaultStaleAfter   = time.Hour
	batchSize           = 100
	maxDrainRounds      = 50
)

// Handler executes one job. A returned error marks the job failed; it is not retried.
type Handler func(ctx context.Context, job domain.Job) error

type Worker struct {
	Repo         repo.Repo
	Handlers     map[string]Handler
	Concurrency  int
	PollInterval time.Duration
	// StaleAfter is how long a job may stay claimed before Run assumes its worker died.
	// It must exceed the longest job, since another live process may still hold the claim.
	StaleAfter time.Duration
	Logger       *log.Logger
	Now          func() time.Time
}

func (w *Worker) clock() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) now() string {
	return w.clock().UTC().Format(time.RFC3339)
}

func (w *Worker) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Run polls for due jobs until ctx is done. Jobs claimed more than StaleAfter
// ago and still running are put back in the queue first.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.RequeueStale(ctx); err != nil {
		return err
	} else if n > 0 {
		w.logger().Printf("worker: requeued %d interrupted jobs", n)
	}
	interval := w.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger().Printf("worker: poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RequeueStale returns jobs whose claim is older than StaleAfter to the queue.
func (w *Worker) RequeueStale(ctx context.Context) (int64, error) {
	stale := w.StaleAfter
	if stale <= 0 {
		stale = defaultStaleAfter
	}
	cutoff := w.clock().Add(-stale).UTC().Format(time.RFC3339)
	return w.Repo.ResetRunningJobs(ctx, cutoff, w.now())
}

// Drain runs due jobs, including jobs they enqueue, until none are left.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for i := 0; i < maxDrainRounds; i++ {
		n, err := w.RunOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
	return total, nil
}

// RunOnce claims and executes the currently due jobs and waits for them.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.Repo.DueJobs(ctx, w.now(), batchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	n := w.Concurrency
	if n <= 0 {
		n = defaultConcurrency
	}
	p := pool.New().WithMaxGoroutines(n)
	claimed := 0
	for _, job := range due {
		ok, err := w.Repo.ClaimJob(ctx, job.ID, w.now())
		if err != nil {
			p.Wait()
			return claimed, err
		}
		if !ok {
			continue
		}
		claimed++
		job.Status = repo.JobRunning
		job.Attempts++
		p.Go(func() { w.execute(ctx, job) })
	}
	p.Wait()
	return claimed, nil
}

func (w *Worker) execute(ctx context.Context, job domain.Job) {
	ctx, span := tracing.StartSpan(ctx, "job "+job.Kind, "CONSUMER")
	span.WithAttributes(map[string]string{"job.id": job.ID, "request.id": job.RequestID, "service": job.Service})
	err := w.call(ctx, job)
	tracing.EndSpan(span, err)

	status, lastErr := repo.JobDone, ""
	if err != nil {
		status, lastErr = repo.JobFailed, err.Error()
		w.logger().Printf("worker: job %s (%s request=%s service=%s) failed: %v", job.ID, job.Kind, job.RequestID, job.Service, err)
	}
	if err := w.Repo.FinishJob(context.WithoutCancel(ctx), job.ID, status, lastErr, w.now()); err != nil {
		w.logger().Printf("worker: record job %s outcome: %v", job.ID, err)
	}
}

func (w *Worker) call(ctx context.Context, job domain.Job) (err error) {
	h, ok := w.Handlers[job.Kind]
	if !ok {
		return fmt.Errorf("no handler for job kind %q", job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job)
}
