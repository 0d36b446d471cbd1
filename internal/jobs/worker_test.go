package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"portability/internal/db"
	"portability/internal/domain"
	"portability/internal/migrate"
	"portability/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func fixedClock(ts string) func() time.Time {
	t, _ := time.Parse(time.RFC3339, ts)
	return func() time.Time { return t }
}

func TestEnqueueDeduplicates(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	q := Queue{Repo: r, Now: fixedClock("2024-01-01T00:00:00Z")}

	first, inserted, err := q.Enqueue(ctx, KindNotifyService, "req-1", "billing")
	if err != nil || !inserted {
		t.Fatalf("enqueue: %v inserted=%v", err, inserted)
	}
	if _, inserted, err := q.Enqueue(ctx, KindNotifyService, "req-1", "billing"); err != nil || inserted {
		t.Fatalf("duplicate enqueue should be ignored: %v inserted=%v", err, inserted)
	}
	if _, inserted, _ := q.Enqueue(ctx, KindNotifyService, "req-1", "analytics"); !inserted {
		t.Fatalf("other service should get its own job")
	}
	all, err := r.ListJobs(ctx, repo.JobFilters{RequestID: "req-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != first.ID && all[1].ID != first.ID {
		t.Fatalf("unexpected jobs: %+v", all)
	}
}

func TestWorkerRunsDueJobsOnly(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	clock := fixedClock("2024-01-01T00:00:00Z")
	q := Queue{Repo: r, Now: clock}
	if _, _, err := q.Enqueue(ctx, KindBuildExport, "req-1", ""); err != nil {
		t.Fatal(err)
	}
	later, _, err := q.EnqueueAt(ctx, KindDeleteArtifact, "req-1", "", clock().Add(48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var ran []string
	record := func(_ context.Context, job domain.Job) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, job.Kind)
		return nil
	}
	w := &Worker{Repo: r, Now: clock, Handlers: map[string]Handler{
		KindBuildExport:    record,
		KindDeleteArtifact: record,
	}}
	n, err := w.Drain(ctx)
	if err != nil || n != 1 {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	if len(ran) != 1 || ran[0] != KindBuildExport {
		t.Fatalf("unexpected runs: %v", ran)
	}
	pending, _ := r.GetJob(ctx, later.ID)
	if pending.Status != repo.JobPending {
		t.Fatalf("future job status = %s", pending.Status)
	}

	w.Now = fixedClock("2024-01-03T00:00:00Z")
	if n, err := w.Drain(ctx); err != nil || n != 1 {
		t.Fatalf("second drain: n=%d err=%v", n, err)
	}
	done, _ := r.GetJob(ctx, later.ID)
	if done.Status != repo.JobDone || done.Attempts != 1 {
		t.Fatalf("deletion job = %+v", done)
	}
}

func TestWorkerRecordsFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	clock := fixedClock("2024-01-01T00:00:00Z")
	q := Queue{Repo: r, Now: clock}
	job, _, err := q.Enqueue(ctx, KindNotifyService, "req-1", "billing")
	if err != nil {
		t.Fatal(err)
	}
	fail := true
	w := &Worker{Repo: r, Now: clock, Handlers: map[string]Handler{
		KindNotifyService: func(context.Context, domain.Job) error {
			if fail {
				return errors.New("service down")
			}
			return nil
		},
	}}
	if _, err := w.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := r.GetJob(ctx, job.ID)
	if got.Status != repo.JobFailed || got.LastError != "service down" {
		t.Fatalf("expected failed job, got %+v", got)
	}
	if n, _ := w.Drain(ctx); n != 0 {
		t.Fatalf("failed jobs must not be retried automatically")
	}

	fail = false
	if _, err := q.Retry(ctx, job.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := w.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = r.GetJob(ctx, job.ID)
	if got.Status != repo.JobDone || got.Attempts != 2 {
		t.Fatalf("expected done after retry, got %+v", got)
	}
	if _, err := q.Retry(ctx, job.ID); !errors.Is(err, repo.ErrJobNotFailed) {
		t.Fatalf("retrying a done job: %v", err)
	}
}

func TestWorkerFailsUnknownKindAndPanics(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	clock := fixedClock("2024-01-01T00:00:00Z")
	q := Queue{Repo: r, Now: clock}
	unknown, _, _ := q.Enqueue(ctx, "mystery", "req-1", "")
	panicky, _, _ := q.Enqueue(ctx, KindBuildExport, "req-1", "")
	w := &Worker{Repo: r, Now: clock, Handlers: map[string]Handler{
		KindBuildExport: func(context.Context, domain.Job) error { panic("boom") },
	}}
	if _, err := w.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{unknown.ID, panicky.ID} {
		got, _ := r.GetJob(ctx, id)
		if got.Status != repo.JobFailed {
			t.Fatalf("job %s status = %s", id, got.Status)
		}
	}
}

func TestRequeueStaleLeavesFreshClaims(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	q := Queue{Repo: r, Now: fixedClock("2024-01-01T00:00:00Z")}
	old, _, _ := q.Enqueue(ctx, KindNotifyService, "req-1", "billing")
	fresh, _, _ := q.Enqueue(ctx, KindNotifyService, "req-2", "billing")
	if ok, err := r.ClaimJob(ctx, old.ID, "2024-01-01T00:00:00Z"); !ok || err != nil {
		t.Fatalf("claim old: %v %v", ok, err)
	}
	if ok, err := r.ClaimJob(ctx, fresh.ID, "2024-01-01T01:50:00Z"); !ok || err != nil {
		t.Fatalf("claim fresh: %v %v", ok, err)
	}

	w := &Worker{Repo: r, Now: fixedClock("2024-01-01T02:00:00Z"), StaleAfter: time.Hour}
	n, err := w.RequeueStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("requeue: n=%d err=%v", n, err)
	}
	if got, _ := r.GetJob(ctx, old.ID); got.Status != repo.JobPending {
		t.Fatalf("stale job status = %s", got.Status)
	}
	if got, _ := r.GetJob(ctx, fresh.ID); got.Status != repo.JobRunning {
		t.Fatalf("job claimed by a live worker was requeued: %s", got.Status)
	}
}
