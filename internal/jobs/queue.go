package jobs

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"portability/internal/domain"
	"portability/internal/repo"
)

// Job kinds.
const (
	KindNotifyService  = "notify_service"
	KindBuildExport    = "build_and_complete_export"
	KindDeleteArtifact = "delete_artifact"
)

// Queue submits durable jobs. Submitting the same kind for the same request (and service)
// twice keeps the first job.
type Queue struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// DedupeKey identifies a job by kind, request and, for notifications, service.
func DedupeKey(kind, requestID, service string) string {
	return kind + "|" + requestID + "|" + service
}

// Enqueue submits a job that is due immediately.
func (q Queue) Enqueue(ctx context.Context, kind, requestID, service string) (domain.Job, bool, error) {
	return q.EnqueueAt(ctx, kind, requestID, service, q.now())
}

// EnqueueAt submits a job that becomes due at runAt. It reports whether a new job was stored.
func (q Queue) EnqueueAt(ctx context.Context, kind, requestID, service string, runAt time.Time) (domain.Job, bool, error) {
	job := q.newJob(kind, requestID, service, runAt)
	inserted, err := q.Repo.InsertJob(ctx, DedupeKey(kind, requestID, service), job)
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, inserted, nil
}

// EnqueueTx submits a job as part of tx, so it exists exactly when the change that needs it commits.
func (q Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, kind, requestID, service string, runAt time.Time) (domain.Job, bool, error) {
	job := q.newJob(kind, requestID, service, runAt)
	inserted, err := q.Repo.InsertJobTx(ctx, tx, DedupeKey(kind, requestID, service), job)
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, inserted, nil
}

func (q Queue) newJob(kind, requestID, service string, runAt time.Time) domain.Job {
	now := q.now().UTC().Format(time.RFC3339)
	return domain.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		RequestID: requestID,
		Service:   service,
		Status:    repo.JobPending,
		RunAt:     runAt.UTC().Format(time.RFC3339),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Retry requeues a failed job to run now.
func (q Queue) Retry(ctx context.Context, id string) (domain.Job, error) {
	now := q.now().UTC().Format(time.RFC3339)
	if err := q.Repo.RetryJob(ctx, id, now, now); err != nil {
		return domain.Job{}, err
	}
	return q.Repo.GetJob(ctx, id)
}
