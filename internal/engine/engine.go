package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"portability/internal/approval"
	"portability/internal/config"
	"portability/internal/domain"
	"portability/internal/events"
	"portability/internal/export"
	"portability/internal/jobs"
	"portability/internal/lifecycle"
	"portability/internal/mailer"
	"portability/internal/notify"
	"portability/internal/registry"
	"portability/internal/repo"
	"portability/internal/storage"
)

// Exporter builds and stores the export archive of a request.
type Exporter interface {
	Build(ctx context.Context, req domain.Request) (export.Artifact, error)
}

// Notifier tells one external service that the owner's export started.
type Notifier interface {
	Notify(ctx context.Context, req domain.Request, service string) (notify.Result, error)
}

// Artifacts reads and removes stored archives.
type Artifacts interface {
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// Engine owns the request lifecycle. Every transition commits first; its side
// effects run afterwards and never roll the state back.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Queue     jobs.Queue
	Mailer    mailer.Mailer
	Approval  approval.Hook
	Exporter  Exporter
	Notifier  Notifier
	Artifacts Artifacts
	Logger    *log.Logger
	Now       func() time.Time
}

// Options carries the collaborators New cannot derive from the config.
type Options struct {
	Store      *storage.Store
	Registry   registry.Registry
	ScratchDir string
	Logger     *log.Logger
}

func New(db *sql.DB, cfg *config.Config, opts Options) Engine {
	r := repo.Repo{DB: db}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New(registry.Requests{Repo: r})
	}
	e := Engine{
		DB:       db,
		Repo:     r,
		Config:   cfg,
		Queue:    jobs.Queue{Repo: r},
		Mailer:   mailer.Outbox{DB: db, Logger: opts.Logger},
		Approval: approval.New(cfg, opts.Logger),
		Notifier: notify.New(cfg),
		Logger:   opts.Logger,
		Now:      time.Now,
	}
	if opts.Store != nil {
		e.Exporter = export.Builder{Registry: reg, Store: opts.Store, ScratchDir: opts.ScratchDir}
		e.Artifacts = opts.Store
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) queue() jobs.Queue {
	q := e.Queue
	if q.Now == nil {
		q.Now = e.now
	}
	return q
}

func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// CreateRequestOptions are parameters for opening a request.
type CreateRequestOptions struct {
	Owner       domain.Owner
	RequestedBy string
	ActorID     string
}

// CreateRequest opens a request in waiting_for_approval and, when approval is
// skipped by configuration, approves it straight away.
func (e Engine) CreateRequest(ctx context.Context, opts CreateRequestOptions) (domain.Request, error) {
	if e.Config == nil {
		return domain.Request{}, errors.New("config not loaded")
	}
	owner := opts.Owner
	owner.Type = strings.TrimSpace(owner.Type)
	owner.ID = strings.TrimSpace(owner.ID)
	if owner.Type == "" {
		return domain.Request{}, &ValidationError{Field: "owner.type", Message: "is required"}
	}
	if owner.ID == "" {
		return domain.Request{}, &ValidationError{Field: "owner.id", Message: "is required"}
	}
	requestedBy := strings.TrimSpace(opts.RequestedBy)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	dup := &DuplicateActiveRequestError{Field: "requested_by", Owner: owner, RequestedBy: requestedBy}
	n, err := e.Repo.CountActiveRequests(ctx, tx, owner, requestedBy)
	if err != nil {
		return domain.Request{}, err
	}
	if n > 0 {
		return domain.Request{}, dup
	}
	now := e.stamp()
	req := domain.Request{
		ID:          uuid.NewString(),
		Owner:       owner,
		RequestedBy: requestedBy,
		State:       lifecycle.StateWaitingForApproval,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		if errors.Is(err, repo.ErrActiveExists) {
			return domain.Request{}, dup
		}
		return domain.Request{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.eventWriter().Append(ctx, tx, events.RequestCreated, req.ID, opts.ActorID, events.EventPayload{
		"owner":        owner.Key(),
		"requested_by": requestedBy,
		"state":        string(req.State),
	}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}

	// committed: what follows must not depend on the caller staying connected
	ctx = context.WithoutCancel(ctx)
	e.sendMail(ctx, mailer.KindCreated, req)
	if e.Config.Approval.Skip {
		approved, err := e.Approve(ctx, req.ID, "system")
		if err != nil {
			e.logger().Printf("engine: auto-approve request %s: %v", req.ID, err)
			return e.Repo.GetRequest(ctx, req.ID)
		}
		return approved, nil
	}
	return req, nil
}

// followUp is a job stored in the same transaction as the transition that needs it.
type followUp struct {
	kind    string
	service string
	runAt   time.Time
}

// Approve moves a waiting request to pending with its export job queued, then runs the approval hook.
func (e Engine) Approve(ctx context.Context, id, actorID string) (domain.Request, error) {
	req, err := e.transition(ctx, id, lifecycle.EventApprove, actorID, nil,
		followUp{kind: jobs.KindBuildExport, runAt: e.now()})
	if err != nil {
		return req, err
	}
	if e.Approval != nil {
		ctx = context.WithoutCancel(ctx)
		if err := e.Approval.Approved(ctx, req, actorID); err != nil {
			e.effectFailed(ctx, req, "approval_hook", err)
		}
	}
	return req, nil
}

// Deny rejects a waiting request and notifies the owner.
func (e Engine) Deny(ctx context.Context, id, actorID string) (domain.Request, error) {
	req, err := e.transition(ctx, id, lifecycle.EventDeny, actorID, nil)
	if err != nil {
		return req, err
	}
	e.sendMail(context.WithoutCancel(ctx), mailer.KindDenied, req)
	return req, nil
}

func (e Engine) Cancel(ctx context.Context, id, actorID string) (domain.Request, error) {
	return e.transition(ctx, id, lifecycle.EventCancel, actorID, nil)
}

// Run starts a pending export and fans out one notification job per configured service.
func (e Engine) Run(ctx context.Context, id, actorID string) (domain.Request, error) {
	now := e.now()
	names := e.Config.ServiceNames()
	follow := make([]followUp, 0, len(names))
	for _, name := range names {
		follow = append(follow, followUp{kind: jobs.KindNotifyService, service: name, runAt: now})
	}
	return e.transition(ctx, id, lifecycle.EventRun, actorID, nil, follow...)
}

// Complete finishes a running export, sets its expiry and schedules artifact deletion.
func (e Engine) Complete(ctx context.Context, id, actorID string) (domain.Request, error) {
	expireAt := e.now().Add(e.Config.Expiry()).UTC()
	req, err := e.transition(ctx, id, lifecycle.EventComplete, actorID, func(r *domain.Request) {
		v := expireAt.Format(time.RFC3339)
		r.ExpireAt = &v
	}, followUp{kind: jobs.KindDeleteArtifact, runAt: expireAt})
	if err != nil {
		return req, err
	}
	e.sendMail(context.WithoutCancel(ctx), mailer.KindCompleted, req)
	return req, nil
}

// Fire applies a lifecycle event by name.
func (e Engine) Fire(ctx context.Context, id string, ev lifecycle.Event, actorID string) (domain.Request, error) {
	switch ev {
	case lifecycle.EventApprove:
		return e.Approve(ctx, id, actorID)
	case lifecycle.EventDeny:
		return e.Deny(ctx, id, actorID)
	case lifecycle.EventCancel:
		return e.Cancel(ctx, id, actorID)
	case lifecycle.EventRun:
		return e.Run(ctx, id, actorID)
	case lifecycle.EventComplete:
		return e.Complete(ctx, id, actorID)
	}
	return domain.Request{}, fmt.Errorf("unknown event %q", ev)
}

// transition validates and persists one edge of the state machine together with
// its follow-up jobs. The stored state is compared and swapped, so of two racing
// callers only one succeeds.
func (e Engine) transition(ctx context.Context, id string, ev lifecycle.Event, actorID string, mutate func(*domain.Request), follow ...followUp) (domain.Request, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.Request{}, err
	}
	from := req.State
	to, err := lifecycle.Transition(from, ev)
	if err != nil {
		return req, err
	}
	req.State = to
	req.UpdatedAt = e.stamp()
	if mutate != nil {
		mutate(&req)
	}
	if err := e.Repo.UpdateRequestState(ctx, tx, req, from); err != nil {
		if errors.Is(err, repo.ErrStateConflict) {
			return req, lifecycle.InvalidTransitionError{From: from, Event: ev}
		}
		return req, err
	}
	payload := events.EventPayload{"from": string(from), "to": string(to)}
	if req.ExpireAt != nil {
		payload["expire_at"] = *req.ExpireAt
	}
	if err := e.eventWriter().Append(ctx, tx, events.Transitioned(string(ev)), req.ID, actorID, payload); err != nil {
		return req, err
	}
	q := e.queue()
	for _, f := range follow {
		if _, _, err := q.EnqueueTx(ctx, tx, f.kind, req.ID, f.service, f.runAt); err != nil {
			return req, fmt.Errorf("enqueue %s: %w", f.kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	return req, nil
}

func (e Engine) sendMail(ctx context.Context, kind string, req domain.Request) {
	if e.Mailer == nil {
		return
	}
	if err := e.Mailer.SendMail(ctx, kind, req); err != nil {
		e.effectFailed(ctx, req, "mail:"+kind, err)
	}
}

// effectFailed logs a failed side effect and records it on the request.
func (e Engine) effectFailed(ctx context.Context, req domain.Request, effect string, cause error) {
	e.logger().Printf("engine: request %s: %s failed: %v", req.ID, effect, cause)
	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.eventWriter().Append(ctx, tx, events.RequestEffectFailed, req.ID, "system", events.EventPayload{
		"effect": effect,
		"state":  string(req.State),
		"error":  cause.Error(),
	}); err != nil {
		e.logger().Printf("engine: record effect failure for %s: %v", req.ID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.logger().Printf("engine: record effect failure for %s: %v", req.ID, err)
	}
}

// Attach stores the artifact handle on the request. A request holds at most one.
func (e Engine) Attach(ctx context.Context, id, ref, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetAttachment(ctx, tx, id, ref, e.stamp()); err != nil {
		return err
	}
	if err := e.eventWriter().Append(ctx, tx, events.RequestAttached, id, actorID, events.EventPayload{"ref": ref}); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearAttachment drops the artifact handle and reports whether one was set.
func (e Engine) ClearAttachment(ctx context.Context, id, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	cleared, err := e.Repo.ClearAttachment(ctx, tx, id, e.stamp())
	if err != nil || !cleared {
		return cleared, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.RequestAttachmentCleared, id, actorID, nil); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (e Engine) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return e.Repo.GetRequest(ctx, id)
}

func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilters) ([]domain.Request, error) {
	return e.Repo.ListRequests(ctx, f)
}

func (e Engine) RequestEvents(ctx context.Context, id string, limit int) ([]domain.Event, error) {
	if _, err := e.Repo.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, id, limit)
}

// Attachment returns the archive of a request and its file name.
func (e Engine) Attachment(ctx context.Context, id string) ([]byte, string, error) {
	req, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if req.AttachmentRef == "" || e.Artifacts == nil {
		return nil, "", repo.ErrNotFound
	}
	data, err := e.Artifacts.Get(ctx, req.AttachmentRef)
	if err != nil {
		return nil, "", err
	}
	return data, req.ID + ".zip", nil
}

func (e Engine) ListJobs(ctx context.Context, f repo.JobFilters) ([]domain.Job, error) {
	return e.Repo.ListJobs(ctx, f)
}

func (e Engine) RetryJob(ctx context.Context, id string) (domain.Job, error) {
	return e.queue().Retry(ctx, id)
}
