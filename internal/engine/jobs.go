package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portability/internal/config"
	"portability/internal/domain"
	"portability/internal/events"
	"portability/internal/jobs"
	"portability/internal/lifecycle"
	"portability/internal/repo"
)

// Handlers maps each job kind to the engine operation that runs it.
func (e Engine) Handlers() map[string]jobs.Handler {
	return map[string]jobs.Handler{
		jobs.KindBuildExport:    e.HandleExport,
		jobs.KindNotifyService:  e.HandleNotify,
		jobs.KindDeleteArtifact: e.HandleDelete,
	}
}

// NewWorker returns a worker that runs this engine's jobs with the configured pool size.
func (e Engine) NewWorker() *jobs.Worker {
	w := &jobs.Worker{
		Repo:     e.Repo,
		Handlers: e.Handlers(),
		Logger:   e.Logger,
		Now:      e.Now,
	}
	if e.Config != nil {
		w.Concurrency = e.Config.Worker.Concurrency
		w.PollInterval = e.Config.Worker.PollInterval.Duration
		w.StaleAfter = e.Config.Worker.StaleAfter.Duration
	} else {
		w.Concurrency = config.DefaultConcurrency
		w.PollInterval = time.Second
	}
	return w
}

// HandleExport moves the request to running if needed, builds and attaches the
// archive, then completes the request. Redelivery of a finished job is a no-op.
func (e Engine) HandleExport(ctx context.Context, job domain.Job) error {
	req, err := e.Repo.GetRequest(ctx, job.RequestID)
	if err != nil {
		return err
	}
	switch req.State {
	case lifecycle.StateDone:
		return nil
	case lifecycle.StatePending:
		if req, err = e.Run(ctx, req.ID, "system"); err != nil {
			var ite lifecycle.InvalidTransitionError
			if !errors.As(err, &ite) {
				return err
			}
			if req, err = e.Repo.GetRequest(ctx, job.RequestID); err != nil {
				return err
			}
			if req.State != lifecycle.StateRunning {
				return fmt.Errorf("request %s is %s, cannot export", req.ID, req.State)
			}
		}
	case lifecycle.StateRunning:
	default:
		return fmt.Errorf("request %s is %s, cannot export", req.ID, req.State)
	}

	if req.AttachmentRef == "" {
		if e.Exporter == nil {
			return errors.New("no exporter configured")
		}
		art, err := e.Exporter.Build(ctx, req)
		if err != nil {
			return err
		}
		if err := e.Attach(ctx, req.ID, art.Ref, "system"); err != nil {
			if !errors.Is(err, repo.ErrAttachmentSet) {
				return err
			}
			// another delivery attached first; drop the duplicate archive
			if e.Artifacts != nil {
				if derr := e.Artifacts.Delete(ctx, art.Ref); derr != nil {
					e.logger().Printf("engine: drop duplicate artifact %s: %v", art.Ref, derr)
				}
			}
		}
	}

	if _, err := e.Complete(ctx, req.ID, "system"); err != nil {
		var ite lifecycle.InvalidTransitionError
		if errors.As(err, &ite) && ite.From == lifecycle.StateDone {
			return nil
		}
		return err
	}
	return nil
}

// HandleNotify notifies one service. A fatal service outcome fails only this job.
func (e Engine) HandleNotify(ctx context.Context, job domain.Job) error {
	req, err := e.Repo.GetRequest(ctx, job.RequestID)
	if err != nil {
		return err
	}
	if e.Notifier == nil {
		return errors.New("no notifier configured")
	}
	res, err := e.Notifier.Notify(ctx, req, job.Service)
	if err != nil {
		e.logger().Printf("notify: request %s service %s: %v", req.ID, job.Service, err)
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.eventWriter().Append(ctx, tx, events.ServiceNotified, req.ID, "system", events.EventPayload{
		"service":     job.Service,
		"status":      res.Status,
		"status_code": res.StatusCode,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// HandleDelete removes the expired artifact and clears the handle. Running it
// again after success changes nothing.
func (e Engine) HandleDelete(ctx context.Context, job domain.Job) error {
	req, err := e.Repo.GetRequest(ctx, job.RequestID)
	if err != nil {
		return err
	}
	if req.AttachmentRef == "" {
		return nil
	}
	if e.Artifacts != nil {
		if err := e.Artifacts.Delete(ctx, req.AttachmentRef); err != nil {
			return err
		}
	}
	_, err = e.ClearAttachment(ctx, req.ID, "system")
	return err
}
