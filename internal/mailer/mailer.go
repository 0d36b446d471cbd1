package mailer

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"portability/internal/domain"
	"portability/internal/events"
)

// Notice kinds sent to the data subject.
const (
	KindCreated   = "created"
	KindDenied    = "denied"
	KindCompleted = "completed"
)

type Mailer interface {
	SendMail(ctx context.Context, kind string, req domain.Request) error
}

// Outbox records each notice in the request's event log and logs it.
// Delivery to a mail transport is left to whatever tails the event log.
type Outbox struct {
	DB     *sql.DB
	Events events.Writer
	Logger *log.Logger
}

func (o Outbox) SendMail(ctx context.Context, kind string, req domain.Request) error {
	switch kind {
	case KindCreated, KindDenied, KindCompleted:
	default:
		return fmt.Errorf("unknown mail kind %q", kind)
	}
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	payload := events.EventPayload{"owner": req.Owner.Key(), "state": string(req.State)}
	if req.ExpireAt != nil {
		payload["expire_at"] = *req.ExpireAt
	}
	if err := o.Events.Append(ctx, tx, events.Mail(kind), req.ID, "system", payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.logger().Printf("mailer: %s notice for request %s (%s)", kind, req.ID, req.Owner.Key())
	return nil
}

func (o Outbox) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}
