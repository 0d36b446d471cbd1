package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the request log.
const (
	RequestCreated           = "request.created"
	RequestAttached          = "request.attached"
	RequestAttachmentCleared = "request.attachment_cleared"
	RequestEffectFailed      = "request.effect_failed"
	ServiceNotified          = "service.notified"
)

var transitioned = map[string]string{
	"approve":  "approved",
	"cancel":   "canceled",
	"deny":     "denied",
	"run":      "started",
	"complete": "completed",
}

// Transitioned returns the event type recorded for a lifecycle event, e.g. "request.approved".
func Transitioned(event string) string {
	if past, ok := transitioned[event]; ok {
		return "request." + past
	}
	return "request." + event
}

// Mail returns the event type recorded for a sent notice, e.g. "mail.denied".
func Mail(kind string) string {
	return "mail." + kind
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, requestID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,request_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(requestID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
