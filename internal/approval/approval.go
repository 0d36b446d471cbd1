// Package approval runs the configured callback once a request has been approved.
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"portability/internal/config"
	"portability/internal/domain"
)

const defaultTimeout = 5 * time.Second

type Hook interface {
	Approved(ctx context.Context, req domain.Request, actorID string) error
}

// New builds the hook selected by cfg.Approval.Hook; it returns nil when none is configured.
func New(cfg *config.Config, logger *log.Logger) Hook {
	if cfg == nil {
		return nil
	}
	switch cfg.Approval.Hook {
	case config.HookLog:
		return Log{Logger: logger}
	case config.HookWebhook:
		return Webhook{URL: cfg.Approval.HookURL, Client: &http.Client{Timeout: defaultTimeout}}
	default:
		return nil
	}
}

type Log struct {
	Logger *log.Logger
}

func (l Log) Approved(_ context.Context, req domain.Request, actorID string) error {
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	if actorID == "" {
		actorID = "system"
	}
	logger.Printf("approval: request %s for %s approved by %s", req.ID, req.Owner.Key(), actorID)
	return nil
}

type Webhook struct {
	URL    string
	Client *http.Client
}

type webhookBody struct {
	Type    string         `json:"type"`
	ActorID string         `json:"actor_id"`
	Request domain.Request `json:"request"`
}

// Approved posts the approved request as JSON. Any non-2xx reply is an error.
func (w Webhook) Approved(ctx context.Context, req domain.Request, actorID string) error {
	data, err := json.Marshal(webhookBody{Type: "request.approved", ActorID: actorID, Request: req})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Portability-Event", "request.approved")
	httpReq.Header.Set("X-Portability-Delivery", uuid.NewString())
	httpReq.Header.Set("X-Portability-Request", req.ID)
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("approval webhook status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
