package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"portability/internal/config"
	"portability/internal/domain"
	"portability/internal/signature"
	"portability/internal/tracing"
)

const (
	DefaultTimeout = time.Minute
	maxBodyBytes   = 4096
)

var (
	ErrServiceUnauthorized    = errors.New("unauthorized by service")
	ErrServiceRejected        = errors.New("rejected by service")
	ErrServiceInternalError   = errors.New("service internal error")
	ErrServiceUnhandledStatus = errors.New("unhandled service response")
	ErrUnknownService         = errors.New("unknown service")
	ErrMissingIdentifier      = errors.New("owner has no identifier")
)

// Outcome of a notification that did not fail.
const (
	StatusOK       = "ok"
	StatusNotFound = "not_found"
	StatusSkipped  = "skipped"
)

type Result struct {
	Service    string `json:"service"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
}

// ServiceError is a fatal per-service outcome. Kind is one of the ErrService* sentinels.
type ServiceError struct {
	Service    string
	StatusCode int
	Body       string
	Kind       error
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("service %s: %v (status %d)", e.Service, e.Kind, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *ServiceError) Unwrap() error { return e.Kind }

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

type Dispatcher struct {
	Config *config.Config
	Client Doer
}

func New(cfg *config.Config) Dispatcher {
	return Dispatcher{Config: cfg, Client: &http.Client{Timeout: DefaultTimeout}}
}

// Identifier resolves the configured identifier accessor against the owner.
// "id" selects the owner id; any other name reads the owner attribute of that name.
func Identifier(cfg *config.Config, owner domain.Owner) (string, error) {
	name := strings.TrimSpace(cfg.Identifier)
	var v string
	if name == "id" {
		v = owner.ID
	} else {
		v = owner.Attributes[name]
	}
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %q on %s", ErrMissingIdentifier, name, owner.Key())
	}
	return v, nil
}

// Notify posts the signed owner identifier to the named service and classifies the reply.
// A service without a host is skipped without any network call.
func (d Dispatcher) Notify(ctx context.Context, req domain.Request, service string) (Result, error) {
	svc, ok := d.Config.Service(service)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	if strings.TrimSpace(svc.Host) == "" {
		return Result{Service: service, Status: StatusSkipped}, nil
	}
	ident, err := Identifier(d.Config, req.Owner)
	if err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(signature.NewPayload(ident, svc.Token))
	if err != nil {
		return Result{}, err
	}
	endpoint := strings.TrimRight(svc.Host, "/") + d.Config.NotificationPath

	ctx, span := tracing.StartSpan(ctx, "notify "+service, "CLIENT")
	span.WithAttributes(map[string]string{"service": service, "request.id": req.ID, "http.url": endpoint})
	res, err := d.post(ctx, endpoint, body)
	if err != nil {
		tracing.EndSpan(span, err)
		return Result{}, fmt.Errorf("notify %s: %w", service, err)
	}
	span.SetStatusFromHTTPCode(res.StatusCode)
	result, err := classify(service, res)
	tracing.EndSpan(span, err)
	return result, err
}

func (d Dispatcher) post(ctx context.Context, endpoint string, body []byte) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	return &response{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(data))}, nil
}

type response struct {
	StatusCode int
	Body       string
}

func classify(service string, res *response) (Result, error) {
	code := res.StatusCode
	switch {
	case code >= 200 && code < 300:
		return Result{Service: service, Status: StatusOK, StatusCode: code, Body: res.Body}, nil
	case code == http.StatusNotFound:
		return Result{Service: service, Status: StatusNotFound, StatusCode: code, Body: res.Body}, nil
	case code == http.StatusUnauthorized:
		return Result{}, &ServiceError{Service: service, StatusCode: code, Kind: ErrServiceUnauthorized}
	case code == http.StatusUnprocessableEntity:
		return Result{}, &ServiceError{Service: service, StatusCode: code, Body: res.Body, Kind: ErrServiceRejected}
	case code >= 500 && code < 600:
		return Result{}, &ServiceError{Service: service, StatusCode: code, Body: res.Body, Kind: ErrServiceInternalError}
	default:
		return Result{}, &ServiceError{Service: service, StatusCode: code, Body: res.Body, Kind: ErrServiceUnhandledStatus}
	}
}
