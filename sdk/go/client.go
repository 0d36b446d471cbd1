package portabilitysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal portability HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Owner struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Request represents the API request model.
type Request struct {
	ID            string  `json:"id"`
	Owner         Owner   `json:"owner"`
	RequestedBy   string  `json:"requested_by,omitempty"`
	State         string  `json:"state"`
	HasAttachment bool    `json:"has_attachment"`
	ExpireAt      *string `json:"expire_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// Event represents one entry of a request's history.
type Event struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts"`
	Type    string          `json:"type"`
	ActorID string          `json:"actor_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Job struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id"`
	Service   string `json:"service,omitempty"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	RunAt     string `json:"run_at"`
	UpdatedAt string `json:"updated_at"`
}

// PaginatedRequests wraps list responses with cursors.
type PaginatedRequests struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// ListOptions filters GET /requests. Zero values are omitted.
type ListOptions struct {
	OwnerType   string
	OwnerID     string
	RequestedBy string
	State       string
	Limit       int
	Cursor      string
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRequest opens a request. requestedBy and owner attributes are only honored for admin
// tokens; other callers send their own {type: "user", id} and the token supplies the attributes.
func (c *Client) CreateRequest(ctx context.Context, owner Owner, requestedBy string) (Request, error) {
	body := map[string]any{"owner": owner}
	if requestedBy != "" {
		body["requested_by"] = requestedBy
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", body, &resp)
	return resp, err
}

func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRequests returns one page of requests, newest first.
func (c *Client) ListRequests(ctx context.Context, opts ListOptions) (PaginatedRequests, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"owner_type":   opts.OwnerType,
		"owner_id":     opts.OwnerID,
		"requested_by": opts.RequestedBy,
		"state":        opts.State,
		"cursor":       opts.Cursor,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	endpoint := "requests"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, id string) (Request, error) {
	return c.transition(ctx, id, "approve")
}

func (c *Client) Deny(ctx context.Context, id string) (Request, error) {
	return c.transition(ctx, id, "deny")
}

func (c *Client) Cancel(ctx context.Context, id string) (Request, error) {
	return c.transition(ctx, id, "cancel")
}

// Events returns the request history in append order.
func (c *Client) Events(ctx context.Context, id string) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id)+"/events", nil, &resp)
	return resp.Items, err
}

// Download fetches the export archive of a finished request.
func (c *Client) Download(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, "requests/"+url.PathEscape(id)+"/attachment", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Jobs lists background jobs (admin only).
func (c *Client) Jobs(ctx context.Context, status string) ([]Job, error) {
	endpoint := "jobs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Job `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// RetryJob requeues a failed job (admin only).
func (c *Client) RetryJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(id)+"/retry", nil, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, id, action string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%s/%s", url.PathEscape(id), action), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	resp, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
