package domain

import "portability/internal/lifecycle"

// Owner is a polymorphic reference to the data subject.
type Owner struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Key identifies the owner independent of its attribute snapshot.
func (o Owner) Key() string {
	return o.Type + ":" + o.ID
}

type Request struct {
	ID            string          `json:"id"`
	Owner         Owner           `json:"owner"`
	RequestedBy   string          `json:"requested_by,omitempty"`
	State         lifecycle.State `json:"state" enum:"waiting_for_approval,pending,running,done,denied,canceled"`
	AttachmentRef string          `json:"attachment_ref,omitempty"`
	ExpireAt      *string         `json:"expire_at,omitempty" format:"date-time"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	UpdatedAt     string          `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

type Job struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id"`
	Service   string `json:"service,omitempty"`
	Status    string `json:"status" enum:"pending,running,done,failed"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	RunAt     string `json:"run_at" format:"date-time"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}
