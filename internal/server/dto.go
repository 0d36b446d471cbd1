package server

import (
	"encoding/json"

	"portability/internal/domain"
)

// Request payloads

type OwnerRequest struct {
	Type       string            `json:"type" example:"user"`
	ID         string            `json:"id" example:"42"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type CreateRequestRequest struct {
	Owner       OwnerRequest `json:"owner"`
	RequestedBy *string      `json:"requested_by,omitempty"`
}

// Response payloads

type RequestResponse struct {
	ID            string       `json:"id"`
	Owner         OwnerRequest `json:"owner"`
	RequestedBy   string       `json:"requested_by,omitempty"`
	State         string       `json:"state" enum:"waiting_for_approval,pending,running,done,denied,canceled"`
	HasAttachment bool         `json:"has_attachment"`
	ExpireAt      *string      `json:"expire_at,omitempty" format:"date-time"`
	CreatedAt     string       `json:"created_at" format:"date-time"`
	UpdatedAt     string       `json:"updated_at" format:"date-time"`
}

type paginatedRequests struct {
	Items      []RequestResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

type JobResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind" enum:"notify_service,build_and_complete_export,delete_artifact"`
	RequestID string `json:"request_id"`
	Service   string `json:"service,omitempty"`
	Status    string `json:"status" enum:"pending,running,done,failed"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	RunAt     string `json:"run_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type jobList struct {
	Items []JobResponse `json:"items"`
}

func requestResponse(r domain.Request) RequestResponse {
	return RequestResponse{
		ID: r.ID,
		Owner: OwnerRequest{
			Type:       r.Owner.Type,
			ID:         r.Owner.ID,
			Attributes: r.Owner.Attributes,
		},
		RequestedBy:   r.RequestedBy,
		State:         string(r.State),
		HasAttachment: r.AttachmentRef != "",
		ExpireAt:      r.ExpireAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	out := EventResponse{ID: e.ID, TS: e.TS, Type: e.Type, ActorID: e.ActorID}
	if e.Payload != "" {
		if json.Valid([]byte(e.Payload)) {
			out.Payload = json.RawMessage(e.Payload)
		} else {
			out.PayloadRaw = e.Payload
		}
	}
	return out
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{
		ID:        j.ID,
		Kind:      j.Kind,
		RequestID: j.RequestID,
		Service:   j.Service,
		Status:    j.Status,
		Attempts:  j.Attempts,
		LastError: j.LastError,
		RunAt:     j.RunAt,
		UpdatedAt: j.UpdatedAt,
	}
}
