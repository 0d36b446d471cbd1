package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"portability/internal/domain"
	"portability/internal/engine"
	"portability/internal/lifecycle"
	"portability/internal/repo"
)

type requestPath struct {
	ID string `path:"id"`
}

type requestOutput struct {
	Body RequestResponse `json:"body"`
}

var requestErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

// loadVisible fetches a request the caller may see.
func loadVisible(ctx context.Context, e engine.Engine, id string) (Principal, domain.Request, error) {
	p, authErr := principalFromContext(ctx)
	if authErr != nil {
		return p, domain.Request{}, authErr
	}
	req, err := e.GetRequest(ctx, id)
	if err != nil {
		return p, req, handleError(err)
	}
	if err := requireAccess(p, req); err != nil {
		return p, req, err
	}
	return p, req, nil
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Open a data portability request",
		DefaultStatus: http.StatusCreated,
		Errors:        requestErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest `json:"body"`
	}) (*requestOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateRequestOptions{
			Owner: domain.Owner{
				Type:       input.Body.Owner.Type,
				ID:         input.Body.Owner.ID,
				Attributes: input.Body.Owner.Attributes,
			},
			ActorID: p.ActorID,
		}
		if p.IsAdmin() {
			if input.Body.RequestedBy != nil {
				opts.RequestedBy = *input.Body.RequestedBy
			} else if strings.TrimSpace(input.Body.Owner.ID) != p.ActorID {
				opts.RequestedBy = p.ActorID
			}
		} else {
			if strings.TrimSpace(input.Body.Owner.Type) != SubjectOwnerType {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "owners may only request their own data", map[string]any{"field": "owner.type"})
			}
			if strings.TrimSpace(input.Body.Owner.ID) != p.ActorID {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "owners may only request their own data", map[string]any{"field": "owner.id"})
			}
			if len(input.Body.Owner.Attributes) > 0 {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "owner attributes are taken from the access token", map[string]any{"field": "owner.attributes"})
			}
			if input.Body.RequestedBy != nil && *input.Body.RequestedBy != "" {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "requested_by is reserved for admins", map[string]any{"field": "requested_by"})
			}
			opts.Owner = p.Owner()
		}
		req, err := e.CreateRequest(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		OwnerType   string `query:"owner_type"`
		OwnerID     string `query:"owner_id"`
		RequestedBy string `query:"requested_by"`
		State       string `query:"state" enum:"waiting_for_approval,pending,running,done,denied,canceled"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		f := repo.RequestFilters{
			OwnerType:       input.OwnerType,
			OwnerID:         input.OwnerID,
			State:           input.State,
			Limit:           limit + 1,
			CursorCreatedAt: ts,
			CursorID:        id,
		}
		if input.RequestedBy != "" {
			f.RequestedBy = &input.RequestedBy
		}
		if !p.IsAdmin() {
			f.OwnerType = SubjectOwnerType
			f.OwnerID = p.ActorID
		}
		items, err := e.ListRequests(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRequests{Items: []RequestResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		for _, r := range items {
			resp.Items = append(resp.Items, requestResponse(r))
		}
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get a request",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*requestOutput, error) {
		_, req, err := loadVisible(ctx, e, input.ID)
		if err != nil {
			return nil, err
		}
		return &requestOutput{Body: requestResponse(req)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	type transition struct {
		event     lifecycle.Event
		path      string
		summary   string
		adminOnly bool
	}
	for _, t := range []transition{
		{event: lifecycle.EventApprove, path: "approve", summary: "Approve a waiting request", adminOnly: true},
		{event: lifecycle.EventDeny, path: "deny", summary: "Deny a waiting request", adminOnly: true},
		{event: lifecycle.EventCancel, path: "cancel", summary: "Cancel a waiting request"},
	} {
		huma.Register(api, huma.Operation{
			OperationID: t.path + "-request",
			Method:      http.MethodPost,
			Path:        "/requests/{id}/" + t.path,
			Summary:     t.summary,
			Errors:      requestErrors,
		}, func(ctx context.Context, input *requestPath) (*requestOutput, error) {
			var p Principal
			if t.adminOnly {
				var authErr huma.StatusError
				if p, authErr = requireAdmin(ctx); authErr != nil {
					return nil, authErr
				}
			} else {
				var err error
				if p, _, err = loadVisible(ctx, e, input.ID); err != nil {
					return nil, err
				}
			}
			req, err := e.Fire(ctx, input.ID, t.event, p.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &requestOutput{Body: requestResponse(req)}, nil
		})
	}
}

func registerAttachment(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "download-attachment",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/attachment",
		Summary:     "Download the export archive",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		if _, _, err := loadVisible(ctx, e, input.ID); err != nil {
			return nil, err
		}
		data, name, err := e.Attachment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "application/zip",
			ContentDisposition: `attachment; filename="` + name + `"`,
			Body:               data,
		}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-request-events",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/events",
		Summary:     "Event history of a request",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"200"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		if _, _, err := loadVisible(ctx, e, input.ID); err != nil {
			return nil, err
		}
		items, err := e.RequestEvents(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := eventList{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: resp}, nil
	})
}
