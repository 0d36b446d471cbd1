package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"portability/internal/engine"
	"portability/internal/repo"
)

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List background jobs",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"pending,running,done,failed"`
		RequestID string `query:"request_id"`
		Kind      string `query:"kind"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body jobList `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		items, err := e.ListJobs(ctx, repo.JobFilters{
			Status:    input.Status,
			RequestID: input.RequestID,
			Kind:      input.Kind,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := jobList{Items: []JobResponse{}}
		for _, j := range items {
			resp.Items = append(resp.Items, jobResponse(j))
		}
		return &struct {
			Body jobList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/retry",
		Summary:     "Requeue a failed job",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		job, err := e.RetryJob(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})
}
