package engine

import (
	"fmt"

	"portability/internal/domain"
)

// ValidationError is a field-level input error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// DuplicateActiveRequestError is returned when the owner already has an active
// request from the same requester.
type DuplicateActiveRequestError struct {
	Field       string
	Owner       domain.Owner
	RequestedBy string
}

func (e *DuplicateActiveRequestError) Error() string {
	by := e.RequestedBy
	if by == "" {
		by = "the owner"
	}
	return fmt.Sprintf("%s: an active request by %s already exists for %s", e.Field, by, e.Owner.Key())
}
