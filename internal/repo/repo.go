package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"portability/internal/domain"
	"portability/internal/lifecycle"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is returned when a conditional state update matched no row
	// because another writer moved the request first.
	ErrStateConflict = errors.New("request state changed concurrently")
	// ErrActiveExists is returned when the active-request unique index rejects an insert.
	ErrActiveExists = errors.New("active request already exists")
	// ErrAttachmentSet is returned when an attachment is written twice.
	ErrAttachmentSet = errors.New("attachment already set")
	ErrJobNotFailed  = errors.New("only failed jobs can be retried")
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const requestColumns = `id,owner_type,owner_id,owner_attributes_json,requested_by,state,attachment_ref,expire_at,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (domain.Request, error) {
	var r domain.Request
	var attrs, attachment, expireAt sql.NullString
	var state string
	err := row.Scan(&r.ID, &r.Owner.Type, &r.Owner.ID, &attrs, &r.RequestedBy, &state, &attachment, &expireAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.State = lifecycle.State(state)
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &r.Owner.Attributes); err != nil {
			return r, fmt.Errorf("decode owner attributes: %w", err)
		}
	}
	if attachment.Valid {
		r.AttachmentRef = attachment.String
	}
	if expireAt.Valid {
		r.ExpireAt = &expireAt.String
	}
	return r, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	var attrs any
	if len(req.Owner.Attributes) > 0 {
		b, err := json.Marshal(req.Owner.Attributes)
		if err != nil {
			return err
		}
		attrs = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.Owner.Type, req.Owner.ID, attrs, req.RequestedBy, string(req.State),
		nullable(req.AttachmentRef), nullableStringPtr(req.ExpireAt), req.CreatedAt, req.UpdatedAt)
	if err != nil && isUniqueViolation(err) && strings.Contains(err.Error(), "requests.owner_type") {
		return ErrActiveExists
	}
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return getRequest(ctx, r.DB, id)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return getRequest(ctx, tx, id)
}

func getRequest(ctx context.Context, q querier, id string) (domain.Request, error) {
	return scanRequest(q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

// CountActiveRequests counts requests of the owner from the same requester that are still active.
func (r Repo) CountActiveRequests(ctx context.Context, tx *sql.Tx, owner domain.Owner, requestedBy string) (int, error) {
	active := lifecycle.ActiveStates()
	args := []any{owner.Type, owner.ID, requestedBy}
	marks := make([]string, 0, len(active))
	for _, s := range active {
		marks = append(marks, "?")
		args = append(args, string(s))
	}
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM requests WHERE owner_type=? AND owner_id=? AND requested_by=? AND state IN (`+strings.Join(marks, ",")+`)`, args...).Scan(&n)
	return n, err
}

// UpdateRequestState persists req.State, req.ExpireAt and req.UpdatedAt only if the stored
// state still equals from. A lost race surfaces as ErrStateConflict.
func (r Repo) UpdateRequestState(ctx context.Context, tx *sql.Tx, req domain.Request, from lifecycle.State) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET state=?, expire_at=?, updated_at=? WHERE id=? AND state=?`,
		string(req.State), nullableStringPtr(req.ExpireAt), req.UpdatedAt, req.ID, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getRequest(ctx, tx, req.ID); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

// SetAttachment stores the artifact handle; it never overwrites an existing one.
func (r Repo) SetAttachment(ctx context.Context, tx *sql.Tx, id, ref, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET attachment_ref=?, updated_at=? WHERE id=? AND attachment_ref IS NULL`, ref, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getRequest(ctx, tx, id); err != nil {
			return err
		}
		return ErrAttachmentSet
	}
	return nil
}

// ClearAttachment removes the artifact handle and reports whether there was one.
func (r Repo) ClearAttachment(ctx context.Context, tx *sql.Tx, id, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET attachment_ref=NULL, updated_at=? WHERE id=? AND attachment_ref IS NOT NULL`, updatedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := getRequest(ctx, tx, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

type RequestFilters struct {
	OwnerType       string
	OwnerID         string
	RequestedBy     *string
	State           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.OwnerType != "" {
		clauses = append(clauses, "owner_type=?")
		args = append(args, f.OwnerType)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.RequestedBy != nil {
		clauses = append(clauses, "requested_by=?")
		args = append(args, *f.RequestedBy)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// ListEvents returns the events of a request in append order.
func (r Repo) ListEvents(ctx context.Context, requestID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(request_id,''),actor_id,payload_json FROM events WHERE request_id=? ORDER BY id ASC`
	args := []any{requestID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RequestID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEvents counts events of the given type for a request.
func (r Repo) CountEvents(ctx context.Context, requestID, evtType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM events WHERE request_id=? AND type=?`, requestID, evtType).Scan(&n)
	return n, err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
