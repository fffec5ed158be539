package grants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"custodia.org/internal/docs"
	"custodia.org/internal/ids"
)

// PGStore implements Service using PostgreSQL. Decide and lazy expiry are
// conditional updates so concurrent writers cannot double-transition a
// request.
type PGStore struct {
	db       *sql.DB
	registry docs.Registry
	now      func() time.Time
}

var _ Service = (*PGStore)(nil)

// PGOption configures PGStore.
type PGOption func(*PGStore)

// WithPGClock overrides the time source (useful for tests).
func WithPGClock(fn func() time.Time) PGOption {
	return func(s *PGStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB, registry docs.Registry, opts ...PGOption) *PGStore {
	s := &PGStore{db: db, registry: registry, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const requestColumns = `id, entity_id, subject_id, purpose, status, requested_at, decided_at, coalesce(decision_note,'')`

func (s *PGStore) Create(ctx context.Context, entityID, subjectID, purpose string, itemIDs []string) (AccessRequest, error) {
	items, err := validateCreate(ctx, s.registry, entityID, subjectID, purpose, itemIDs)
	if err != nil {
		return AccessRequest{}, err
	}

	req := AccessRequest{
		ID:          ids.New(),
		EntityID:    entityID,
		SubjectID:   subjectID,
		Purpose:     strings.TrimSpace(purpose),
		Status:      StatusPending,
		RequestedAt: s.now().UTC(),
		Items:       items,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AccessRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into access_requests(id, entity_id, subject_id, purpose, status, requested_at)
		values ($1,$2,$3,$4,$5,$6)
	`, req.ID, req.EntityID, req.SubjectID, req.Purpose, string(req.Status), req.RequestedAt); err != nil {
		return AccessRequest{}, err
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			insert into access_request_items(request_id, document_id) values ($1,$2)
		`, req.ID, item); err != nil {
			return AccessRequest{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return AccessRequest{}, err
	}
	return req, nil
}

func (s *PGStore) ListForEntity(ctx context.Context, entityID string, limit, offset int) ([]AccessRequest, error) {
	return s.listBy(ctx, "entity_id", entityID, limit, offset)
}

func (s *PGStore) ListForSubject(ctx context.Context, subjectID string, limit, offset int) ([]AccessRequest, error) {
	return s.listBy(ctx, "subject_id", subjectID, limit, offset)
}

func (s *PGStore) listBy(ctx context.Context, column, value string, limit, offset int) ([]AccessRequest, error) {
	limit = normalizeLimit(limit)
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select `+requestColumns+`
		from access_requests
		where %s = $1
		order by requested_at desc, id desc
		limit $2 offset $3
	`, column), value, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccessRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		items, err := s.itemsFor(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Items = items
	}
	return out, nil
}

func (s *PGStore) Decide(ctx context.Context, requestID, subjectID string, approve bool, note string) (AccessRequest, error) {
	status := StatusRejected
	if approve {
		status = StatusApproved
	}
	decidedAt := s.now().UTC()

	// Conditional update: first writer wins, the second sees zero rows.
	res, err := s.db.ExecContext(ctx, `
		update access_requests
		set status=$3, decided_at=$4, decision_note=nullif($5,'')
		where id=$1 and subject_id=$2 and status='PENDING'
	`, requestID, subjectID, string(status), decidedAt, strings.TrimSpace(note))
	if err != nil {
		return AccessRequest{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AccessRequest{}, err
	}
	if n == 0 {
		req, err := s.find(ctx, requestID)
		if err != nil || req.SubjectID != subjectID {
			return AccessRequest{}, ErrNotFound
		}
		return AccessRequest{}, ErrInvalidState
	}
	return s.find(ctx, requestID)
}

func (s *PGStore) ResolveGrantedResource(ctx context.Context, entityID, requestID, itemID string) (docs.Document, error) {
	req, err := s.find(ctx, requestID)
	if err != nil || req.EntityID != entityID {
		return docs.Document{}, ErrUnauthorized
	}

	if req.Status == StatusApproved && req.DecidedAt != nil && !s.now().Before(req.DecidedAt.Add(ValidityWindow)) {
		// Lazy expiry: flip on read, conditionally so racing readers agree.
		if _, err := s.db.ExecContext(ctx, `
			update access_requests set status='EXPIRED' where id=$1 and status='APPROVED'
		`, requestID); err != nil {
			return docs.Document{}, err
		}
		req.Status = StatusExpired
	}
	if req.Status != StatusApproved {
		return docs.Document{}, fmt.Errorf("%w: grant expired or not approved", ErrInvalidState)
	}
	if !req.HasItem(itemID) {
		return docs.Document{}, ErrNotFound
	}

	doc, err := s.registry.Find(ctx, itemID)
	if err != nil {
		return docs.Document{}, ErrNotFound
	}
	return doc, nil
}

func (s *PGStore) find(ctx context.Context, requestID string) (AccessRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+requestColumns+` from access_requests where id=$1
	`, requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AccessRequest{}, ErrNotFound
	}
	if err != nil {
		return AccessRequest{}, err
	}
	items, err := s.itemsFor(ctx, requestID)
	if err != nil {
		return AccessRequest{}, err
	}
	req.Items = items
	return req, nil
}

func (s *PGStore) itemsFor(ctx context.Context, requestID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select document_id from access_request_items where request_id=$1 order by document_id
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (AccessRequest, error) {
	var (
		req       AccessRequest
		status    string
		decidedAt sql.NullTime
	)
	if err := row.Scan(&req.ID, &req.EntityID, &req.SubjectID, &req.Purpose,
		&status, &req.RequestedAt, &decidedAt, &req.DecisionNote); err != nil {
		return AccessRequest{}, err
	}
	req.Status = Status(status)
	if decidedAt.Valid {
		ts := decidedAt.Time
		req.DecidedAt = &ts
	}
	return req, nil
}
