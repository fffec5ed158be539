package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"custodia.org/internal/ids"
)

// PGStore implements AccountStore using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

var _ AccountStore = (*PGStore)(nil)

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const accountColumns = `id, email, password_hash, role, status, display_name,
	identity_type, identity_number, entity_id,
	totp_secret, totp_offset, totp_confirmed_at, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, a *Account) error {
	if a == nil || a.Email == "" {
		return ErrInvalidInput
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	a.Email = normalizeEmail(a.Email)
	_, err := s.db.ExecContext(ctx, `
		insert into accounts(id, email, password_hash, role, status, display_name,
			identity_type, identity_number, entity_id)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.ID, a.Email, a.PasswordHash, string(a.Role), a.Status, a.DisplayName,
		a.IdentityType, a.IdentityNumber, a.EntityID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func (s *PGStore) Find(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where id=$1`, id)
	return scanAccount(row)
}

func (s *PGStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where email=$1`, normalizeEmail(email))
	return scanAccount(row)
}

func (s *PGStore) SetSecondFactor(ctx context.Context, id, secret string, offset int, confirmedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update accounts
		set totp_secret=$2, totp_offset=$3, totp_confirmed_at=$4, updated_at=now()
		where id=$1
	`, id, secret, offset, confirmedAt.UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) ClearSecondFactor(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update accounts
		set totp_secret='', totp_offset=0, totp_confirmed_at=null, updated_at=now()
		where id=$1
	`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanAccount(row *sql.Row) (*Account, error) {
	var (
		a           Account
		role        string
		confirmedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &role, &a.Status, &a.DisplayName,
		&a.IdentityType, &a.IdentityNumber, &a.EntityID,
		&a.TOTPSecret, &a.TOTPOffset, &confirmedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Role = Role(role)
	if confirmedAt.Valid {
		ts := confirmedAt.Time
		a.TOTPConfirmedAt = &ts
	}
	return &a, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
