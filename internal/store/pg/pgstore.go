package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"opsgate.org/internal/policy"
	"opsgate.org/internal/token"
)

// Store persists access tokens in PostgreSQL. Consume and Revoke are
// single conditional updates, so the issued → consumed transition is
// atomic against concurrent callers without any explicit locking.
type Store struct {
	db *sql.DB
}

var _ token.Store = (*Store)(nil)

// Open connects to PostgreSQL with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection pool (used by tests).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Create(ctx context.Context, t *token.AccessToken) error {
	details, err := json.Marshal(t.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into access_tokens(id, kind, target_id, details, issued_at, expires_at, status)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, t.ID, string(t.Kind), t.TargetID, details, t.IssuedAt, t.ExpiresAt, string(t.Status))
	return err
}

func (s *Store) Find(ctx context.Context, id string) (*token.AccessToken, error) {
	var (
		t       token.AccessToken
		kind    string
		status  string
		details []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, kind, target_id, details, issued_at, expires_at, status
		from access_tokens where id=$1
	`, id).Scan(&t.ID, &kind, &t.TargetID, &details, &t.IssuedAt, &t.ExpiresAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Kind = policy.Kind(kind)
	t.Status = token.Status(status)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &t.Details); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// Consume applies the compare-and-swap transition issued → consumed.
// Exactly one of any number of concurrent callers sees RowsAffected == 1.
func (s *Store) Consume(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, `
		update access_tokens
		set status = 'consumed', consumed_at = now()
		where id = $1 and status = 'issued'
	`)
}

// Revoke applies the conditional transition issued → revoked.
func (s *Store) Revoke(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, `
		update access_tokens
		set status = 'revoked', revoked_at = now()
		where id = $1 and status = 'issued'
	`)
}

func (s *Store) transition(ctx context.Context, id, stmt string) (bool, error) {
	res, err := s.db.ExecContext(ctx, stmt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// Distinguish a lost race from a missing row.
	var exists int
	err = s.db.QueryRowContext(ctx, `select 1 from access_tokens where id=$1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, token.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}
