package token

import (
	"context"
	"errors"
	"time"

	"opsgate.org/internal/policy"
)

// Status is the lifecycle state of an access token. Consumption and
// revocation are one-way; a token never becomes usable again.
type Status string

const (
	StatusIssued   Status = "issued"
	StatusConsumed Status = "consumed"
	StatusRevoked  Status = "revoked"
)

// AccessToken authorizes exactly one operation kind against exactly one
// target resource. Kind and TargetID are immutable after issuance.
type AccessToken struct {
	ID        string         `json:"id"`
	Kind      policy.Kind    `json:"kind"`
	TargetID  string         `json:"target_id"`
	Details   map[string]any `json:"details,omitempty"`
	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Status    Status         `json:"status"`
}

// Store persists access tokens. Consume and Revoke are conditional
// single-statement transitions against the issued state, never a
// read-then-write sequence; they return false when the precondition no
// longer held.
type Store interface {
	Create(ctx context.Context, t *AccessToken) error
	Find(ctx context.Context, id string) (*AccessToken, error)
	Consume(ctx context.Context, id string) (bool, error)
	Revoke(ctx context.Context, id string) (bool, error)
}

var (
	ErrInvalidTTL      = errors.New("token: ttl must be greater than zero")
	ErrNotFound        = errors.New("token: not found")
	ErrAlreadyConsumed = errors.New("token: already consumed")
	ErrRevoked         = errors.New("token: revoked")
	ErrExpired         = errors.New("token: expired")
	ErrScopeMismatch   = errors.New("token: operation kind mismatch")
	ErrTargetMismatch  = errors.New("token: target mismatch")
	ErrDetailsMismatch = errors.New("token: details mismatch")

	// ErrStorageUnavailable wraps transient backing-store failures. The
	// consume path is idempotent with respect to retries, so callers may
	// retry after seeing it.
	ErrStorageUnavailable = errors.New("token: storage unavailable")
)
