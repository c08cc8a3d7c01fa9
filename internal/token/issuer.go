package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsgate.org/internal/ids"
	"opsgate.org/internal/policy"
)

// Issuer creates operation-scoped access tokens. The role check deciding
// who may approve a given kind belongs to the identity layer and happens
// before Issue is called.
type Issuer struct {
	store Store
	now   func() time.Time
	ttl   time.Duration
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer)

// WithDefaultTTL overrides the token lifetime applied when a request does
// not specify one.
func WithDefaultTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

const defaultTTL = 10 * time.Minute

// NewIssuer constructs an Issuer backed by the given store.
func NewIssuer(store Store, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		store: store,
		now:   time.Now,
		ttl:   defaultTTL,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// DefaultTTL returns the lifetime applied when a ttl of zero is requested
// at the transport layer.
func (i *Issuer) DefaultTTL() time.Duration { return i.ttl }

// Issue records and returns a token scoped to exactly one kind and target.
// The token is durably recorded before being returned, so a crash between
// issuance and first use cannot resurrect a phantom token.
func (i *Issuer) Issue(ctx context.Context, kind policy.Kind, targetID string, details map[string]any, ttl time.Duration) (*AccessToken, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, fmt.Errorf("target id is required")
	}

	now := i.now().UTC()
	t := &AccessToken{
		ID:        ids.New(),
		Kind:      kind,
		TargetID:  targetID,
		Details:   details,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Status:    StatusIssued,
	}
	if err := i.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return t, nil
}

// Lookup returns the current state of a token.
func (i *Issuer) Lookup(ctx context.Context, id string) (*AccessToken, error) {
	t, err := i.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return t, nil
}

// Revoke permanently invalidates an unused token. Revoking an already
// revoked token is a no-op; a consumed token cannot be revoked.
func (i *Issuer) Revoke(ctx context.Context, id string) error {
	t, err := i.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	switch t.Status {
	case StatusConsumed:
		return ErrAlreadyConsumed
	case StatusRevoked:
		return nil
	}
	ok, err := i.store.Revoke(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		// Lost the race against a concurrent consume.
		return ErrAlreadyConsumed
	}
	return nil
}
