package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opsgate.org/internal/policy"
)

// Validator decides whether a token reference authorizes a specific
// mutation and, on success, atomically marks the token consumed.
type Validator struct {
	store Store
	now   func() time.Time
}

// ValidatorOption configures Validator behavior.
type ValidatorOption func(*Validator)

// WithValidatorClock overrides the time source (useful for tests).
func WithValidatorClock(fn func() time.Time) ValidatorOption {
	return func(v *Validator) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewValidator constructs a Validator backed by the given store.
func NewValidator(store Store, opts ...ValidatorOption) *Validator {
	v := &Validator{store: store, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateAndConsume runs the short-circuiting check chain and, only when
// every check passes, attempts the atomic issued → consumed transition.
// Under concurrent attempts against the same token exactly one caller gets
// the token back; the rest observe ErrAlreadyConsumed.
func (v *Validator) ValidateAndConsume(ctx context.Context, tokenRef string, kind policy.Kind, targetID string, details map[string]any) (*AccessToken, error) {
	t, err := v.store.Find(ctx, tokenRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	switch t.Status {
	case StatusConsumed:
		return nil, ErrAlreadyConsumed
	case StatusRevoked:
		return nil, ErrRevoked
	}

	if v.now().After(t.ExpiresAt) {
		// An expired-but-unconsumed token must never become consumable
		// later; mark it revoked opportunistically.
		_, _ = v.store.Revoke(ctx, t.ID)
		return nil, ErrExpired
	}

	if t.Kind != kind {
		return nil, ErrScopeMismatch
	}
	if t.TargetID != targetID {
		return nil, ErrTargetMismatch
	}
	if !detailsMatch(t.Details, details) {
		return nil, ErrDetailsMismatch
	}

	ok, err := v.store.Consume(ctx, t.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		// Another caller won the consume race between our read and the
		// conditional transition.
		return nil, ErrAlreadyConsumed
	}
	t.Status = StatusConsumed
	return t, nil
}

// detailsMatch reports whether the request details cover everything the
// token was issued to authorize: every key carried by the token must be
// present in the request with an equal value. Extra request keys are
// allowed.
func detailsMatch(issued, requested map[string]any) bool {
	for k, want := range issued {
		got, ok := requested[k]
		if !ok || !valueEqual(want, got) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
