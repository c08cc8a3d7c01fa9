package authz

import (
	"context"
	"testing"
	"time"

	"opsgate.org/internal/policy"
	"opsgate.org/internal/token"
)

type fixture struct {
	authorizer *Validator
	issuer     *token.Issuer
	store      *token.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := token.NewMemoryStore()
	authorizer, err := NewValidator(policy.NewRegistry(), token.NewValidator(store))
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return &fixture{
		authorizer: authorizer,
		issuer:     token.NewIssuer(store),
		store:      store,
	}
}

func (f *fixture) mustIssue(t *testing.T, kind policy.Kind, target string, details map[string]any) *token.AccessToken {
	t.Helper()
	tok, err := f.issuer.Issue(context.Background(), kind, target, details, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func expectFailure(t *testing.T, err error, reason Reason, field string) *Failure {
	t.Helper()
	if err == nil {
		t.Fatalf("expected failure %s, got approval", reason)
	}
	fail, ok := AsFailure(err)
	if !ok {
		t.Fatalf("expected *Failure, got %T: %v", err, err)
	}
	if fail.Reason != reason {
		t.Fatalf("reason = %s, want %s (%v)", fail.Reason, reason, fail)
	}
	if field != "" && fail.Field != field {
		t.Fatalf("field = %q, want %q", fail.Field, field)
	}
	return fail
}

func TestAuthorizeUnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.authorizer.Authorize(context.Background(), OperationRequest{
		Kind:     "payroll_adjustment",
		TargetID: "emp-1",
		Fields:   policy.Fields{},
	})
	expectFailure(t, err, ReasonUnknownOperationKind, "")
}

func TestAuthorizeMissingTarget(t *testing.T) {
	f := newFixture(t)
	_, err := f.authorizer.Authorize(context.Background(), OperationRequest{
		Kind:   policy.KindStatusChange,
		Fields: policy.Fields{"newStatus": "inactive"},
	})
	expectFailure(t, err, ReasonMissingRequiredField, "target_id")
}

func TestAuthorizeMissingRequiredField(t *testing.T) {
	f := newFixture(t)
	_, err := f.authorizer.Authorize(context.Background(), OperationRequest{
		Kind:     policy.KindStatusChange,
		TargetID: "emp-1",
		Fields:   policy.Fields{},
	})
	expectFailure(t, err, ReasonMissingRequiredField, "newStatus")
}

func TestAuthorizeQuantityMustBePositiveInteger(t *testing.T) {
	f := newFixture(t)
	for _, qty := range []any{0, -3, 2.5, "five"} {
		_, err := f.authorizer.Authorize(context.Background(), OperationRequest{
			Kind:     policy.KindStockIn,
			TargetID: "wh-1",
			Fields:   policy.Fields{"quantity": qty},
		})
		expectFailure(t, err, ReasonMissingRequiredField, "quantity")
	}
}

func TestAuthorizeStockInNeedsNoToken(t *testing.T) {
	f := newFixture(t)
	decision, err := f.authorizer.Authorize(context.Background(), OperationRequest{
		Kind:     policy.KindStockIn,
		TargetID: "wh-1",
		Fields:   policy.Fields{"quantity": float64(10)},
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !decision.Approved {
		t.Fatalf("expected approval")
	}
	if decision.ConsumedTokenID != "" {
		t.Fatalf("no token should have been consumed")
	}
	if decision.Kind != policy.KindStockIn {
		t.Fatalf("kind = %s", decision.Kind)
	}
}

func TestAuthorizeTransferConditional(t *testing.T) {
	f := newFixture(t)

	// Missing both endpoints fails on the declared path.
	_, err := f.authorizer.Authorize(context.Background(), OperationRequest{
		Kind:     policy.KindStockTransfer,
		TargetID: "wh-1",
		Fields:   policy.Fields{"quantity": float64(3)},
	})
	expectFailure(t, err, ReasonConditionalRequirementNotMet, "source")

	// Destination alone is still not enough.
	_, err = f.authorizer.Authorize(context.Background(), OperationRequest{
		Kind:     policy.KindStockTransfer,
		TargetID: "wh-1",
		Fields:   policy.Fields{"quantity": float64(3), "destination": "wh-2"},
	})
	expectFailure(t, err, ReasonConditionalRequirementNotMet, "source")

	decision, err := f.authorizer.Authorize(context.Background(), OperationRequest{
		Kind:     policy.KindStockTransfer,
		TargetID: "wh-1",
		Fields:   policy.Fields{"quantity": float64(3), "source": "wh-1", "destination": "wh-2"},
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !decision.Approved {
		t.Fatalf("expected approval")
	}
}

func TestAuthorizeTokenRequired(t *testing.T) {
	f := newFixture(t)
	_, err := f.authorizer.Authorize(context.Background(), OperationRequest{
		Kind:     policy.KindStockOut,
		TargetID: "wh-1",
		Fields:   policy.Fields{"quantity": float64(5)},
	})
	expectFailure(t, err, ReasonMissingAccessToken, "")
}

func TestAuthorizeConsumesToken(t *testing.T) {
	f := newFixture(t)
	tok := f.mustIssue(t, policy.KindStockOut, "wh-1", map[string]any{"quantity": float64(5)})

	req := OperationRequest{
		Kind:     policy.KindStockOut,
		TargetID: "wh-1",
		Fields:   policy.Fields{"quantity": float64(5)},
		TokenRef: tok.ID,
	}
	decision, err := f.authorizer.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !decision.Approved || decision.ConsumedTokenID != tok.ID {
		t.Fatalf("unexpected decision %+v", decision)
	}

	// Replay of the same request must surface the consumed state.
	_, err = f.authorizer.Authorize(context.Background(), req)
	expectFailure(t, err, ReasonTokenAlreadyConsumed, "")
}

func TestAuthorizeTokenFailureReasonsPropagate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := OperationRequest{
		Kind:     policy.KindStockOut,
		TargetID: "wh-1",
		Fields:   policy.Fields{"quantity": float64(5)},
	}

	t.Run("not found", func(t *testing.T) {
		req := base
		req.TokenRef = "no-such-token"
		_, err := f.authorizer.Authorize(ctx, req)
		expectFailure(t, err, ReasonTokenNotFound, "")
	})

	t.Run("scope mismatch", func(t *testing.T) {
		tok := f.mustIssue(t, policy.KindStatusChange, "wh-1", nil)
		req := base
		req.TokenRef = tok.ID
		_, err := f.authorizer.Authorize(ctx, req)
		expectFailure(t, err, ReasonTokenScopeMismatch, "")
	})

	t.Run("target mismatch", func(t *testing.T) {
		tok := f.mustIssue(t, policy.KindStockOut, "wh-2", nil)
		req := base
		req.TokenRef = tok.ID
		_, err := f.authorizer.Authorize(ctx, req)
		expectFailure(t, err, ReasonTokenTargetMismatch, "")
	})

	t.Run("details mismatch", func(t *testing.T) {
		tok := f.mustIssue(t, policy.KindStockOut, "wh-1", map[string]any{"quantity": float64(9)})
		req := base
		req.TokenRef = tok.ID
		_, err := f.authorizer.Authorize(ctx, req)
		expectFailure(t, err, ReasonTokenDetailsMismatch, "")
	})

	t.Run("revoked", func(t *testing.T) {
		tok := f.mustIssue(t, policy.KindStockOut, "wh-1", nil)
		if err := f.issuer.Revoke(ctx, tok.ID); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		req := base
		req.TokenRef = tok.ID
		_, err := f.authorizer.Authorize(ctx, req)
		expectFailure(t, err, ReasonTokenRevoked, "")
	})
}

func TestAuthorizeStockMovementNormalization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("missing type", func(t *testing.T) {
		_, err := f.authorizer.Authorize(ctx, OperationRequest{
			Kind:     policy.KindStockMovement,
			TargetID: "wh-1",
			Fields:   policy.Fields{"quantity": float64(4)},
		})
		expectFailure(t, err, ReasonMissingRequiredField, "type")
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := f.authorizer.Authorize(ctx, OperationRequest{
			Kind:     policy.KindStockMovement,
			TargetID: "wh-1",
			Fields:   policy.Fields{"type": "sideways", "quantity": float64(4)},
		})
		expectFailure(t, err, ReasonUnknownOperationKind, "type")
	})

	t.Run("incoming movement approved without token", func(t *testing.T) {
		decision, err := f.authorizer.Authorize(ctx, OperationRequest{
			Kind:     policy.KindStockMovement,
			TargetID: "wh-1",
			Fields:   policy.Fields{"type": "in", "quantity": float64(4)},
		})
		if err != nil {
			t.Fatalf("authorize: %v", err)
		}
		if decision.Kind != policy.KindStockIn {
			t.Fatalf("kind = %s, want stock_in", decision.Kind)
		}
	})

	t.Run("outgoing movement spends a token scoped to stock_out", func(t *testing.T) {
		tok := f.mustIssue(t, policy.KindStockOut, "wh-1", nil)
		decision, err := f.authorizer.Authorize(ctx, OperationRequest{
			Kind:     policy.KindStockMovement,
			TargetID: "wh-1",
			Fields:   policy.Fields{"type": "out", "quantity": float64(4)},
			TokenRef: tok.ID,
		})
		if err != nil {
			t.Fatalf("authorize: %v", err)
		}
		if decision.ConsumedTokenID != tok.ID {
			t.Fatalf("consumed = %q, want %q", decision.ConsumedTokenID, tok.ID)
		}
	})
}
