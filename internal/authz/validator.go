package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"opsgate.org/internal/policy"
	"opsgate.org/internal/token"
)

// Validator applies the policy registry to operation requests and invokes
// the token validator when a rule demands a token. It is safe for
// concurrent use.
type Validator struct {
	registry *policy.Registry
	tokens   *token.Validator
}

// NewValidator constructs a Validator.
func NewValidator(registry *policy.Registry, tokens *token.Validator) (*Validator, error) {
	if registry == nil {
		return nil, errors.New("authz: policy registry is required")
	}
	if tokens == nil {
		return nil, errors.New("authz: token validator is required")
	}
	return &Validator{registry: registry, tokens: tokens}, nil
}

// Authorize runs structural checks first, then the token check when the
// rule requires one. The first failure wins; token failures propagate with
// their reason unchanged.
func (v *Validator) Authorize(ctx context.Context, req OperationRequest) (Decision, error) {
	kind, fail := v.resolveKind(req)
	if fail != nil {
		return Decision{}, fail
	}

	rule, err := v.registry.RulesFor(kind)
	if err != nil {
		return Decision{}, &Failure{
			Reason:  ReasonUnknownOperationKind,
			Message: fmt.Sprintf("unknown operation kind %q", req.Kind),
		}
	}

	if strings.TrimSpace(req.TargetID) == "" {
		return Decision{}, &Failure{
			Reason:  ReasonMissingRequiredField,
			Field:   "target_id",
			Message: "target_id is required",
		}
	}

	for _, name := range rule.Required {
		if !req.Fields.Has(name) {
			return Decision{}, &Failure{
				Reason:  ReasonMissingRequiredField,
				Field:   name,
				Message: fmt.Sprintf("field %q is required for %s", name, kind),
			}
		}
	}

	for _, check := range rule.Checks {
		if !req.Fields.Has(check.Field) {
			continue
		}
		if err := check.Check(req.Fields[check.Field]); err != nil {
			return Decision{}, &Failure{
				Reason:  ReasonMissingRequiredField,
				Field:   check.Field,
				Message: check.Message,
			}
		}
	}

	for _, cond := range rule.Conditionals {
		if !cond.When(req.Fields) {
			continue
		}
		for _, name := range cond.Require {
			if !req.Fields.Has(name) {
				return Decision{}, &Failure{
					Reason:  ReasonConditionalRequirementNotMet,
					Field:   cond.FailPath,
					Message: cond.Message,
				}
			}
		}
	}

	decision := Decision{
		Approved: true,
		Kind:     kind,
		TargetID: req.TargetID,
		Fields:   req.Fields,
	}

	if !rule.TokenRequired(req.Fields) {
		return decision, nil
	}

	if strings.TrimSpace(req.TokenRef) == "" {
		return Decision{}, &Failure{
			Reason:  ReasonMissingAccessToken,
			Message: fmt.Sprintf("operation %s requires an access token", kind),
		}
	}

	consumed, err := v.tokens.ValidateAndConsume(ctx, req.TokenRef, kind, req.TargetID, req.Fields)
	if err != nil {
		return Decision{}, tokenFailure(err)
	}
	decision.ConsumedTokenID = consumed.ID
	return decision, nil
}

// resolveKind normalizes wire-level stock movements to their concrete
// kind using the movement type field.
func (v *Validator) resolveKind(req OperationRequest) (policy.Kind, *Failure) {
	if req.Kind != policy.KindStockMovement {
		return req.Kind, nil
	}
	typ := req.Fields.String("type")
	if typ == "" {
		return "", &Failure{
			Reason:  ReasonMissingRequiredField,
			Field:   "type",
			Message: "stock movements require a type",
		}
	}
	kind, ok := policy.NormalizeMovement(typ)
	if !ok {
		return "", &Failure{
			Reason:  ReasonUnknownOperationKind,
			Field:   "type",
			Message: fmt.Sprintf("unknown stock movement type %q", typ),
		}
	}
	return kind, nil
}

func tokenFailure(err error) *Failure {
	switch {
	case errors.Is(err, token.ErrNotFound):
		return &Failure{Reason: ReasonTokenNotFound, Message: "access token not found"}
	case errors.Is(err, token.ErrAlreadyConsumed):
		return &Failure{Reason: ReasonTokenAlreadyConsumed, Message: "access token was already consumed"}
	case errors.Is(err, token.ErrRevoked):
		return &Failure{Reason: ReasonTokenRevoked, Message: "access token was revoked"}
	case errors.Is(err, token.ErrExpired):
		return &Failure{Reason: ReasonTokenExpired, Message: "access token has expired"}
	case errors.Is(err, token.ErrScopeMismatch):
		return &Failure{Reason: ReasonTokenScopeMismatch, Message: "access token was issued for a different operation kind"}
	case errors.Is(err, token.ErrTargetMismatch):
		return &Failure{Reason: ReasonTokenTargetMismatch, Message: "access token was issued for a different target"}
	case errors.Is(err, token.ErrDetailsMismatch):
		return &Failure{Reason: ReasonTokenDetailsMismatch, Message: "access token was issued for a different mutation"}
	case errors.Is(err, token.ErrStorageUnavailable):
		return &Failure{Reason: ReasonStorageUnavailable, Message: "token storage unavailable, retry"}
	default:
		return &Failure{Reason: ReasonStorageUnavailable, Message: err.Error()}
	}
}
