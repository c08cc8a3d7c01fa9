package authz

import (
	"fmt"

	"opsgate.org/internal/policy"
)

// OperationRequest is the transient input to one authorization check. It
// is never persisted by this core.
type OperationRequest struct {
	Kind     policy.Kind   `json:"kind"`
	TargetID string        `json:"target_id"`
	Fields   policy.Fields `json:"fields"`
	TokenRef string        `json:"token_ref,omitempty"`
}

// Decision is the outcome handed back to the mutation layer. The core
// itself applies nothing to storage.
type Decision struct {
	Approved        bool          `json:"approved"`
	Kind            policy.Kind   `json:"kind"`
	TargetID        string        `json:"target_id"`
	Fields          policy.Fields `json:"fields"`
	ConsumedTokenID string        `json:"consumed_token_id,omitempty"`
}

// Reason tags every possible authorization failure. All failures are
// terminal reported outcomes; none are retried internally.
type Reason string

const (
	ReasonUnknownOperationKind         Reason = "unknown_operation_kind"
	ReasonMissingRequiredField         Reason = "missing_required_field"
	ReasonConditionalRequirementNotMet Reason = "conditional_requirement_not_met"
	ReasonMissingAccessToken           Reason = "missing_access_token"
	ReasonTokenNotFound                Reason = "token_not_found"
	ReasonTokenAlreadyConsumed         Reason = "token_already_consumed"
	ReasonTokenRevoked                 Reason = "token_revoked"
	ReasonTokenExpired                 Reason = "token_expired"
	ReasonTokenScopeMismatch           Reason = "token_scope_mismatch"
	ReasonTokenTargetMismatch          Reason = "token_target_mismatch"
	ReasonTokenDetailsMismatch         Reason = "token_details_mismatch"
	ReasonInvalidTTL                   Reason = "invalid_ttl"
	ReasonStorageUnavailable           Reason = "storage_unavailable"
)

// Failure is a tagged denial. Field carries the failing field path for
// structural failures.
type Failure struct {
	Reason  Reason `json:"reason"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (f *Failure) Error() string {
	if f.Field != "" {
		return fmt.Sprintf("authz: %s (%s): %s", f.Reason, f.Field, f.Message)
	}
	return fmt.Sprintf("authz: %s: %s", f.Reason, f.Message)
}

// AsFailure extracts a *Failure from an authorization error.
func AsFailure(err error) (*Failure, bool) {
	f, ok := err.(*Failure)
	return f, ok
}
