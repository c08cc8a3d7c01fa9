package httpapi

import (
	"net/http"
	"strings"
	"time"

	"opsgate.org/internal/audit"
	"opsgate.org/internal/authz"
	"opsgate.org/internal/obs"
	"opsgate.org/internal/stream"
)

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req authz.OperationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.TargetID = strings.TrimSpace(req.TargetID)
	if req.Fields == nil {
		req.Fields = map[string]any{}
	}

	decision, err := a.authorizer.Authorize(r.Context(), req)
	if err != nil {
		fail, ok := authz.AsFailure(err)
		if !ok {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		a.recordDecision(r, string(req.Kind), req.TargetID, false, string(fail.Reason), "")
		writeJSON(w, failureStatus(fail), map[string]any{
			"approved": false,
			"reason":   fail.Reason,
			"field":    fail.Field,
			"message":  fail.Message,
		})
		return
	}

	a.recordDecision(r, string(decision.Kind), decision.TargetID, true, "", decision.ConsumedTokenID)
	writeJSON(w, http.StatusOK, decision)
}

func (a *API) recordDecision(r *http.Request, kind, targetID string, approved bool, reason, tokenID string) {
	outcome := "denied"
	if approved {
		outcome = "approved"
	}
	obs.ObserveDecision(kind, outcome, reason)

	fields := map[string]any{
		"kind":      kind,
		"target_id": targetID,
		"approved":  approved,
	}
	if reason != "" {
		fields["reason"] = reason
	}
	if tokenID != "" {
		fields["consumed_token_id"] = tokenID
	}
	_ = audit.LogEvent(r.Context(), "authz.decision", fields)

	if a.stream != nil {
		a.stream.Publish(stream.DecisionEvent{
			Kind:      kind,
			TargetID:  targetID,
			Approved:  approved,
			Reason:    reason,
			TokenID:   tokenID,
			Timestamp: time.Now().UTC(),
		})
	}
}

// failureStatus maps the denial taxonomy to HTTP status codes. Consumed
// and expired are distinguished from generic denial so clients can tell
// "this token can never work" from "you raced another user".
func failureStatus(f *authz.Failure) int {
	switch f.Reason {
	case authz.ReasonUnknownOperationKind,
		authz.ReasonMissingRequiredField,
		authz.ReasonConditionalRequirementNotMet,
		authz.ReasonInvalidTTL:
		return http.StatusBadRequest
	case authz.ReasonMissingAccessToken,
		authz.ReasonTokenScopeMismatch,
		authz.ReasonTokenTargetMismatch,
		authz.ReasonTokenDetailsMismatch,
		authz.ReasonTokenRevoked:
		return http.StatusForbidden
	case authz.ReasonTokenNotFound:
		return http.StatusNotFound
	case authz.ReasonTokenAlreadyConsumed:
		return http.StatusConflict
	case authz.ReasonTokenExpired:
		return http.StatusGone
	case authz.ReasonStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}
