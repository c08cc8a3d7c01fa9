package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"opsgate.org/internal/audit"
	"opsgate.org/internal/auth"
	"opsgate.org/internal/obs"
	"opsgate.org/internal/policy"
	"opsgate.org/internal/token"
)

type issueTokenRequest struct {
	Kind       string         `json:"kind"`
	TargetID   string         `json:"target_id"`
	Details    map[string]any `json:"details"`
	TTLSeconds int64          `json:"ttl_seconds"`
}

func (a *API) handleTokensCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.issueToken(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleTokenResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/tokens/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/revoke") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/revoke"), "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "token not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revokeToken(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getToken(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) issueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	kind := policy.Kind(strings.TrimSpace(req.Kind))
	if kind == "" {
		writeError(w, r, http.StatusBadRequest, "kind is required")
		return
	}
	if !a.policies.Known(kind) {
		writeError(w, r, http.StatusBadRequest, "unknown operation kind")
		return
	}
	targetID := strings.TrimSpace(req.TargetID)
	if targetID == "" {
		writeError(w, r, http.StatusBadRequest, "target_id is required")
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, "ttl_seconds must be >= 0")
		return
	}

	// Issuance authority is the identity collaborator's call.
	if auth.Enabled() && !auth.CanApprove(r.Context(), kind) {
		writeError(w, r, http.StatusForbidden, "caller may not approve this operation kind")
		return
	}

	ttl := a.issuer.DefaultTTL()
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	t, err := a.issuer.Issue(r.Context(), kind, targetID, req.Details, ttl)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}

	obs.ObserveTokenIssued(string(t.Kind))
	_ = audit.LogEvent(r.Context(), "token.issued", map[string]any{
		"token_id":   t.ID,
		"kind":       string(t.Kind),
		"target_id":  t.TargetID,
		"expires_at": t.ExpiresAt.Format(time.RFC3339),
	})

	w.Header().Set("Location", "/v1/tokens/"+t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) getToken(w http.ResponseWriter, r *http.Request, id string) {
	t, err := a.issuer.Lookup(r.Context(), id)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) revokeToken(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.issuer.Revoke(r.Context(), id); err != nil {
		handleTokenError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "token.revoked", map[string]any{
		"token_id": id,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": string(token.StatusRevoked),
	})
}

func handleTokenError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, token.ErrInvalidTTL):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, token.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "token not found")
	case errors.Is(err, token.ErrAlreadyConsumed):
		writeError(w, r, http.StatusConflict, "token was already consumed")
	case errors.Is(err, token.ErrStorageUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "token storage unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
