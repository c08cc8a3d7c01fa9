package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"opsgate.org/internal/auth"
	"opsgate.org/internal/authz"
	"opsgate.org/internal/policy"
	"opsgate.org/internal/stream"
	"opsgate.org/internal/token"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("OPSGATE_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	store := token.NewMemoryStore()
	registry := policy.NewRegistry()
	issuer := token.NewIssuer(store)
	authorizer, err := authz.NewValidator(registry, token.NewValidator(store))
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}

	api := New(ReadyProbe{}, "test", registry, issuer, authorizer, stream.New())
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) decode(resp *http.Response, dst any) {
	c.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		c.t.Fatalf("decode response: %v", err)
	}
}

// identity obtains a bearer token for the given roles via the dev endpoint.
func (c *apiClient) identity(roles ...string) map[string]string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":  "tester",
		"roles": roles,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("auth token: status %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	c.decode(resp, &body)
	return map[string]string{"Authorization": "Bearer " + body.Token}
}

func (c *apiClient) issueToken(headers map[string]string, kind, target string, details map[string]any) string {
	c.t.Helper()
	resp := c.post("/v1/tokens", map[string]any{
		"kind":      kind,
		"target_id": target,
		"details":   details,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("issue token: status %d", resp.StatusCode)
	}
	var tok token.AccessToken
	c.decode(resp, &tok)
	if tok.ID == "" {
		c.t.Fatalf("token id missing")
	}
	return tok.ID
}

func TestHealthz(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var body map[string]any
	c.decode(resp, &body)
	if body["service"] != "opsgate-api" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestEndpointsRequireAuth(t *testing.T) {
	c := newTestAPI(t)
	resp := c.post("/v1/tokens", map[string]any{"kind": "stock_out", "target_id": "wh-1"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
}

func TestIssueTokenRequiresApprovalRole(t *testing.T) {
	c := newTestAPI(t)
	headers := c.identity("viewer")

	resp := c.post("/v1/tokens", map[string]any{
		"kind":      "stock_out",
		"target_id": "wh-1",
	}, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, want 403", resp.StatusCode)
	}
}

func TestIssueTokenValidation(t *testing.T) {
	c := newTestAPI(t)
	headers := c.identity("admin")

	cases := []map[string]any{
		{"target_id": "wh-1"},                                               // missing kind
		{"kind": "bogus", "target_id": "wh-1"},                              // unknown kind
		{"kind": "stock_out"},                                               // missing target
		{"kind": "stock_out", "target_id": "wh-1", "ttl_seconds": int(-10)}, // bad ttl
	}
	for i, payload := range cases {
		resp := c.post("/v1/tokens", payload, headers)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d: status %d, want 400", i, resp.StatusCode)
		}
	}
}

func TestIssueGetRevokeToken(t *testing.T) {
	c := newTestAPI(t)
	headers := c.identity("warehouse_manager")

	id := c.issueToken(headers, "stock_out", "wh-1", map[string]any{"quantity": 5})

	resp := c.get("/v1/tokens/"+id, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get token: status %d", resp.StatusCode)
	}
	var tok token.AccessToken
	c.decode(resp, &tok)
	if tok.Status != token.StatusIssued || tok.TargetID != "wh-1" {
		t.Fatalf("unexpected token %+v", tok)
	}

	resp = c.post("/v1/tokens/"+id+"/revoke", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.get("/v1/tokens/"+id, headers)
	c.decode(resp, &tok)
	if tok.Status != token.StatusRevoked {
		t.Fatalf("status = %s, want revoked", tok.Status)
	}
}

func TestGetUnknownToken(t *testing.T) {
	c := newTestAPI(t)
	headers := c.identity("admin")
	resp := c.get("/v1/tokens/does-not-exist", headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestAuthorizeFlowConsumesTokenOnce(t *testing.T) {
	c := newTestAPI(t)
	headers := c.identity("warehouse_manager")

	id := c.issueToken(headers, "stock_out", "wh-1", map[string]any{"quantity": 5})

	movement := map[string]any{
		"kind":      "stock_movement",
		"target_id": "wh-1",
		"fields": map[string]any{
			"type":     "out",
			"quantity": 5,
		},
		"token_ref": id,
	}

	resp := c.post("/v1/authorize", movement, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first authorize: status %d", resp.StatusCode)
	}
	var decision authz.Decision
	c.decode(resp, &decision)
	if !decision.Approved || decision.ConsumedTokenID != id {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if decision.Kind != policy.KindStockOut {
		t.Fatalf("kind = %s, want stock_out", decision.Kind)
	}

	resp = c.post("/v1/authorize", movement, headers)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replay: status %d, want 409", resp.StatusCode)
	}
	var denial struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason"`
	}
	c.decode(resp, &denial)
	if denial.Approved || denial.Reason != "token_already_consumed" {
		t.Fatalf("unexpected denial %+v", denial)
	}
}

func TestAuthorizeStockInWithoutToken(t *testing.T) {
	c := newTestAPI(t)
	headers := c.identity("warehouse_manager")

	resp := c.post("/v1/authorize", map[string]any{
		"kind":      "stock_movement",
		"target_id": "wh-1",
		"fields": map[string]any{
			"type":     "in",
			"quantity": 10,
		},
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var decision authz.Decision
	c.decode(resp, &decision)
	if !decision.Approved || decision.ConsumedTokenID != "" {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestAuthorizeFailureStatuses(t *testing.T) {
	c := newTestAPI(t)
	headers := c.identity("warehouse_manager")

	cases := []struct {
		name       string
		payload    map[string]any
		wantStatus int
		wantReason string
	}{
		{
			name: "unknown kind",
			payload: map[string]any{
				"kind":      "payroll_adjustment",
				"target_id": "emp-1",
				"fields":    map[string]any{},
			},
			wantStatus: http.StatusBadRequest,
			wantReason: "unknown_operation_kind",
		},
		{
			name: "missing field",
			payload: map[string]any{
				"kind":      "status_change",
				"target_id": "emp-1",
				"fields":    map[string]any{},
			},
			wantStatus: http.StatusBadRequest,
			wantReason: "missing_required_field",
		},
		{
			name: "transfer missing endpoints",
			payload: map[string]any{
				"kind":      "stock_transfer",
				"target_id": "wh-1",
				"fields":    map[string]any{"quantity": 3},
			},
			wantStatus: http.StatusBadRequest,
			wantReason: "conditional_requirement_not_met",
		},
		{
			name: "token required",
			payload: map[string]any{
				"kind":      "stock_out",
				"target_id": "wh-1",
				"fields":    map[string]any{"quantity": 3},
			},
			wantStatus: http.StatusForbidden,
			wantReason: "missing_access_token",
		},
		{
			name: "token not found",
			payload: map[string]any{
				"kind":      "stock_out",
				"target_id": "wh-1",
				"fields":    map[string]any{"quantity": 3},
				"token_ref": "no-such",
			},
			wantStatus: http.StatusNotFound,
			wantReason: "token_not_found",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := c.post("/v1/authorize", tc.payload, headers)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			var body struct {
				Reason string `json:"reason"`
			}
			c.decode(resp, &body)
			if body.Reason != tc.wantReason {
				t.Fatalf("reason %q, want %q", body.Reason, tc.wantReason)
			}
		})
	}
}

func TestAuthorizeScopeMismatchStatus(t *testing.T) {
	c := newTestAPI(t)
	headers := c.identity("admin")

	id := c.issueToken(headers, "status_change", "emp-1", nil)

	resp := c.post("/v1/authorize", map[string]any{
		"kind":      "stock_out",
		"target_id": "emp-1",
		"fields":    map[string]any{"quantity": 1},
		"token_ref": id,
	}, headers)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, want 403", resp.StatusCode)
	}
	var body struct {
		Reason string `json:"reason"`
	}
	c.decode(resp, &body)
	if body.Reason != "token_scope_mismatch" {
		t.Fatalf("reason %q", body.Reason)
	}
}

func TestAuthorizeRejectsUnknownJSONFields(t *testing.T) {
	c := newTestAPI(t)
	headers := c.identity("admin")

	resp := c.post("/v1/authorize", map[string]any{
		"kind":       "stock_in",
		"target_id":  "wh-1",
		"fields":     map[string]any{"quantity": 1},
		"unexpected": true,
	}, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}
