package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// End-to-end smoke check against a running opsgate-api: obtain an identity
// token, issue a stock_out access token, spend it on an authorization, then
// verify the second use of the same token is rejected.
func main() {
	base := os.Getenv("OPSGATE_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	client := &http.Client{Timeout: 5 * time.Second}

	identity := obtainIdentity(client, base)

	tokenID := issueToken(client, base, identity)
	fmt.Printf("issued stock_out token %s\n", tokenID)

	movement := map[string]any{
		"kind":      "stock_movement",
		"target_id": "wh-001",
		"fields": map[string]any{
			"type":     "out",
			"quantity": 5,
		},
		"token_ref": tokenID,
	}

	status, body := post(client, base+"/v1/authorize", identity, movement)
	if status != http.StatusOK {
		log.Fatalf("first authorize: status %d body %s", status, body)
	}
	var decision struct {
		Approved        bool   `json:"approved"`
		ConsumedTokenID string `json:"consumed_token_id"`
	}
	if err := json.Unmarshal(body, &decision); err != nil {
		log.Fatalf("decode decision: %v", err)
	}
	if !decision.Approved || decision.ConsumedTokenID != tokenID {
		log.Fatalf("unexpected decision: %s", body)
	}

	status, body = post(client, base+"/v1/authorize", identity, movement)
	if status != http.StatusConflict {
		log.Fatalf("token replay: expected 409, got %d body %s", status, body)
	}
	var denial struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &denial); err != nil {
		log.Fatalf("decode denial: %v", err)
	}
	if denial.Reason != "token_already_consumed" {
		log.Fatalf("unexpected denial reason %q", denial.Reason)
	}

	fmt.Println("✅ authz smoke test passed: token consumed exactly once")
}

func obtainIdentity(client *http.Client, base string) string {
	status, body := post(client, base+"/v1/auth/token", "", map[string]any{
		"user":  "smoke",
		"roles": []string{"warehouse_manager"},
	})
	if status != http.StatusOK {
		log.Fatalf("auth token: status %d body %s", status, body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Fatalf("decode auth token: %v", err)
	}
	return resp.Token
}

func issueToken(client *http.Client, base, identity string) string {
	status, body := post(client, base+"/v1/tokens", identity, map[string]any{
		"kind":      "stock_out",
		"target_id": "wh-001",
		"details": map[string]any{
			"quantity": 5,
		},
	})
	if status != http.StatusCreated {
		log.Fatalf("issue token: status %d body %s", status, body)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Fatalf("decode token: %v", err)
	}
	return resp.ID
}

func post(client *http.Client, url, identity string, payload any) (int, []byte) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+identity)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("request %s: %v", url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		log.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, buf.Bytes()
}
