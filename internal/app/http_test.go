package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"conclave/api/internal/auth"
	"conclave/api/internal/consensus"
	"conclave/api/internal/gitrepo"
	"conclave/api/internal/store"
	"conclave/api/internal/stream"
)

func newTestServer(h *testHarness) *HTTPServer {
	return NewHTTPServer(h.svc, "*", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(newHarness(t))

	rr, payload := doRequest(t, server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		pingFn func(context.Context) error
		status int
		ok     bool
	}{
		{name: "ready", status: http.StatusOK, ok: true},
		{name: "database down", pingFn: func(context.Context) error { return errors.New("connection refused") }, status: http.StatusServiceUnavailable, ok: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.store.pingFn = tc.pingFn
			rr, payload := doRequest(t, newTestServer(h), http.MethodGet, "/api/ready", "", "")
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if payload["ok"] != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, payload["ok"])
			}
		})
	}
}

func TestLoginWithAPIKey(t *testing.T) {
	h := newHarness(t)
	hash, err := auth.HashAPIKey("ck_secret")
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	h.store.actors["agent-a"] = store.Actor{ID: "agent-a", Name: "Agent A", APIKeyHash: hash}
	server := newTestServer(h)

	rr, payload := doRequest(t, server, http.MethodPost, "/api/session/login", "", `{"actorId":"agent-a","apiKey":"wrong"}`)
	if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401 for wrong key, got %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server, http.MethodPost, "/api/session/login", "", `{"actorId":"agent-a","apiKey":"ck_secret"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := payload["token"].(string)
	if token == "" || payload["actorId"] != "agent-a" {
		t.Fatalf("unexpected login payload %v", payload)
	}

	rr, payload = doRequest(t, server, http.MethodGet, "/api/session", token, "")
	if rr.Code != http.StatusOK || payload["actorId"] != "agent-a" {
		t.Fatalf("session lookup failed: %d %v", rr.Code, payload)
	}
}

func TestRoutesRequireSession(t *testing.T) {
	server := newTestServer(newHarness(t))

	for _, token := range []string{"", "garbage"} {
		rr, payload := doRequest(t, server, http.MethodGet, "/api/repos/repo-1/buffer", token, "")
		if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
			t.Fatalf("token %q: expected 401, got %d %v", token, rr.Code, payload)
		}
	}
}

func TestForbiddenCarriesDecision(t *testing.T) {
	h := newHarness(t)
	server := newTestServer(h)

	rr, payload := doRequest(t, server, http.MethodPost, "/api/repos/repo-1/streams", tokenFor(t, "reader"), `{"title":"x"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	details, _ := payload["details"].(map[string]any)
	if details["reason"] != "insufficient_permissions" || details["level"] != "read" || details["required"] != "write" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestStreamLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	server := newTestServer(h)
	authorToken := tokenFor(t, "agent-a")
	reviewerToken := tokenFor(t, "agent-b")

	rr, payload := doRequest(t, server, http.MethodPost, "/api/repos/repo-1/streams", authorToken, `{"title":"Add parser"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create stream: %d %s", rr.Code, rr.Body.String())
	}
	streamID, _ := payload["id"].(string)

	rr, _ = doRequest(t, server, http.MethodPut, "/api/repos/repo-1/files/src/parser.go", authorToken, `{"content":"package parser\n"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("write file: %d %s", rr.Code, rr.Body.String())
	}

	rr, payload = doRequest(t, server, http.MethodPost, "/api/repos/repo-1/commits", authorToken, `{"message":"add parser"}`)
	if rr.Code != http.StatusCreated || payload["streamId"] != streamID {
		t.Fatalf("commit: %d %v", rr.Code, payload)
	}

	rr, _ = doRequest(t, server, http.MethodPost, "/api/repos/repo-1/streams/"+streamID+"/reviews", authorToken, `{"verdict":"approve"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("self review: expected 422, got %d", rr.Code)
	}

	rr, payload = doRequest(t, server, http.MethodPost, "/api/repos/repo-1/streams/"+streamID+"/reviews", reviewerToken, `{"verdict":"approve","tested":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("review: %d %s", rr.Code, rr.Body.String())
	}
	if result, _ := payload["consensus"].(map[string]any); result["reached"] != true {
		t.Fatalf("expected consensus in review response, got %v", payload)
	}

	rr, payload = doRequest(t, server, http.MethodPost, "/api/repos/repo-1/streams/"+streamID+"/merge", reviewerToken, "")
	if rr.Code != http.StatusOK || payload["outcome"] != "merged" {
		t.Fatalf("merge: %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server, http.MethodGet, "/api/repos/repo-1/streams/"+streamID, reviewerToken, "")
	if rr.Code != http.StatusOK || payload["status"] != "merged" {
		t.Fatalf("get stream: %d %v", rr.Code, payload)
	}
}

func TestMergeResponses(t *testing.T) {
	tests := []struct {
		name    string
		result  consensus.Result
		mergeFn func(string) (gitrepo.MergeOutcome, error)
		status  int
		code    string
		outcome string
	}{
		{
			name:   "consensus not reached",
			result: consensus.Result{Reason: consensus.ReasonBelowThreshold},
			status: http.StatusConflict,
			code:   "CONSENSUS_NOT_REACHED",
		},
		{
			name:   "conflict",
			result: consensus.Result{Reached: true},
			mergeFn: func(id string) (gitrepo.MergeOutcome, error) {
				return gitrepo.MergeOutcome{Kind: gitrepo.OutcomeConflict, StreamID: id, Conflicts: []gitrepo.ConflictFile{{Path: "a.txt"}}}, nil
			},
			status:  http.StatusOK,
			outcome: "conflict",
		},
		{
			name:   "failed",
			result: consensus.Result{Reached: true},
			mergeFn: func(id string) (gitrepo.MergeOutcome, error) {
				return gitrepo.MergeOutcome{Kind: gitrepo.OutcomeFailed, StreamID: id, Reason: "exit status 128"}, nil
			},
			status: http.StatusInternalServerError,
			code:   "MERGE_FAILED",
		},
		{
			name:   "not initialized",
			result: consensus.Result{Reached: true},
			mergeFn: func(string) (gitrepo.MergeOutcome, error) {
				return gitrepo.MergeOutcome{}, gitrepo.ErrNotInitialized
			},
			status: http.StatusConflict,
			code:   "REPO_NOT_INITIALIZED",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.consensus.result = tc.result
			h.workspaces.mergeFn = tc.mergeFn
			h.workspaces.addStream(stream.Stream{ID: "str_1", AgentID: "agent-a"})

			rr, payload := doRequest(t, newTestServer(h), http.MethodPost, "/api/repos/repo-1/streams/str_1/merge", tokenFor(t, "agent-b"), "")
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d body=%s", tc.status, rr.Code, rr.Body.String())
			}
			if tc.code != "" && payload["code"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, payload["code"])
			}
			if tc.outcome != "" && payload["outcome"] != tc.outcome {
				t.Fatalf("expected outcome %s, got %v", tc.outcome, payload["outcome"])
			}
		})
	}
}

func TestPromoteDivergedOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.workspaces.promoteFn = func() (gitrepo.Promotion, error) {
		return gitrepo.Promotion{}, gitrepo.ErrPromotionDiverged
	}

	rr, payload := doRequest(t, newTestServer(h), http.MethodPost, "/api/repos/repo-1/promote", tokenFor(t, "keeper"), "")
	if rr.Code != http.StatusConflict || payload["code"] != "PROMOTION_DIVERGED" {
		t.Fatalf("expected 409 PROMOTION_DIVERGED, got %d %v", rr.Code, payload)
	}
}

func TestBufferTestRoute(t *testing.T) {
	h := newHarness(t)
	repo := h.store.repos["repo-1"]
	repo.AutoPromote = true
	h.store.repos["repo-1"] = repo

	rr, payload := doRequest(t, newTestServer(h), http.MethodPost, "/api/repos/repo-1/buffer/tests", tokenFor(t, "agent-a"), `{"commit":"bbbbbbb","passed":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	promotion, _ := payload["promotion"].(map[string]any)
	if promotion["to"] != "bbbbbbb" {
		t.Fatalf("expected promotion in payload, got %v", payload)
	}
}

func TestUnknownRoutesAndMethods(t *testing.T) {
	server := newTestServer(newHarness(t))
	token := tokenFor(t, "agent-a")

	rr, _ := doRequest(t, server, http.MethodGet, "/api/repos/repo-1/unknown", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	rr, _ = doRequest(t, server, http.MethodGet, "/api/repos/repo-1/promote", token, "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	rr, payload := doRequest(t, server, http.MethodGet, "/api/repos/repo-1/streams?limit=x", token, "")
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422, got %d %v", rr.Code, payload)
	}
}

func TestRepositoryReadRoutes(t *testing.T) {
	h := newHarness(t)
	server := newTestServer(h)
	readerToken := tokenFor(t, "reader")

	rr, payload := doRequest(t, server, http.MethodGet, "/api/repos/repo-1/buffer", tokenFor(t, "stranger"), "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for stranger, got %d", rr.Code)
	}

	rr, payload = doRequest(t, server, http.MethodGet, "/api/repos/repo-1/buffer", readerToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["branch"] != "buffer" || payload["commit"] != "bbbbbbb" || payload["ahead"] != true {
		t.Fatalf("unexpected buffer state %v", payload)
	}

	rr, payload = doRequest(t, server, http.MethodGet, "/api/repos/repo-1/history?branch=main&limit=5", readerToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if _, ok := payload["commits"]; !ok {
		t.Fatalf("expected commits key, got %v", payload)
	}

	rr, _ = doRequest(t, server, http.MethodGet, "/api/repos/repo-1/history?limit=-1", readerToken, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for negative limit, got %d", rr.Code)
	}

	rr, payload = doRequest(t, server, http.MethodGet, "/api/repos/repo-1/log", readerToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if _, ok := payload["merges"]; !ok {
		t.Fatalf("expected merges key, got %v", payload)
	}
	if _, ok := payload["promotions"]; !ok {
		t.Fatalf("expected promotions key, got %v", payload)
	}
}

func TestCurrentStreamRoute(t *testing.T) {
	h := newHarness(t)
	server := newTestServer(h)
	token := tokenFor(t, "agent-a")

	rr, payload := doRequest(t, server, http.MethodGet, "/api/repos/repo-1/streams/current", token, "")
	if rr.Code != http.StatusConflict || payload["code"] != "NO_ACTIVE_STREAM" {
		t.Fatalf("expected 409 NO_ACTIVE_STREAM, got %d %v", rr.Code, payload)
	}

	h.workspaces.addStream(stream.Stream{ID: "str_current", AgentID: "agent-a", Title: "Current"})
	rr, payload = doRequest(t, server, http.MethodGet, "/api/repos/repo-1/streams/current", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["id"] != "str_current" || payload["branch"] != "stream/agent-a/str_current" {
		t.Fatalf("unexpected stream %v", payload)
	}
}
