package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"conclave/api/internal/auth"
	"conclave/api/internal/gitrepo"
	"conclave/api/internal/search"
	"conclave/api/internal/statedb"
	"conclave/api/internal/stream"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger.With("component", "http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			ActorID string `json:"actorId"`
			APIKey  string `json:"apiKey"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.ActorID, body.APIKey)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"actorId":   session.ActorID,
			"name":      session.Name,
			"isHuman":   session.IsHuman,
			"expiresAt": session.ExpiresAt,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"actorId":       session.ActorID,
			"name":          session.Name,
			"isHuman":       session.IsHuman,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "repos" {
		s.handleRepository(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleRepository(w http.ResponseWriter, r *http.Request, session Session, repoID string, parts []string) {
	ctx := r.Context()
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch parts[0] {
	case "init":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var body struct {
			CloneSource string `json:"cloneSource"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		respond(w, http.StatusOK)(s.service.InitRepository(ctx, session, repoID, body.CloneSource))
		return

	case "buffer":
		if len(parts) == 1 && r.Method == http.MethodGet {
			respond(w, http.StatusOK)(s.service.BufferState(ctx, session, repoID))
			return
		}
		if len(parts) == 2 && parts[1] == "tests" && r.Method == http.MethodPost {
			var body BufferTestInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			respond(w, http.StatusOK)(s.service.ReportBufferTest(ctx, session, repoID, body))
			return
		}

	case "promote":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		respond(w, http.StatusOK)(s.service.Promote(ctx, session, repoID))
		return

	case "permissions":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		respond(w, http.StatusOK)(s.service.Permissions(ctx, session, repoID, r.URL.Query().Get("branch")))
		return

	case "history":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		limit, ok := queryInt(w, r, "limit", 50)
		if !ok {
			return
		}
		commits, err := s.service.History(ctx, session, repoID, strings.TrimSpace(r.URL.Query().Get("branch")), limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
		return

	case "log":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		limit, ok := queryInt(w, r, "limit", 50)
		if !ok {
			return
		}
		respond(w, http.StatusOK)(s.service.RepositoryLog(ctx, session, repoID, limit))
		return

	case "search":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		limit, ok := queryInt(w, r, "limit", 0)
		if !ok {
			return
		}
		respond(w, http.StatusOK)(s.service.Search(ctx, session, search.Query{
			RepoID: repoID,
			Text:   strings.TrimSpace(r.URL.Query().Get("q")),
			Status: strings.TrimSpace(r.URL.Query().Get("status")),
			Limit:  limit,
		}))
		return

	case "files":
		s.handleFiles(w, r, session, repoID, strings.Join(parts[1:], "/"))
		return

	case "commits":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var body struct {
			Message  string `json:"message"`
			StreamID string `json:"streamId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		respond(w, http.StatusCreated)(s.service.Commit(ctx, session, repoID, body.Message, body.StreamID))
		return

	case "links":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var body struct {
			PRNumber int    `json:"prNumber"`
			StreamID string `json:"streamId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		link, err := s.service.LinkExternalPR(ctx, session, repoID, body.PRNumber, strings.TrimSpace(body.StreamID))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"repoId":    link.RepoID,
			"prNumber":  link.PRNumber,
			"streamId":  link.StreamID,
			"createdAt": link.CreatedAt,
		})
		return

	case "streams":
		s.handleStreams(w, r, session, repoID, parts[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleFiles(w http.ResponseWriter, r *http.Request, session Session, repoID, path string) {
	ctx := r.Context()
	if path == "" {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		files, err := s.service.ListFiles(ctx, session, repoID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": files})
		return
	}

	switch r.Method {
	case http.MethodGet:
		content, err := s.service.ReadFile(ctx, session, repoID, path)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"path": path, "content": string(content)})
	case http.MethodPut:
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.WriteFile(ctx, session, repoID, path, []byte(body.Content)); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": path})
	case http.MethodDelete:
		if err := s.service.DeleteFile(ctx, session, repoID, path); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": path})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request, session Session, repoID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			limit, ok := queryInt(w, r, "limit", 0)
			if !ok {
				return
			}
			items, err := s.service.ListStreams(ctx, session, repoID, statedb.StreamFilter{
				AgentID: strings.TrimSpace(r.URL.Query().Get("agent")),
				Status:  stream.Status(strings.TrimSpace(r.URL.Query().Get("status"))),
				Limit:   limit,
			})
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"streams": items})
		case http.MethodPost:
			var body CreateStreamInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			respond(w, http.StatusCreated)(s.service.CreateStream(ctx, session, repoID, body))
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	streamID := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		if streamID == "current" {
			respond(w, http.StatusOK)(s.service.CurrentStream(ctx, session, repoID))
			return
		}
		respond(w, http.StatusOK)(s.service.GetStream(ctx, session, repoID, streamID))
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch action := parts[1]; {
	case action == "consensus" && r.Method == http.MethodGet:
		respond(w, http.StatusOK)(s.service.CheckConsensus(ctx, session, repoID, streamID))

	case action == "reviews" && r.Method == http.MethodPost:
		var body ReviewInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		respond(w, http.StatusOK)(s.service.SubmitReview(ctx, session, repoID, streamID, body))

	case action == "merge" && r.Method == http.MethodPost:
		outcome, err := s.service.MergeStream(ctx, session, repoID, streamID)
		writeOutcome(w, outcome, err)

	case action == "resolve" && r.Method == http.MethodPost:
		var body struct {
			Resolutions []gitrepo.Resolution `json:"resolutions"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := s.service.ResolveConflict(ctx, session, repoID, streamID, body.Resolutions)
		writeOutcome(w, outcome, err)

	case action == "abandon" && r.Method == http.MethodPost:
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		respond(w, http.StatusOK)(s.service.AbandonStream(ctx, session, repoID, streamID, body.Reason))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

// writeOutcome reports merged and conflicted merges as ordinary payloads. A
// failed merge is a server-side problem and carries the outcome as details.
func writeOutcome(w http.ResponseWriter, outcome gitrepo.MergeOutcome, err error) {
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if outcome.Kind == gitrepo.OutcomeFailed {
		writeError(w, http.StatusInternalServerError, "MERGE_FAILED", "Merge failed", outcome)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

// respond adapts a (payload, error) service call into a JSON response.
func respond(w http.ResponseWriter, status int) func(any, error) {
	return func(payload any, err error) {
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, status, payload)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", key+" must be a non-negative integer", nil)
		return 0, false
	}
	return parsed, true
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
