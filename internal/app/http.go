package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"marginalia/internal/auth"
	"marginalia/internal/comments"
	"marginalia/internal/search"
)

// Relay is the websocket side of a document.
type Relay interface {
	ServeWS(w http.ResponseWriter, r *http.Request, documentID string) error
}

type HTTPServer struct {
	service    *Service
	relay      Relay
	corsOrigin string
}

// NewHTTPServer builds the API. relay may be nil, which disables /ws.
func NewHTTPServer(service *Service, relay Relay, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, relay: relay, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/search", s.handleSearch).Methods(http.MethodGet)

	docs := r.PathPrefix("/api/documents/{documentID}").Subrouter()
	docs.HandleFunc("/collaboration-token", s.handleCollaborationToken).Methods(http.MethodPost)
	docs.HandleFunc("/threads", s.handleListThreads).Methods(http.MethodGet)
	docs.HandleFunc("/threads", s.handleCreateThread).Methods(http.MethodPost)
	docs.HandleFunc("/threads/{threadID}", s.handleGetThread).Methods(http.MethodGet)
	docs.HandleFunc("/threads/{threadID}/{action:outdated|close|reopen}", s.handleThreadAction).Methods(http.MethodPost)

	r.HandleFunc("/ws/{documentID}", s.handleWS).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
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
}

func (s *HTTPServer) handleCollaborationToken(w http.ResponseWriter, r *http.Request) {
	if err := s.service.AuthorizeIssuer(bearerToken(r)); err != nil {
		writeMappedError(w, err)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	token, err := s.service.IssueCollaborationToken(mux.Vars(r)["documentID"], body.Name)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *HTTPServer) handleListThreads(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]
	if _, ok := s.requireCollaborator(w, r, documentID); !ok {
		return
	}
	threads, err := s.service.ListThreads(r.Context(), documentID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *HTTPServer) handleGetThread(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, ok := s.requireCollaborator(w, r, vars["documentID"]); !ok {
		return
	}
	thread, err := s.service.GetThread(r.Context(), vars["documentID"], vars["threadID"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": thread})
}

func (s *HTTPServer) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]
	claims, ok := s.requireCollaborator(w, r, documentID)
	if !ok {
		return
	}
	var input CreateThreadInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	thread, err := s.service.CreateThread(r.Context(), documentID, claims.Name, input)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"thread": thread})
}

var threadActions = map[string]comments.Status{
	"outdated": comments.StatusOutdated,
	"close":    comments.StatusClosed,
	"reopen":   comments.StatusOpen,
}

func (s *HTTPServer) handleThreadAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, ok := s.requireCollaborator(w, r, vars["documentID"]); !ok {
		return
	}
	status, ok := threadActions[vars["action"]]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	thread, err := s.service.SetThreadStatus(r.Context(), vars["documentID"], vars["threadID"], status)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": thread})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := search.Query{
		Text:       strings.TrimSpace(values.Get("q")),
		DocumentID: strings.TrimSpace(values.Get("documentId")),
		Status:     strings.TrimSpace(values.Get("status")),
	}
	if q.DocumentID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId is required", nil)
		return
	}
	if _, ok := s.requireCollaborator(w, r, q.DocumentID); !ok {
		return
	}
	if q.Status != "" {
		if _, err := comments.ParseStatus(q.Status); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
	}
	q.Limit, _ = strconv.Atoi(values.Get("limit"))
	q.Offset, _ = strconv.Atoi(values.Get("offset"))
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeError(w, http.StatusServiceUnavailable, "RELAY_DISABLED", "Realtime relay is not enabled", nil)
		return
	}
	documentID := mux.Vars(r)["documentID"]
	token := bearerToken(r)
	if token == "" {
		// browsers cannot set headers on websocket requests
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	claims, err := s.service.AuthorizeDocument(token, documentID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if err := s.relay.ServeWS(w, r, documentID); err != nil {
		log.Printf("app: relay %s for %s: %v", documentID, claims.Subject, err)
	}
}

func (s *HTTPServer) requireCollaborator(w http.ResponseWriter, r *http.Request, documentID string) (auth.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Claims{}, false
	}
	claims, err := s.service.AuthorizeDocument(token, documentID)
	if err != nil {
		writeMappedError(w, err)
		return auth.Claims{}, false
	}
	return claims, true
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

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
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
	if status == http.StatusInternalServerError {
		log.Printf("app: %v", err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, auth.ErrWrongDocument) {
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
