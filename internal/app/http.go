package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"secondbrain/api/internal/log"
	"secondbrain/api/internal/model"
	"secondbrain/api/internal/rbac"
	"secondbrain/api/internal/store"
	"secondbrain/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     log.SubLogger(service.logger, "http"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Options("/*", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Get("/api/session", s.handleSession)

	r.Route("/api/rooms/{roomID}", func(r chi.Router) {
		r.Use(s.requireIdentity)
		r.Get("/ws", s.handleRoomSocket)
		r.Get("/history", s.handleRoomHistory)
		r.Get("/edits", s.handleRoomEdits)
		r.Get("/resources/{resourceType}/{resourceID}", s.handleResolvedResource)
		r.Get("/chat", s.handleRoomChat)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errMethodNotAllowed)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := s.service.Ready(ctx)
	names := s.service.CheckNames()
	sort.Strings(names)

	checks := map[string]any{}
	for _, name := range names {
		if err, failed := failures[name]; failed {
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if len(failures) > 0 {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     len(failures) == 0,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	identity, err := s.service.IdentityFromToken(token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "identity": model.PlaceholderIdentity()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": token != "", "identity": identity})
}

func (s *HTTPServer) handleRoomHistory(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	writeJSON(w, http.StatusOK, s.service.CachedHistory(r.Context(), identity, chi.URLParam(r, "roomID")))
}

func (s *HTTPServer) handleRoomEdits(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, asDomainError(err))
		return
	}
	query := r.URL.Query()
	edits, err := s.service.ListEdits(r.Context(), store.EditFilter{
		Room:         chi.URLParam(r, "roomID"),
		ResourceType: query.Get("resource_type"),
		ResourceID:   query.Get("resource_id"),
		Field:        query.Get("field"),
		Limit:        limit,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": edits})
}

func (s *HTTPServer) handleResolvedResource(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "resourceType")
	resourceID := chi.URLParam(r, "resourceID")
	fields, err := s.service.ResolveResource(r.Context(), chi.URLParam(r, "roomID"), resourceType, resourceID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"fields":        fields,
	})
}

func (s *HTTPServer) handleRoomChat(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, asDomainError(err))
		return
	}
	messages, err := s.service.ListChatMessages(r.Context(), chi.URLParam(r, "roomID"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": messages})
}

// requireIdentity resolves the caller and rejects roles that may not
// observe the room.
func (s *HTTPServer) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.service.IdentityFromToken(requestToken(r))
		if err != nil {
			writeError(w, asDomainError(err))
			return
		}
		if !rbac.Can(rbac.Normalize(identity.Role), rbac.ActionObserve) {
			writeError(w, errForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	domainErr := asDomainError(err)
	if domainErr.Status >= http.StatusInternalServerError && domainErr.Status != http.StatusServiceUnavailable {
		log.FromContext(r.Context()).Error("request failed", "err", err)
	}
	writeError(w, domainErr)
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	if s.corsOrigin == "" || s.corsOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.corsOrigin
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		logger := s.logger.With("request_id", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = log.IntoContext(ctx, logger)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type identityKey struct{}

func identityFrom(ctx context.Context) model.Identity {
	if identity, ok := ctx.Value(identityKey{}).(model.Identity); ok {
		return identity
	}
	return model.PlaceholderIdentity()
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
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,HEAD,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err *DomainError) {
	response := map[string]any{
		"code":  err.Code,
		"error": err.Message,
	}
	if err.Details != nil {
		response["details"] = err.Details
	}
	writeJSON(w, err.Status, response)
}

// requestToken reads the bearer token, falling back to the token query
// parameter since browsers cannot set headers on websocket requests.
func requestToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, invalidLimit()
	}
	return limit, nil
}
