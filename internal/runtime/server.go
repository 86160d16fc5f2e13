package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/szaher/recall/internal/chat"
	"github.com/szaher/recall/internal/faults"
	"github.com/szaher/recall/internal/session"
	"github.com/szaher/recall/internal/store"
	"github.com/szaher/recall/internal/telemetry"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Error codes returned in the error envelope.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeModelUnavailable   = "model_unavailable"
	CodeStorageUnavailable = "storage_unavailable"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal_error"
)

// Server is the HTTP front end of the chat service.
type Server struct {
	chat        *chat.Service
	metrics     *telemetry.Metrics
	mux         *http.ServeMux
	server      *http.Server
	logger      *slog.Logger
	turnTimeout time.Duration
	startTime   time.Time
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics exposes m at /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithTurnTimeout bounds each chat turn. 0 leaves turns bounded only by the
// request context.
func WithTurnTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.turnTimeout = d }
}

// NewServer creates the HTTP server for svc.
func NewServer(svc *chat.Service, opts ...ServerOption) *Server {
	s := &Server{
		chat:      svc,
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("GET /api/v1/conversations/{id}/messages", s.handleHistory)
	mux.HandleFunc("GET /api/v1/conversations/{id}/summary", s.handleSummary)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", s.handlePurge)

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.correlationMiddleware(s.mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string, readTimeout, writeTimeout time.Duration) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
	s.logger.Info("recall server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// correlationMiddleware tags each request with the caller's X-Request-ID,
// or a fresh one, and echoes it back.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", telemetry.CorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	UserText       string `json:"user_text"`
}

type chatResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
	Summary        string `json:"summary,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = session.NewID()
	}

	ctx := r.Context()
	if s.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.turnTimeout)
		defer cancel()
	}
	reply, err := s.chat.Turn(ctx, req.ConversationID, req.UserText)
	if err != nil {
		s.writeTurnError(w, r, req.ConversationID, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		ConversationID: reply.ConversationID,
		Reply:          reply.Text,
		Summary:        reply.Summary,
	})
}

// writeTurnError maps a failed turn onto the error envelope. Messages are
// fixed strings; details stay in the log.
func (s *Server) writeTurnError(w http.ResponseWriter, r *http.Request, conversationID string, err error) {
	logger := telemetry.RequestLogger(s.logger, r.Context(), conversationID)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "user_text must not be empty")
	case errors.Is(err, session.ErrInvalidID):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid conversation_id")
	case faults.Is(err, faults.Service), faults.Is(err, faults.ServiceTimeout):
		logger.Error("turn failed", "kind", faults.KindOf(err), "error", err)
		writeError(w, http.StatusServiceUnavailable, CodeModelUnavailable, chat.ApologyText)
	case faults.Is(err, faults.Storage):
		logger.Error("turn failed", "kind", faults.KindOf(err), "error", err)
		writeError(w, http.StatusServiceUnavailable, CodeStorageUnavailable, "Conversation storage is unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		logger.Error("turn timed out", "error", err)
		writeError(w, http.StatusGatewayTimeout, CodeTimeout, "The turn took too long")
	case errors.Is(err, context.Canceled):
		logger.Info("turn cancelled by client")
	default:
		logger.Error("turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Internal error")
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	id := r.PathValue("id")
	msgs, err := s.chat.History(r.Context(), id, limit)
	if err != nil {
		s.writeTurnError(w, r, id, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": id,
		"messages":        msgs,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	summary, err := s.chat.Summary(r.Context(), id)
	if err != nil {
		s.writeTurnError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"conversation_id": id,
		"summary":         summary,
	})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.chat.Purge(r.Context(), id); err != nil {
		s.writeTurnError(w, r, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
