// Package server exposes the answer core over HTTP, including the SSE
// streaming endpoint consumed by the presentation layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/cexll/answercore/pkg/event"
	"github.com/cexll/answercore/pkg/model"
	"github.com/cexll/answercore/pkg/orchestrator"
	"github.com/cexll/answercore/pkg/registry"
)

// Answerer is the orchestrator slice the server depends on.
type Answerer interface {
	Answer(ctx context.Context, q orchestrator.Query, emit orchestrator.EmitFunc) (orchestrator.Status, error)
}

// Server routes answer requests to the orchestrator.
type Server struct {
	answerer Answerer
	registry *registry.Registry
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New creates a Server with pre-wired routes.
func New(answerer Answerer, reg *registry.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{answerer: answerer, registry: reg, logger: logger, mux: http.NewServeMux()}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("/v1/answer", s.handleAnswer)
	s.mux.HandleFunc("/v1/providers", s.handleProviders)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}

// ServeHTTP implements http.Handler and delegates to the internal mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}

type answerPayload struct {
	Query          string                 `json:"query"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	History        []historyTurn          `json:"history,omitempty"`
	Options        orchestrator.Overrides `json:"options"`
	Stream         bool                   `json:"stream,omitempty"`
}

type historyTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type answerResponse struct {
	Answer string              `json:"answer"`
	Status orchestrator.Status `json:"status"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var payload answerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	q := orchestrator.Query{
		ID:             uuid.NewString(),
		ConversationID: payload.ConversationID,
		Text:           payload.Query,
		History:        convertHistory(payload.History),
		Options:        payload.Options,
	}
	if payload.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamAnswer(w, r, q)
		return
	}
	s.unaryAnswer(w, r, q)
}

// unaryAnswer buffers the whole answer and replies with one JSON document.
func (s *Server) unaryAnswer(w http.ResponseWriter, r *http.Request, q orchestrator.Query) {
	var sb strings.Builder
	status, err := s.answerer.Answer(r.Context(), q, func(chunk orchestrator.Chunk) error {
		sb.WriteString(chunk.Text)
		return nil
	})
	if err != nil && status.Outcome != orchestrator.OutcomeFailed {
		// Defensive: the orchestrator reports failures through Status.
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if status.Outcome == orchestrator.OutcomeFailed {
		w.WriteHeader(httpStatusFor(status.ErrorKind))
	}
	if err := json.NewEncoder(w).Encode(answerResponse{Answer: sb.String(), Status: status}); err != nil {
		s.logger.Warn("encode answer response", "err", err)
	}
}

// streamAnswer delivers fragments as SSE frames followed by exactly one
// terminal status frame. Client disconnect cancels the in-flight run through
// the request context.
func (s *Server) streamAnswer(w http.ResponseWriter, r *http.Request, q orchestrator.Query) {
	stream, err := event.NewStream(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status, _ := s.answerer.Answer(r.Context(), q, func(chunk orchestrator.Chunk) error {
		return stream.Send(event.New(event.TypeAnswerDelta, q.ID, event.AnswerDeltaData{Text: chunk.Text}))
	})
	if status.Outcome == orchestrator.OutcomeFailed {
		_ = stream.Send(event.New(event.TypeError, q.ID, event.ErrorData{
			Message: status.Message,
			Kind:    string(status.ErrorKind),
		}))
	}
	if err := stream.Send(event.New(event.TypeStatus, q.ID, status)); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("send terminal status", "query_id", q.ID, "err", err)
	}
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.registry.Providers()); err != nil {
		s.logger.Warn("encode providers", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func convertHistory(turns []historyTurn) []model.Message {
	out := make([]model.Message, 0, len(turns))
	for _, t := range turns {
		role := model.Role(t.Role)
		if role != model.RoleAssistant && role != model.RoleSystem {
			role = model.RoleUser
		}
		out = append(out, model.Message{Role: role, Content: t.Text})
	}
	return out
}

// httpStatusFor maps terminal error kinds to transport status codes.
func httpStatusFor(kind orchestrator.ErrorKind) int {
	switch kind {
	case orchestrator.ErrProviderNotFound, orchestrator.ErrModelNotFound:
		return http.StatusBadRequest
	case orchestrator.ErrNoRelevantContent:
		return http.StatusNotFound
	case orchestrator.ErrProviderBusy:
		return http.StatusServiceUnavailable
	case orchestrator.ErrGenerationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
