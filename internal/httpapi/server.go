// Package httpapi is the HTTP surface: research submission with a streamed
// response, stream resumption over SSE and WebSocket, and task lookup.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/auth"
	"github.com/McLeuker/mcleukerai-sub000/internal/models"
	"github.com/McLeuker/mcleukerai-sub000/internal/orchestrator"
	"github.com/McLeuker/mcleukerai-sub000/internal/store"
	"github.com/McLeuker/mcleukerai-sub000/internal/streaming"
	"github.com/McLeuker/mcleukerai-sub000/internal/taskerr"
)

// Researcher admits and executes research tasks.
type Researcher interface {
	Admit(ctx context.Context, req orchestrator.Request) (*models.ResearchTask, error)
	Run(ctx context.Context, task *models.ResearchTask)
}

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*auth.Identity, error)
}

// TaskReader loads persisted tasks for the lookup endpoint.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*models.ResearchTask, error)
}

// Server wires the handlers onto a chi router.
type Server struct {
	orch   Researcher
	auth   Authenticator
	stream *streaming.Manager
	tasks  TaskReader
	logger *zap.Logger
}

func NewServer(orch Researcher, authn Authenticator, stream *streaming.Manager, tasks TaskReader, logger *zap.Logger) *Server {
	return &Server{orch: orch, auth: authn, stream: stream, tasks: tasks, logger: logger}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1/research", func(r chi.Router) {
		r.Post("/", s.handleResearch)
		r.Get("/{id}", s.handleGetTask)
		r.Get("/{id}/stream", s.handleStream)
		r.Get("/{id}/ws", s.handleWS)
	})
	return r
}

type researchRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	Model          string `json:"model,omitempty"`
	Domain         string `json:"domain,omitempty"`
}

// handleResearch admits a research task and streams its progress events as
// the response body. The stream always terminates with a final completed or
// failed event; admission failures other than auth become a single failed
// event so stream consumers never need a second error channel.
func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	ident, err := s.auth.Authenticate(r.Context(), r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}

	var body researchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest,
			taskerr.New(taskerr.KindValidation, "malformed request body"))
		return
	}
	req := orchestrator.Request{
		Query:  body.Query,
		UserID: ident.UserID,
		Model:  body.Model,
		Domain: body.Domain,
	}
	if body.ConversationID != "" {
		cid, err := uuid.Parse(body.ConversationID)
		if err != nil {
			s.writeError(w, http.StatusBadRequest,
				taskerr.New(taskerr.KindValidation, "conversation_id must be a UUID"))
			return
		}
		req.ConversationID = &cid
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	defer sse.close()

	task, err := s.orch.Admit(r.Context(), req)
	if err != nil {
		// One terminal failed event, then close. Zero provider calls were
		// made and zero credits are at stake.
		sse.write(streaming.Event{
			Phase:               models.PhaseFailed,
			Message:             taskerr.UserMessage(err),
			Error:               taskerr.KindOf(err).String(),
			Final:               true,
			InsufficientCredits: taskerr.Is(err, taskerr.KindBudget),
		})
		return
	}

	ch := s.stream.Subscribe(task.ID.String(), 512)
	defer s.stream.Unsubscribe(task.ID.String(), ch)
	sse.comment("task " + task.ID.String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.orch.Run(r.Context(), task)
	}()

	s.pump(r.Context(), sse, ch)
	<-done
}

// handleStream resumes a task's event stream over SSE, replaying missed
// events from the Last-Event-ID header or query parameter.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(taskID); err != nil {
		s.writeError(w, http.StatusBadRequest,
			taskerr.New(taskerr.KindValidation, "task id must be a UUID"))
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	defer sse.close()

	ch := s.stream.Subscribe(taskID, 512)
	defer s.stream.Unsubscribe(taskID, ch)
	sse.comment("resumed task " + taskID)

	lastID := lastEventID(r)
	for _, ev := range s.stream.ReplaySince(taskID, lastID) {
		if done := sse.write(ev); done || ev.Final {
			return
		}
	}
	s.pump(r.Context(), sse, ch)
}

// pump forwards live events until the terminal event or client disconnect.
func (s *Server) pump(ctx context.Context, sse *sseWriter, ch chan streaming.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if failed := sse.write(ev); failed || ev.Final {
				return
			}
		case <-sse.heartbeat():
			sse.comment("ping")
		}
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.Authenticate(r.Context(), r); err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	taskID := chi.URLParam(r, "id")
	task, err := s.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(task)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": taskerr.UserMessage(err),
		"kind":  taskerr.KindOf(err).String(),
	})
}
