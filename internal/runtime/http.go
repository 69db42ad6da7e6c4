package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

const probeTimeout = 500 * time.Millisecond

type speakRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
	Target    string `json:"target,omitempty"`
}

type speakResponse struct {
	SessionID  string `json:"session_id"`
	Generation uint64 `json:"generation"`
}

type stopResponse struct {
	Status  tts.Status `json:"status"`
	Warning string     `json:"warning,omitempty"`
}

type sessionView struct {
	ID         string     `json:"session_id"`
	Text       string     `json:"text"`
	Target     string     `json:"target,omitempty"`
	Generation uint64     `json:"generation"`
	FinalState string     `json:"final_state,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type eventView struct {
	Type      string          `json:"type"`
	State     string          `json:"state,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("POST /v1/speak", r.handleSpeak)
	mux.HandleFunc("POST /v1/stop", r.handleStop)
	mux.HandleFunc("GET /v1/status", r.handleStatus)
	mux.HandleFunc("GET /v1/sessions", r.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleSessionEvents)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady also checks that the synthesis server accepts connections.
func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if !r.ready.Load() || !r.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if err := tts.Probe(req.Context(), r.cfg.Stream.Addr(), probeTimeout); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("synthesizer unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) handleSpeak(w http.ResponseWriter, req *http.Request) {
	var body speakRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := r.ctrl.StartRequest(tts.Request{ID: body.SessionID, Text: body.Text, Target: body.Target})
	switch {
	case errors.Is(err, tts.ErrEmptyText):
		writeError(w, http.StatusBadRequest, "text is required")
		return
	case errors.Is(err, tts.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, speakResponse{SessionID: sess.ID(), Generation: sess.Generation()})
}

func (r *Runtime) handleStop(w http.ResponseWriter, _ *http.Request) {
	resp := stopResponse{}
	if err := r.ctrl.Stop(); err != nil {
		r.logger.Warn("stop incomplete", slog.String("error", err.Error()))
		resp.Warning = err.Error()
	}
	resp.Status = r.ctrl.Status()
	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.ctrl.Status())
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	sessions, err := r.store.RecentSessions(ctx, queryInt(req, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		v := sessionView{
			ID:         s.ID,
			Text:       s.Text,
			Target:     s.Target,
			Generation: s.Generation,
			FinalState: s.FinalState,
			Error:      s.Error,
			CreatedAt:  s.CreatedAt,
		}
		if !s.FinishedAt.IsZero() {
			finished := s.FinishedAt
			v.FinishedAt = &finished
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimSpace(req.PathValue("id"))
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	events, err := r.store.ListSessionEvents(ctx, id, queryInt(req, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eventViews(events))
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	if r.registry == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, r.registry.Query(nil))
}

func eventViews(events []eventstore.Event) []eventView {
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		v := eventView{Type: e.Type, State: e.State, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			v.Payload = e.Payload
		}
		out = append(out, v)
	}
	return out
}

func queryInt(req *http.Request, key string, fallback int) int {
	if v, err := strconv.Atoi(req.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
