package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kylemclaren/agent-tasks/internal/db"
	"github.com/kylemclaren/agent-tasks/internal/stream"
)

const pingInterval = 15 * time.Second

// StreamResult handles GET /api/v1/results/{id}/events. It sends the current
// status of the result as a server-sent event, then every transition until
// the run finishes.
func (s *Server) StreamResult(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid result ID", err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	clientID := middleware.GetReqID(r.Context())
	if clientID == "" {
		clientID = uuid.NewString()
	}
	// Subscribe before reading the record so no transition is missed.
	client := s.events.Subscribe(id, clientID)
	defer s.events.Unsubscribe(id, client)

	result, err := s.tasks.GetResult(r.Context(), owner(r), id)
	if err != nil {
		s.fail(w, "Failed to fetch result", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	current := resultEvent(result)
	if err := writeEvent(w, current); err != nil {
		return
	}
	flusher.Flush()
	if current.Final {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case ev := <-client.Events:
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Final {
				return
			}
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func resultEvent(r *db.ExecutionResult) stream.Event {
	ev := stream.Event{
		ResultID:  r.ID,
		TaskID:    r.TaskID,
		RunID:     r.RunID,
		Status:    string(r.Status),
		Error:     r.Error,
		Final:     !r.Status.InFlight(),
		Timestamp: r.StartedAt,
	}
	if r.CompletedAt != nil {
		ev.Timestamp = *r.CompletedAt
	}
	return ev
}

func writeEvent(w http.ResponseWriter, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	name := "status"
	if ev.Final {
		name = "complete"
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
