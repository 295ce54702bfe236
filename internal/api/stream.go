package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/model"
)

// handleStreamSteps replays an execution's step history as server-sent
// events and then follows new steps until the execution is terminal.
func (s *Server) handleStreamSteps(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := chi.URLParam(r, "id")

	if _, err := s.executions.GetExecution(r.Context(), p.Tenant, id); err != nil {
		s.writeServiceError(w, "stream steps", err)
		return
	}

	// Subscribe before reading history so no step falls between the two.
	ch, unsub := s.executions.Broker().Subscribe(id)
	defer unsub()

	exec, err := s.executions.GetExecution(r.Context(), p.Tenant, id)
	if err != nil {
		s.writeServiceError(w, "stream steps", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	seen := make(map[stepKey]bool, len(exec.Steps))
	for _, step := range exec.Steps {
		seen[keyOf(step)] = true
		if err := writeStepEvent(w, step); err != nil {
			return
		}
	}
	flush()

	if exec.IsTerminal() {
		_ = writeSSEEvent(w, "done", string(exec.CurrentStatus()))
		flush()
		return
	}

	for {
		select {
		case step, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if seen[keyOf(step)] {
				continue
			}
			if err := writeStepEvent(w, step); err != nil {
				return // client gone
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

type stepKey struct {
	status  model.ExecutionStatus
	time    int64
	message string
}

func keyOf(step model.Step) stepKey {
	return stepKey{status: step.Status, time: step.Time.UnixNano(), message: step.Message}
}

func writeStepEvent(w http.ResponseWriter, step model.Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, "step", string(data))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
