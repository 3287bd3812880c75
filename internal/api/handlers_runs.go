package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/storage"
)

type runListResponse struct {
	Runs []*model.RunRecord `json:"runs"`
}

func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.ledger.RecentFinished(r.Context(), limitParam(r, s.config.RecentLimit))
	if err != nil {
		s.logger.Error("Failed to list recent runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runListResponse{Runs: nonNil(runs)})
}

func (s *Server) handleListTaskRuns(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	runs, err := s.ledger.ListByTask(r.Context(), taskID, limitParam(r, s.config.RecentLimit))
	if err != nil {
		s.logger.Error("Failed to list task runs", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runListResponse{Runs: nonNil(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.ledger.Get(r.Context(), runID)
	if err != nil {
		s.writeRunError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunStream sends the run as server-sent events after every ledger
// change and ends with an "end" event once it is terminal.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.ledger.Get(r.Context(), runID); err != nil {
		s.writeRunError(w, runID, err)
		return
	}

	flusher, ok := startEventStream(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	for run := range s.ledger.WatchRun(r.Context(), runID) {
		if err := writeEvent(w, "run", run); err != nil {
			return
		}
		flusher.Flush()
	}
	if r.Context().Err() == nil {
		_ = writeEvent(w, "end", struct{}{})
		flusher.Flush()
	}
}

// handleRecentRunsStream sends the recent finished runs after every ledger
// change until the client disconnects.
func (s *Server) handleRecentRunsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := startEventStream(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	for runs := range s.ledger.WatchRecentFinished(r.Context(), limitParam(r, s.config.RecentLimit)) {
		if err := writeEvent(w, "runs", runListResponse{Runs: nonNil(runs)}); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) writeRunError(w http.ResponseWriter, runID string, err error) {
	if errors.Is(err, storage.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	s.logger.Error("Failed to get run", zap.String("run_id", runID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
}

func startEventStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeEvent(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

func nonNil(runs []*model.RunRecord) []*model.RunRecord {
	if runs == nil {
		return []*model.RunRecord{}
	}
	return runs
}
