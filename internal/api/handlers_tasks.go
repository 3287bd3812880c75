package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/recurrence"
)

type taskResponse struct {
	Task          model.ScheduledTask `json:"task"`
	DisplayTitle  string              `json:"display_title"`
	Eligible      bool                `json:"eligible"`
	NextTriggerAt *int64              `json:"next_trigger_at,omitempty"`
}

type taskListResponse struct {
	Tasks []taskResponse `json:"tasks"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	settings, err := s.settings.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("Failed to read settings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}

	now := s.now()
	tasks := make([]taskResponse, 0, len(settings.Tasks))
	for _, task := range settings.Tasks {
		resp := taskResponse{
			Task:         task,
			DisplayTitle: task.DisplayTitle(),
			Eligible:     task.Eligible(),
		}
		if resp.Eligible {
			next := recurrence.NextTriggerAt(task.Recurrence, now).UnixMilli()
			resp.NextTriggerAt = &next
		}
		tasks = append(tasks, resp)
	}
	writeJSON(w, http.StatusOK, taskListResponse{Tasks: tasks})
}
