package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/forge/internal/scheduler"
	"github.com/me/forge/pkg/model"
)

// forcer is implemented by schedulers that can trigger a build of the
// latest sources on demand.
type forcer interface {
	AddBuildsetForLatest(ctx context.Context, reason string, opts scheduler.LatestOptions) (int64, map[string]int64, error)
}

type schedulerInfo struct {
	Name         string      `json:"name"`
	BuilderNames []string    `json:"builder_names"`
	PendingAt    []time.Time `json:"pending_build_times"`
	Forceable    bool        `json:"forceable"`
}

func (s *Server) schedulerInfo(sched scheduler.Scheduler) schedulerInfo {
	_, forceable := sched.(forcer)
	return schedulerInfo{
		Name:         sched.Name(),
		BuilderNames: sched.ListBuilderNames(),
		PendingAt:    sched.GetPendingBuildTimes(),
		Forceable:    forceable,
	}
}

func (s *Server) handleListSchedulers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	infos := make([]schedulerInfo, 0, len(s.schedulers))
	for _, sched := range s.schedulers {
		infos = append(infos, s.schedulerInfo(sched))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	respondOK(w, reqID, infos)
}

func (s *Server) handleGetScheduler(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")

	sched, ok := s.schedulers[name]
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("scheduler", name))
		return
	}
	respondOK(w, reqID, s.schedulerInfo(sched))
}

func (s *Server) handleForceScheduler(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")

	sched, ok := s.schedulers[name]
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("scheduler", name))
		return
	}
	f, ok := sched.(forcer)
	if !ok {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code: model.ErrConflict, Message: "scheduler does not support forced builds",
		})
		return
	}

	var req struct {
		Reason     string         `json:"reason"`
		Branch     *string        `json:"branch"`
		Repository string         `json:"repository"`
		Project    string         `json:"project"`
		Properties map[string]any `json:"properties"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, reqID, http.StatusBadRequest, &model.APIError{
				Code:    model.ErrValidation,
				Message: "Invalid JSON body: " + err.Error(),
			})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "forced build"
	}

	bsid, brids, err := f.AddBuildsetForLatest(r.Context(), req.Reason, scheduler.LatestOptions{
		BuildsetOptions: scheduler.BuildsetOptions{
			Properties: model.NewProperties("Force Build", req.Properties),
		},
		Branch:     req.Branch,
		Repository: req.Repository,
		Project:    req.Project,
	})
	if err != nil {
		s.logger.Error("force build", "error", err, "scheduler", name, "request_id", reqID)
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
			Code: model.ErrInternal, Message: "failed to create buildset",
		})
		return
	}
	respondCreated(w, reqID, map[string]any{
		"buildsetid": bsid,
		"brids":      brids,
	})
}
