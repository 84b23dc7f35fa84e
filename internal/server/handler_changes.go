package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/forge/internal/bus"
	"github.com/me/forge/pkg/model"
)

// parseListOptions reads limit/offset query parameters.
func parseListOptions(r *http.Request) model.ListOptions {
	opts := model.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	opts.Clamp()
	return opts
}

func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := parseListOptions(r)
	opts.Branch = r.URL.Query().Get("branch")

	changes, total, err := s.store.ListChanges(r.Context(), opts)
	if err != nil {
		s.logger.Error("list changes", "error", err, "request_id", reqID)
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
			Code: model.ErrInternal, Message: "failed to list changes",
		})
		return
	}
	respondList(w, reqID, changes, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(changes) < total,
	})
}

func (s *Server) handleCreateChange(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Author     string         `json:"author"`
		Branch     string         `json:"branch"`
		Revision   string         `json:"revision"`
		Repository string         `json:"repository"`
		Project    string         `json:"project"`
		Codebase   string         `json:"codebase"`
		Category   string         `json:"category"`
		Comments   string         `json:"comments"`
		Files      []string       `json:"files"`
		Properties map[string]any `json:"properties"`
		When       *time.Time     `json:"when"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}
	if req.Author == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(
			"invalid change", model.FieldError{Field: "author", Message: "must not be empty"}))
		return
	}

	c := &model.Change{
		Author:     req.Author,
		Branch:     req.Branch,
		Revision:   req.Revision,
		Repository: req.Repository,
		Project:    req.Project,
		Codebase:   req.Codebase,
		Category:   req.Category,
		Comments:   req.Comments,
		Files:      req.Files,
		Properties: model.NewProperties("Change", req.Properties),
	}
	if req.When != nil {
		c.When = req.When.UTC()
	}

	if err := s.store.AddChange(r.Context(), c); err != nil {
		s.logger.Error("add change", "error", err, "request_id", reqID)
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
			Code: model.ErrInternal, Message: "failed to record change",
		})
		return
	}

	// The change is durable; now let every scheduler see it.
	if err := s.bus.Publish(r.Context(), bus.TopicChanges, c); err != nil {
		s.logger.Error("publish change", "error", err, "changeid", c.ID, "request_id", reqID)
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
			Code: model.ErrInternal, Message: "change recorded but not delivered",
		})
		return
	}

	respondCreated(w, reqID, c)
}

func (s *Server) handleGetChange(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(
			"invalid change id", model.FieldError{Field: "id", Message: "must be an integer"}))
		return
	}

	c, err := s.store.GetChange(r.Context(), id)
	if err != nil {
		s.logger.Error("get change", "error", err, "changeid", id, "request_id", reqID)
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
			Code: model.ErrInternal, Message: "failed to load change",
		})
		return
	}
	if c == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("change", chi.URLParam(r, "id")))
		return
	}
	respondOK(w, reqID, c)
}
