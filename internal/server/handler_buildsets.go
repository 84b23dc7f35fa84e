package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/me/forge/pkg/model"
)

func (s *Server) handleListBuildsets(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := parseListOptions(r)
	if v := r.URL.Query().Get("complete"); v != "" {
		complete := v == "true" || v == "1"
		opts.Complete = &complete
	}

	sets, total, err := s.store.ListBuildsets(r.Context(), opts)
	if err != nil {
		s.logger.Error("list buildsets", "error", err, "request_id", reqID)
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
			Code: model.ErrInternal, Message: "failed to list buildsets",
		})
		return
	}
	respondList(w, reqID, sets, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(sets) < total,
	})
}

// buildsetDetail is a buildset joined with the sourcestamps it builds.
type buildsetDetail struct {
	*model.Buildset
	SourceStamps []*model.SourceStamp `json:"sourcestamps"`
}

func (s *Server) handleGetBuildset(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(
			"invalid buildset id", model.FieldError{Field: "id", Message: "must be an integer"}))
		return
	}

	bs, err := s.store.GetBuildset(r.Context(), id)
	if err != nil {
		s.logger.Error("get buildset", "error", err, "buildsetid", id, "request_id", reqID)
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
			Code: model.ErrInternal, Message: "failed to load buildset",
		})
		return
	}
	if bs == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("buildset", chi.URLParam(r, "id")))
		return
	}

	stamps, err := s.store.GetSourceStamps(r.Context(), bs.SourceStampSetID)
	if err != nil {
		s.logger.Error("get sourcestamps", "error", err, "buildsetid", id, "request_id", reqID)
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
			Code: model.ErrInternal, Message: "failed to load sourcestamps",
		})
		return
	}
	respondOK(w, reqID, buildsetDetail{Buildset: bs, SourceStamps: stamps})
}

func (s *Server) handleListBuildRequests(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(
			"invalid buildset id", model.FieldError{Field: "id", Message: "must be an integer"}))
		return
	}

	reqs, err := s.store.ListBuildRequests(r.Context(), id)
	if err != nil {
		s.logger.Error("list build requests", "error", err, "buildsetid", id, "request_id", reqID)
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
			Code: model.ErrInternal, Message: "failed to list build requests",
		})
		return
	}
	respondOK(w, reqID, reqs)
}
