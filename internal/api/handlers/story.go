package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/storyloom/canon/internal/api/middleware"
	"github.com/storyloom/canon/internal/domain"
	"github.com/storyloom/canon/internal/service"
)

type StoryHandler struct {
	loop *service.LoopService
}

func NewStoryHandler(loop *service.LoopService) *StoryHandler {
	return &StoryHandler{loop: loop}
}

type createStoryRequest struct {
	Title string `json:"title"`
}

func (h *StoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	story, err := h.loop.CreateStory(r.Context(), chronicle.ID, req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create story")
		return
	}

	writeJSON(w, http.StatusCreated, story)
}

func (h *StoryHandler) Activate(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid story id")
		return
	}

	story, err := h.loop.ActivateStory(r.Context(), chronicle.ID, id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrStoryNotFound):
			writeError(w, http.StatusNotFound, "story not found")
		case errors.Is(err, domain.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "story is not in created status")
		default:
			writeError(w, http.StatusInternalServerError, "failed to activate story")
		}
		return
	}

	writeJSON(w, http.StatusOK, story)
}

type completeStoryRequest struct {
	ClosureScopeID string `json:"closure_scope_id"`
}

func (h *StoryHandler) Complete(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid story id")
		return
	}

	var req completeStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	closureScopeID, err := uuid.Parse(req.ClosureScopeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid closure_scope_id")
		return
	}

	result, err := h.loop.CompleteStory(r.Context(), chronicle.ID, id, closureScopeID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrStoryNotFound):
			writeError(w, http.StatusNotFound, "story not found")
		case errors.Is(err, service.ErrStoryNotActive), errors.Is(err, domain.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "story is not active")
		case errors.Is(err, service.ErrScopeNotFound):
			writeError(w, http.StatusNotFound, "closure scope not found")
		case errors.Is(err, domain.ErrScopeNotActive):
			writeError(w, http.StatusConflict, "closure scope is not active")
		default:
			writeError(w, http.StatusInternalServerError, "failed to complete story")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *StoryHandler) ListScenes(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid story id")
		return
	}

	scenes, err := h.loop.ListScenes(r.Context(), chronicle.ID, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list scenes")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"scenes": scenes})
}
