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
	"github.com/storyloom/canon/internal/store"
)

type ScopeHandler struct {
	loop      *service.LoopService
	canonizer *service.Canonizer
}

func NewScopeHandler(loop *service.LoopService, canonizer *service.Canonizer) *ScopeHandler {
	return &ScopeHandler{loop: loop, canonizer: canonizer}
}

type createSceneRequest struct {
	StoryID string `json:"story_id"`
	Name    string `json:"name"`
}

func (h *ScopeHandler) Create(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createSceneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	storyID, err := uuid.Parse(req.StoryID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid story_id")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	scope, err := h.loop.CreateScene(r.Context(), chronicle.ID, storyID, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrStoryNotFound):
			writeError(w, http.StatusNotFound, "story not found")
		case errors.Is(err, service.ErrStoryNotActive):
			writeError(w, http.StatusConflict, "story is not active")
		default:
			writeError(w, http.StatusInternalServerError, "failed to create scene")
		}
		return
	}

	writeJSON(w, http.StatusCreated, scope)
}

func (h *ScopeHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scope id")
		return
	}

	scope, err := h.loop.GetScene(r.Context(), chronicle.ID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scope not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get scope")
		return
	}

	writeJSON(w, http.StatusOK, scope)
}

func (h *ScopeHandler) Begin(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scope id")
		return
	}

	scope, err := h.loop.BeginScene(r.Context(), chronicle.ID, id)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, "scope is not in created status")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to begin scene")
		return
	}

	writeJSON(w, http.StatusOK, scope)
}

type checkpointRequest struct {
	ProposalIDs []string `json:"proposal_ids"`
}

func (h *ScopeHandler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	scopeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scope id")
		return
	}

	var req checkpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ProposalIDs) == 0 {
		writeError(w, http.StatusBadRequest, "proposal_ids is required")
		return
	}
	ids := make([]uuid.UUID, 0, len(req.ProposalIDs))
	for _, raw := range req.ProposalIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid proposal id: "+raw)
			return
		}
		ids = append(ids, id)
	}

	result, err := h.canonizer.Checkpoint(r.Context(), chronicle.ID, scopeID, ids)
	if err != nil {
		writeBatchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *ScopeHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	scopeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scope id")
		return
	}

	result, err := h.loop.EndScene(r.Context(), chronicle.ID, scopeID)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyCanonized) {
			// Completed scopes keep their outcome set; re-finalizing is
			// rejected but the original outcomes are echoed back.
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":              "scope already canonized",
				"canonical_item_ids": result.CanonicalItemIDs,
			})
			return
		}
		writeBatchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type turnRequest struct {
	Input     string                 `json:"input"`
	Proposals []stageProposalRequest `json:"proposals"`
}

func (h *ScopeHandler) Turn(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	scopeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scope id")
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	proposals := make([]domain.Proposal, 0, len(req.Proposals))
	for _, p := range req.Proposals {
		proposals = append(proposals, domain.Proposal{
			Kind:       domain.ProposalKind(p.Kind),
			Payload:    p.Payload,
			Evidence:   p.Evidence,
			Confidence: p.Confidence,
			Authority:  domain.Authority(p.Authority),
			Embedding:  p.Embedding,
		})
	}

	result, err := h.loop.Turn(r.Context(), service.TurnInput{
		ChronicleID: chronicle.ID,
		ScopeID:     scopeID,
		Input:       req.Input,
		Proposals:   proposals,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidKind),
			errors.Is(err, service.ErrInvalidAuthority),
			errors.Is(err, service.ErrConfidenceRange),
			errors.Is(err, service.ErrPayloadShape),
			errors.Is(err, service.ErrInvalidEvidence):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrScopeNotFound):
			writeError(w, http.StatusNotFound, "scope not found")
		case errors.Is(err, domain.ErrScopeNotActive):
			writeError(w, http.StatusConflict, "scope is not active")
		default:
			writeBatchError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// writeBatchError maps canonization errors shared by the checkpoint,
// finalize, and turn paths.
func writeBatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrScopeNotFound):
		writeError(w, http.StatusNotFound, "scope not found")
	case errors.Is(err, domain.ErrScopeNotActive):
		writeError(w, http.StatusConflict, "scope is not active")
	case errors.Is(err, domain.ErrAlreadyCanonized):
		writeError(w, http.StatusConflict, "scope already canonized")
	case errors.Is(err, store.ErrConstraintViolation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrTransactionFailed):
		writeError(w, http.StatusServiceUnavailable, "canonization transaction failed, retry")
	default:
		writeError(w, http.StatusInternalServerError, "canonization failed")
	}
}
