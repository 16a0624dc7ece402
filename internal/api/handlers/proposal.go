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

type ProposalHandler struct {
	svc *service.StagingService
}

func NewProposalHandler(svc *service.StagingService) *ProposalHandler {
	return &ProposalHandler{svc: svc}
}

type stageProposalRequest struct {
	ScopeID    string               `json:"scope_id"`
	Kind       string               `json:"kind"`
	Payload    domain.Payload       `json:"payload"`
	Evidence   []domain.EvidenceRef `json:"evidence"`
	Confidence float32              `json:"confidence"`
	Authority  string               `json:"authority"`
	Embedding  []float32            `json:"embedding,omitempty"`
}

func (h *ProposalHandler) Stage(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req stageProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	scopeID, err := uuid.Parse(req.ScopeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scope_id")
		return
	}

	proposal := &domain.Proposal{
		ChronicleID: chronicle.ID,
		ScopeID:     scopeID,
		Kind:        domain.ProposalKind(req.Kind),
		Payload:     req.Payload,
		Evidence:    req.Evidence,
		Confidence:  req.Confidence,
		Authority:   domain.Authority(req.Authority),
		Embedding:   req.Embedding,
	}

	if err := h.svc.Stage(r.Context(), proposal); err != nil {
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
			writeError(w, http.StatusInternalServerError, "failed to stage proposal")
		}
		return
	}

	writeJSON(w, http.StatusCreated, proposal)
}

func (h *ProposalHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return
	}

	proposal, err := h.svc.GetByID(r.Context(), id, chronicle.ID)
	if err != nil {
		if errors.Is(err, service.ErrProposalNotFound) {
			writeError(w, http.StatusNotFound, "proposal not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get proposal")
		return
	}

	writeJSON(w, http.StatusOK, proposal)
}

func (h *ProposalHandler) ListByScope(w http.ResponseWriter, r *http.Request) {
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

	var status *domain.ProposalStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := domain.ProposalStatus(raw)
		switch s {
		case domain.ProposalPending, domain.ProposalAccepted, domain.ProposalRejected:
			status = &s
		default:
			writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
	}

	proposals, err := h.svc.ListByScope(r.Context(), chronicle.ID, scopeID, status)
	if err != nil {
		if errors.Is(err, service.ErrScopeNotFound) {
			writeError(w, http.StatusNotFound, "scope not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to list proposals")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}
