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

// CanonHandler serves the read surface of canon plus the explicit retcon
// path. It holds only the reader; writes go through the canonizer.
type CanonHandler struct {
	reader    domain.CanonicalReader
	evidence  domain.EvidenceStore
	canonizer *service.Canonizer
}

func NewCanonHandler(reader domain.CanonicalReader, evidence domain.EvidenceStore, canonizer *service.Canonizer) *CanonHandler {
	return &CanonHandler{reader: reader, evidence: evidence, canonizer: canonizer}
}

func (h *CanonHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid canonical item id")
		return
	}

	item, err := h.reader.GetByID(r.Context(), id, chronicle.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "canonical item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get canonical item")
		return
	}

	writeJSON(w, http.StatusOK, item)
}

type queryCanonRequest struct {
	Kind          string    `json:"kind,omitempty"`
	CanonLevel    string    `json:"canon_level,omitempty"`
	Entity        string    `json:"entity,omitempty"`
	MinConfidence float32   `json:"min_confidence,omitempty"`
	Embedding     []float32 `json:"embedding,omitempty"`
	Limit         int       `json:"limit,omitempty"`
}

func (h *CanonHandler) Query(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req queryCanonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	f := domain.CanonFilter{
		Entity:        req.Entity,
		MinConfidence: req.MinConfidence,
		Embedding:     req.Embedding,
		Limit:         req.Limit,
	}
	if req.Kind != "" {
		if !domain.ValidProposalKind(req.Kind) {
			writeError(w, http.StatusBadRequest, "invalid kind filter")
			return
		}
		k := domain.ProposalKind(req.Kind)
		f.Kind = &k
	}
	if req.CanonLevel != "" {
		lvl := domain.CanonLevel(req.CanonLevel)
		if lvl != domain.CanonLevelCanon && lvl != domain.CanonLevelRetconned {
			writeError(w, http.StatusBadRequest, "invalid canon_level filter")
			return
		}
		f.CanonLevel = &lvl
	}

	items, err := h.reader.Query(r.Context(), chronicle.ID, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query canon")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (h *CanonHandler) ActiveByEntity(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	entity := r.URL.Query().Get("entity")
	if entity == "" {
		writeError(w, http.StatusBadRequest, "entity query parameter is required")
		return
	}

	items, err := h.reader.ActiveByEntity(r.Context(), chronicle.ID, entity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list canon for entity")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (h *CanonHandler) History(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid canonical item id")
		return
	}

	chain, err := h.reader.History(r.Context(), id, chronicle.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "canonical item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"history": chain})
}

func (h *CanonHandler) Evidence(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid canonical item id")
		return
	}

	// Ownership check before listing evidence.
	if _, err := h.reader.GetByID(r.Context(), id, chronicle.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "canonical item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get canonical item")
		return
	}

	refs, err := h.evidence.ListByItem(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list evidence")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"evidence": refs, "count": len(refs)})
}

type retconRequest struct {
	ScopeID    string               `json:"scope_id"`
	Kind       string               `json:"kind"`
	Payload    domain.Payload       `json:"payload"`
	Evidence   []domain.EvidenceRef `json:"evidence"`
	Confidence float32              `json:"confidence"`
	Authority  string               `json:"authority"`
	Embedding  []float32            `json:"embedding,omitempty"`
}

func (h *CanonHandler) Retcon(w http.ResponseWriter, r *http.Request) {
	chronicle := middleware.ChronicleFromContext(r.Context())
	if chronicle == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	oldID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid canonical item id")
		return
	}

	var req retconRequest
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

	result, err := h.canonizer.Retcon(r.Context(), chronicle.ID, oldID, proposal)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRetconAuthority):
			writeError(w, http.StatusForbidden, "retcon requires arbiter authority")
		case errors.Is(err, service.ErrInvalidKind),
			errors.Is(err, service.ErrInvalidAuthority),
			errors.Is(err, service.ErrConfidenceRange),
			errors.Is(err, service.ErrPayloadShape),
			errors.Is(err, service.ErrInvalidEvidence):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrCanonicalNotFound):
			writeError(w, http.StatusNotFound, "canonical item not found")
		case errors.Is(err, service.ErrScopeNotFound):
			writeError(w, http.StatusNotFound, "scope not found")
		case errors.Is(err, domain.ErrScopeNotActive):
			writeError(w, http.StatusConflict, "scope is not active")
		case errors.Is(err, store.ErrConstraintViolation):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, service.ErrTransactionFailed):
			writeError(w, http.StatusServiceUnavailable, "canonization transaction failed, retry")
		default:
			writeError(w, http.StatusInternalServerError, "retcon failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}
