package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/storyloom/canon/internal/api/middleware"
	"github.com/storyloom/canon/internal/domain"
)

type ChronicleHandler struct {
	store domain.ChronicleStore
}

func NewChronicleHandler(store domain.ChronicleStore) *ChronicleHandler {
	return &ChronicleHandler{store: store}
}

type createChronicleRequest struct {
	Name string `json:"name"`
}

type createChronicleResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}

func (h *ChronicleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createChronicleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate API key")
		return
	}

	chronicle := &domain.Chronicle{
		Name:       req.Name,
		APIKeyHash: middleware.HashAPIKey(apiKey),
	}

	if err := h.store.Create(r.Context(), chronicle); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create chronicle")
		return
	}

	writeJSON(w, http.StatusCreated, createChronicleResponse{
		ID:     chronicle.ID.String(),
		Name:   chronicle.Name,
		APIKey: apiKey,
	})
}

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "ck_" + hex.EncodeToString(b), nil
}
