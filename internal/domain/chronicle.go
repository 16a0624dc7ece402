package domain

import (
	"time"

	"github.com/google/uuid"
)

// Chronicle is an isolated narrative world. All proposals, scopes and
// canonical items belong to exactly one chronicle.
type Chronicle struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
