package models

import (
	"time"

	"github.com/google/uuid"
)

// Document is a knowledge base article snapshot.
type Document struct {
	ID        int64     `json:"id"`
	UUID      uuid.UUID `json:"uuid"`
	Title     string    `json:"title"`
	Slug      string    `json:"slug,omitempty"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
