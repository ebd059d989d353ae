package models

import "time"

// APIKey is a control API credential. Only its SHA-256 hash is stored.
type APIKey struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
