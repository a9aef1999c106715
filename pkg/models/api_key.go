package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey represents an authentication key issued by the external identity
// service. Only the bcrypt hash is stored; RequesterRef is the opaque identity
// recorded on every job created with the key.
type APIKey struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	RequesterRef string     `db:"requester_ref" json:"requester_ref"`
	Name         string     `db:"name"          json:"name"`
	KeyHash      string     `db:"key_hash"      json:"-"`
	KeyPrefix    string     `db:"key_prefix"    json:"key_prefix"`
	Scopes       []string   `db:"scopes"        json:"scopes"`
	LastUsedAt   *time.Time `db:"last_used_at"  json:"last_used_at,omitempty"`
	DeletedAt    *time.Time `db:"deleted_at"    json:"-"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}
