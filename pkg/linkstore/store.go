// Package linkstore persists per-handle backend link records.
package linkstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("link record not found")

// Record is the durable result of a successful account link for one tenant handle.
type Record struct {
	UserID        string    `json:"user_id"`
	Handle        string    `json:"handle"`
	Username      string    `json:"username"`
	BackendUserID string    `json:"backend_user_id"`
	BaseURL       string    `json:"base_url"`
	Origin        string    `json:"origin"`
	ConnectToken  string    `json:"-"`
	Valid         bool      `json:"valid"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Update carries the backend-link fields written by a successful callback.
// UserID is only used when the record does not exist yet; an existing record
// keeps its user id and creation time.
type Update struct {
	Handle        string
	UserID        string
	Username      string
	BackendUserID string
	BaseURL       string
	Origin        string
	ConnectToken  string
	At            time.Time
}

func (u Update) normalized() Update {
	if u.UserID == "" {
		u.UserID = uuid.NewString()
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	u.At = u.At.UTC()
	return u
}

// Store is the link-record persistence contract. Upsert is atomic per handle;
// concurrent upserts for the same handle are last-write-wins.
type Store interface {
	// Get returns the record for a tenant handle or ErrNotFound.
	Get(ctx context.Context, handle string) (Record, error)
	// GetByUser returns the record owned by a local user id or ErrNotFound.
	GetByUser(ctx context.Context, userID string) (Record, error)
	// Upsert creates or refreshes the link fields; created reports an insert.
	Upsert(ctx context.Context, u Update) (rec Record, created bool, err error)
	// SetValid flips the validity flag (revocation / restore).
	SetValid(ctx context.Context, handle string, valid bool) error
	// List returns all records ordered by handle.
	List(ctx context.Context) ([]Record, error)
	Close() error
}
