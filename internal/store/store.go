package store

import (
	"context"
	"errors"
	"time"

	"github.com/socialdash/autopost/internal/models"
)

var (
	ErrNotFound = errors.New("post not found")
	// ErrAbort is returned by a transaction function to roll back without
	// signalling a store failure.
	ErrAbort = errors.New("transaction aborted")
	// ErrTxConflict is returned when a transaction kept losing optimistic
	// concurrency checks and gave up.
	ErrTxConflict = errors.New("transaction conflict")
)

// PostFilter is a conjunction of equality predicates. Empty fields match everything.
type PostFilter struct {
	UserID string
	Status models.PostStatus
}

func (f PostFilter) Match(p *models.Post) bool {
	if f.UserID != "" && p.UserID != f.UserID {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	return true
}

// StatusUpdate carries the optional columns written alongside a status change
type StatusUpdate struct {
	ClaimedAt   *time.Time
	PublishedAt *time.Time
	LastError   *string
}

type StatusOption func(*StatusUpdate)

func WithClaimedAt(t time.Time) StatusOption {
	return func(u *StatusUpdate) {
		u.ClaimedAt = &t
	}
}

func WithPublishedAt(t time.Time) StatusOption {
	return func(u *StatusUpdate) {
		u.PublishedAt = &t
	}
}

func WithLastError(msg string) StatusOption {
	return func(u *StatusUpdate) {
		u.LastError = &msg
	}
}

func applyStatusOptions(opts []StatusOption) StatusUpdate {
	var u StatusUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

// Tx is the view of the store inside RunTransaction. Reads observe the
// transaction's own writes.
type Tx interface {
	GetPost(id string) (*models.Post, error)
	UpdateStatus(id string, status models.PostStatus, opts ...StatusOption) error
}

// Subscription is a live query registered with Watch
type Subscription interface {
	Unsubscribe()
}

// DocumentStore is the post database the publishing loop runs against
type DocumentStore interface {
	CreatePost(ctx context.Context, post *models.Post) error
	GetPost(ctx context.Context, id string) (*models.Post, error)
	QueryPosts(ctx context.Context, filter PostFilter) ([]models.Post, error)

	// Watch delivers the full result set of filter immediately and again
	// after every change. onSnapshot and onError are called from a single
	// goroutine per subscription.
	Watch(ctx context.Context, filter PostFilter, onSnapshot func([]models.Post), onError func(error)) (Subscription, error)

	// RunTransaction runs fn atomically. Any error returned by fn rolls the
	// transaction back and is returned to the caller.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	UpdateStatus(ctx context.Context, id string, status models.PostStatus, opts ...StatusOption) error

	Close() error
}
