// Package events fans post status changes out to listeners outside the process
package events

import (
	"context"
	"time"

	"github.com/socialdash/autopost/internal/models"
)

const SchemaVersionV1 = "1"

// StatusEvent describes one status change made by the publishing loop
type StatusEvent struct {
	PostID string            `json:"post_id"`
	UserID string            `json:"user_id"`
	From   models.PostStatus `json:"from"`
	To     models.PostStatus `json:"to"`
	Error  string            `json:"error,omitempty"`
	At     time.Time         `json:"at"`
}

type Emitter interface {
	Emit(ctx context.Context, event StatusEvent) error
	Close() error
}

// Nop drops every event
type Nop struct{}

func (Nop) Emit(context.Context, StatusEvent) error { return nil }

func (Nop) Close() error { return nil }
