package service

import (
	"context"
	"fmt"
	"time"

	"github.com/socialdash/autopost/internal/models"
	"github.com/socialdash/autopost/internal/store"
	"github.com/socialdash/autopost/pkg/util"
)

// StatusFinalizer records the terminal status of a publish attempt
type StatusFinalizer struct {
	store store.DocumentStore
	now   func() time.Time
}

func NewStatusFinalizer(st store.DocumentStore) *StatusFinalizer {
	return &StatusFinalizer{store: st, now: time.Now}
}

// Finalize writes published when publishErr is nil and failed otherwise.
// If the write itself fails the post is left at publishing.
func (f *StatusFinalizer) Finalize(ctx context.Context, postID string, publishErr error) (models.PostStatus, error) {
	status := models.PostStatusPublished
	opts := []store.StatusOption{store.WithPublishedAt(f.now())}
	if publishErr != nil {
		status = models.PostStatusFailed
		opts = []store.StatusOption{store.WithLastError(util.Truncate(publishErr.Error(), 1000))}
	}

	if err := f.store.UpdateStatus(ctx, postID, status, opts...); err != nil {
		return models.PostStatusPublishing, fmt.Errorf("failed to finalize post %s as %s: %w", postID, status, err)
	}
	return status, nil
}
