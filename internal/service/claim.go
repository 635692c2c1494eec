package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/socialdash/autopost/internal/models"
	"github.com/socialdash/autopost/internal/store"
)

// ClaimResult reports whether this caller won the post. Losing is a normal
// outcome, not an error.
type ClaimResult struct {
	Claimed bool
	// Post is the record as written by the claim; nil when not claimed
	Post *models.Post
	// Reason explains a lost claim
	Reason string
}

// Claimer moves posts from scheduled to publishing inside a store
// transaction so that concurrent pollers never both win
type Claimer struct {
	store store.DocumentStore
	now   func() time.Time
}

func NewClaimer(st store.DocumentStore) *Claimer {
	return &Claimer{store: st, now: time.Now}
}

// Claim returns an error only for store failures, in which case the post is
// still scheduled and eligible on the next tick
func (c *Claimer) Claim(ctx context.Context, postID string) (ClaimResult, error) {
	var result ClaimResult

	err := c.store.RunTransaction(ctx, func(tx store.Tx) error {
		result = ClaimResult{}

		post, err := tx.GetPost(postID)
		if errors.Is(err, store.ErrNotFound) {
			result.Reason = "post no longer exists"
			return store.ErrAbort
		}
		if err != nil {
			return err
		}
		if post.Status != models.PostStatusScheduled {
			result.Reason = fmt.Sprintf("post is %s", post.Status)
			return store.ErrAbort
		}

		claimedAt := c.now().UTC()
		if err := tx.UpdateStatus(postID, models.PostStatusPublishing, store.WithClaimedAt(claimedAt)); err != nil {
			return err
		}

		post.Status = models.PostStatusPublishing
		post.ClaimedAt = &claimedAt
		result.Claimed = true
		result.Post = post
		return nil
	})

	switch {
	case errors.Is(err, store.ErrAbort):
		return result, nil
	case err != nil:
		return ClaimResult{}, fmt.Errorf("failed to claim post %s: %w", postID, err)
	}
	return result, nil
}
