package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/socialdash/autopost/internal/models"
	"github.com/socialdash/autopost/internal/store"
)

var ErrNotResubmittable = errors.New("only failed posts can be resubmitted")

// Resubmit schedules a fresh copy of a failed post for at. The failed post
// keeps its terminal status; the copy points back to it.
func Resubmit(ctx context.Context, st store.DocumentStore, postID string, at time.Time) (*models.Post, error) {
	original, err := st.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if original.Status != models.PostStatusFailed {
		return nil, fmt.Errorf("%w: post %s is %s", ErrNotResubmittable, postID, original.Status)
	}

	from := original.ID
	post := &models.Post{
		UserID:          original.UserID,
		Caption:         original.Caption,
		Platforms:       original.Platforms,
		Tags:            original.Tags,
		MediaURLs:       original.MediaURLs,
		ContentType:     original.ContentType,
		AutoCommenting:  original.AutoCommenting,
		ScheduledAt:     at,
		Status:          models.PostStatusScheduled,
		ResubmittedFrom: &from,
	}
	if err := st.CreatePost(ctx, post); err != nil {
		return nil, err
	}
	return post, nil
}
