package publisher

import (
	"context"
	"time"

	"github.com/socialdash/autopost/internal/models"
	"github.com/socialdash/autopost/pkg/util"
)

// MediaBlob is a fetched media item ready to attach to a submission
type MediaBlob struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// Submission is everything the publishing endpoint receives for one post
type Submission struct {
	PostID         string             `json:"post_id"`
	UserID         string             `json:"user_id"`
	Caption        string             `json:"caption"`
	Platforms      []string           `json:"platforms"`
	Tags           []string           `json:"tags"`
	ScheduledAt    time.Time          `json:"scheduled_at"`
	AutoCommenting bool               `json:"auto_commenting"`
	PostType       models.ContentType `json:"post_type"`
	Media          []MediaBlob        `json:"media"`
}

// Publisher hands a submission to the external system. A nil error means the
// request was accepted; there is no partial success.
type Publisher interface {
	Publish(ctx context.Context, submission Submission) error
}

var videoExtensions = map[string]bool{
	"mp4":  true,
	"mov":  true,
	"avi":  true,
	"mkv":  true,
	"webm": true,
	"m4v":  true,
	"3gp":  true,
}

// DerivePostType prefers the stored content type, then sniffs the first
// media URL's extension, then falls back to image
func DerivePostType(contentType models.ContentType, mediaURLs []string) models.ContentType {
	if contentType != "" {
		return contentType
	}
	if len(mediaURLs) > 0 && videoExtensions[util.ExtensionFromURL(mediaURLs[0])] {
		return models.ContentTypeVideo
	}
	return models.ContentTypeImage
}

// FromPost converts a claimed post and its resolved media into a Submission
func FromPost(post *models.Post, media []MediaBlob) Submission {
	return Submission{
		PostID:         post.ID,
		UserID:         post.UserID,
		Caption:        post.Caption,
		Platforms:      nonNil(post.Platforms),
		Tags:           nonNil(post.Tags),
		ScheduledAt:    post.ScheduledAt,
		AutoCommenting: post.AutoCommenting,
		PostType:       DerivePostType(post.ContentType, post.MediaURLs),
		Media:          media,
	}
}

// nonNil keeps empty lists encoding as [] rather than null
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
