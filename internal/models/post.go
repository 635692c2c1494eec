package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// PostStatus is the publishing lifecycle state of a post
type PostStatus string

const (
	PostStatusDraft      PostStatus = "draft"
	PostStatusScheduled  PostStatus = "scheduled"
	PostStatusPublishing PostStatus = "publishing"
	PostStatusPublished  PostStatus = "published"
	PostStatusFailed     PostStatus = "failed"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists every allowed move. Anything absent is rejected,
// which makes published and failed terminal.
var transitions = map[PostStatus][]PostStatus{
	PostStatusDraft:      {PostStatusScheduled, PostStatusPublishing},
	PostStatusScheduled:  {PostStatusPublishing},
	PostStatusPublishing: {PostStatusPublished, PostStatusFailed},
}

func ParsePostStatus(s string) (PostStatus, error) {
	switch status := PostStatus(s); status {
	case PostStatusDraft, PostStatusScheduled, PostStatusPublishing, PostStatusPublished, PostStatusFailed:
		return status, nil
	}
	return "", fmt.Errorf("unknown post status %q", s)
}

func (s PostStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further automatic transition can happen
func (s PostStatus) IsTerminal() bool {
	return s == PostStatusPublished || s == PostStatusFailed
}

func (s PostStatus) CanTransitionTo(next PostStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error wrapping ErrInvalidTransition when
// moving from one status to the other is not allowed
func ValidateTransition(from, to PostStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ContentType is the kind of content a post carries. The zero value means unset.
type ContentType string

const (
	ContentTypeImage ContentType = "image"
	ContentTypeReel  ContentType = "reel"
	ContentTypeVideo ContentType = "video"
)

func ParseContentType(s string) (ContentType, error) {
	switch ct := ContentType(s); ct {
	case "", ContentTypeImage, ContentTypeReel, ContentTypeVideo:
		return ct, nil
	}
	return "", fmt.Errorf("unknown content type %q", s)
}

type Post struct {
	ID              string                      `gorm:"primaryKey;size:36" json:"id"`
	UserID          string                      `gorm:"not null;size:128;index:idx_posts_user_status" json:"user_id"`
	Caption         string                      `gorm:"type:text" json:"caption"`
	Platforms       datatypes.JSONSlice[string] `json:"platforms"`
	Tags            datatypes.JSONSlice[string] `json:"tags"`
	MediaURLs       datatypes.JSONSlice[string] `json:"media_urls"`
	ContentType     ContentType                 `gorm:"size:20" json:"content_type"`
	AutoCommenting  bool                        `gorm:"default:false" json:"auto_commenting"`
	ScheduledAt     time.Time                   `gorm:"not null;index" json:"scheduled_at"`
	Status          PostStatus                  `gorm:"size:20;not null;default:'draft';index:idx_posts_user_status" json:"status"`
	ClaimedAt       *time.Time                  `json:"claimed_at"`
	PublishedAt     *time.Time                  `json:"published_at"`
	LastError       string                      `gorm:"type:text" json:"last_error"`
	ResubmittedFrom *string                     `gorm:"size:36" json:"resubmitted_from,omitempty"`
	CreatedAt       time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsDue reports whether the post's scheduled time is at or before now
func (p *Post) IsDue(now time.Time) bool {
	return !p.ScheduledAt.After(now)
}

// Clone returns a deep copy so callers can hand posts across goroutines
func (p Post) Clone() Post {
	c := p
	c.Platforms = append(datatypes.JSONSlice[string](nil), p.Platforms...)
	c.Tags = append(datatypes.JSONSlice[string](nil), p.Tags...)
	c.MediaURLs = append(datatypes.JSONSlice[string](nil), p.MediaURLs...)
	if p.ClaimedAt != nil {
		t := *p.ClaimedAt
		c.ClaimedAt = &t
	}
	if p.PublishedAt != nil {
		t := *p.PublishedAt
		c.PublishedAt = &t
	}
	if p.ResubmittedFrom != nil {
		id := *p.ResubmittedFrom
		c.ResubmittedFrom = &id
	}
	return c
}
