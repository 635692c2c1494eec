package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/socialdash/autopost/internal/models"
	"github.com/socialdash/autopost/internal/store"
)

// DuePostCache holds the latest snapshot of one user's scheduled posts.
// Every snapshot replaces the previous one wholesale. Readers get copies.
type DuePostCache struct {
	mu          sync.RWMutex
	posts       map[string]models.Post
	order       []string
	lastRefresh time.Time
	logger      *zap.Logger
}

func NewDuePostCache(logger *zap.Logger) *DuePostCache {
	return &DuePostCache{
		posts:  make(map[string]models.Post),
		logger: logger,
	}
}

// Replace swaps in a new snapshot
func (c *DuePostCache) Replace(posts []models.Post) {
	next := make(map[string]models.Post, len(posts))
	order := make([]string, 0, len(posts))
	for _, post := range posts {
		if _, dup := next[post.ID]; !dup {
			order = append(order, post.ID)
		}
		next[post.ID] = post.Clone()
	}

	c.mu.Lock()
	c.posts = next
	c.order = order
	c.lastRefresh = time.Now()
	c.mu.Unlock()
}

func (c *DuePostCache) Snapshot() []models.Post {
	c.mu.RLock()
	defer c.mu.RUnlock()

	posts := make([]models.Post, 0, len(c.order))
	for _, id := range c.order {
		posts = append(posts, c.posts[id].Clone())
	}
	return posts
}

// Due returns the posts whose scheduled time is at or before now, in
// snapshot order
func (c *DuePostCache) Due(now time.Time) []models.Post {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var due []models.Post
	for _, id := range c.order {
		post := c.posts[id]
		if post.IsDue(now) {
			due = append(due, post.Clone())
		}
	}
	return due
}

func (c *DuePostCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// LastRefresh is the zero time until the first snapshot arrives
func (c *DuePostCache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// Bind subscribes the cache to userID's scheduled posts. Subscription errors
// are logged and the last snapshot stays in place.
func (c *DuePostCache) Bind(ctx context.Context, st store.DocumentStore, userID string) (store.Subscription, error) {
	filter := store.PostFilter{UserID: userID, Status: models.PostStatusScheduled}

	onSnapshot := func(posts []models.Post) {
		c.Replace(posts)
		c.logger.Debug("Due-post cache refreshed",
			zap.String("user_id", userID),
			zap.Int("count", len(posts)))
	}
	onError := func(err error) {
		c.logger.Error("Post subscription failed, keeping last snapshot",
			zap.String("user_id", userID),
			zap.Int("cached", c.Len()),
			zap.Error(err))
	}

	return st.Watch(ctx, filter, onSnapshot, onError)
}
