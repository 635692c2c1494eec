package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/socialdash/autopost/internal/events"
	"github.com/socialdash/autopost/internal/models"
	"github.com/socialdash/autopost/internal/store"
)

const (
	stuckErrorMessage = "publish timed out"

	DefaultStuckAfter    = 15 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Sweeper fails posts that have sat in publishing for longer than
// stuckAfter, which happens when a process dies between claim and
// finalize. They are not made claimable again: the webhook may already have
// accepted them.
type Sweeper struct {
	store      store.DocumentStore
	monitor    *MonitoringService
	events     events.Emitter
	logger     *zap.Logger
	stuckAfter time.Duration
	interval   time.Duration
	ticker     *time.Ticker
	done       chan bool
}

func NewSweeper(deps Deps, stuckAfter, interval time.Duration) *Sweeper {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	emitter := deps.Events
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Sweeper{
		store:      deps.Store,
		monitor:    deps.Monitoring,
		events:     emitter,
		logger:     deps.Logger,
		stuckAfter: stuckAfter,
		interval:   interval,
		done:       make(chan bool),
	}
}

// Start begins the periodic sweep
func (s *Sweeper) Start(ctx context.Context) {
	s.ticker = time.NewTicker(s.interval)
	go func() {
		s.logger.Info("Starting sweeper",
			zap.Duration("interval", s.interval),
			zap.Duration("stuck_after", s.stuckAfter))
		for {
			select {
			case <-s.done:
				s.logger.Info("Sweeper stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Sweeper stopped due to context cancellation")
				return
			case <-s.ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop stops the sweeper
func (s *Sweeper) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.done)
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.SweepOnce(ctx, time.Now())
	if err != nil {
		s.logger.Error("Sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Warn("Failed stuck posts", zap.Int("count", n))
	}

	// Keep monitoring rows for 90 days
	if err := s.monitor.CleanupOldData(90); err != nil {
		s.logger.Error("Failed to cleanup old monitoring data", zap.Error(err))
	}
}

// SweepOnce fails every post claimed at or before now-stuckAfter and returns
// how many it moved
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	posts, err := s.store.QueryPosts(ctx, store.PostFilter{Status: models.PostStatusPublishing})
	if err != nil {
		return 0, fmt.Errorf("failed to query publishing posts: %w", err)
	}

	cutoff := now.Add(-s.stuckAfter)
	swept := 0
	for i := range posts {
		post := &posts[i]
		if !isStuck(post, cutoff) {
			continue
		}

		moved, err := s.failStuck(ctx, post.ID, cutoff)
		if err != nil {
			s.logger.Error("Failed to sweep post", zap.String("post_id", post.ID), zap.Error(err))
			continue
		}
		if !moved {
			continue
		}

		swept++
		s.monitor.RecordError("WARN", "sweeper", "Post stuck in publishing", stuckErrorMessage, WithPost(post))
		event := events.StatusEvent{
			PostID: post.ID,
			UserID: post.UserID,
			From:   models.PostStatusPublishing,
			To:     models.PostStatusFailed,
			Error:  stuckErrorMessage,
			At:     now.UTC(),
		}
		if err := s.events.Emit(ctx, event); err != nil {
			s.logger.Warn("Failed to emit status event", zap.String("post_id", post.ID), zap.Error(err))
		}
	}
	return swept, nil
}

// failStuck re-checks the post inside a transaction so a finalizer that
// lands in the meantime wins
func (s *Sweeper) failStuck(ctx context.Context, postID string, cutoff time.Time) (bool, error) {
	err := s.store.RunTransaction(ctx, func(tx store.Tx) error {
		post, err := tx.GetPost(postID)
		if err != nil {
			return err
		}
		if post.Status != models.PostStatusPublishing || !isStuck(post, cutoff) {
			return store.ErrAbort
		}
		return tx.UpdateStatus(postID, models.PostStatusFailed, store.WithLastError(stuckErrorMessage))
	})
	if errors.Is(err, store.ErrAbort) || errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func isStuck(post *models.Post, cutoff time.Time) bool {
	claimedAt := post.UpdatedAt
	if post.ClaimedAt != nil {
		claimedAt = *post.ClaimedAt
	}
	return !claimedAt.After(cutoff)
}
