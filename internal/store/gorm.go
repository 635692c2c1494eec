package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/socialdash/autopost/internal/models"
)

// GormStore keeps posts in a SQL database. Postgres is the production
// engine; SQLite works for local runs.
type GormStore struct {
	db       *gorm.DB
	notifier Notifier
	logger   *zap.Logger
}

func NewGormStore(db *gorm.DB, notifier Notifier, logger *zap.Logger) *GormStore {
	return &GormStore{
		db:       db,
		notifier: notifier,
		logger:   logger,
	}
}

// DB exposes the underlying handle for collaborators sharing the database
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) CreatePost(ctx context.Context, post *models.Post) error {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.Status == "" {
		post.Status = models.PostStatusDraft
	}
	if _, err := models.ParsePostStatus(string(post.Status)); err != nil {
		return err
	}
	post.ScheduledAt = post.ScheduledAt.UTC()

	if err := s.db.WithContext(ctx).Create(post).Error; err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}

func (s *GormStore) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&post).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	return &post, nil
}

func (s *GormStore) QueryPosts(ctx context.Context, filter PostFilter) ([]models.Post, error) {
	query := s.db.WithContext(ctx).Model(&models.Post{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var posts []models.Post
	if err := query.Order("scheduled_at ASC, id ASC").Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	return posts, nil
}

func (s *GormStore) Watch(ctx context.Context, filter PostFilter, onSnapshot func([]models.Post), onError func(error)) (Subscription, error) {
	initial, err := s.QueryPosts(ctx, filter)
	if err != nil {
		return nil, err
	}
	onSnapshot(initial)

	query := func(ctx context.Context) ([]models.Post, error) {
		return s.QueryPosts(ctx, filter)
	}
	w, wctx := newWatcher(ctx, query, onSnapshot, onError)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		s.listen(wctx, filter, w, onError)
	}()

	return w, nil
}

// listen keeps a notifier attached for the lifetime of a subscription,
// reconnecting with backoff. After a reconnect it forces a refresh since
// notifications may have been missed.
func (s *GormStore) listen(ctx context.Context, filter PostFilter, w *watcher, onError func(error)) {
	const (
		minBackoff = time.Second
		maxBackoff = 30 * time.Second
	)
	backoff := minBackoff

	for {
		started := time.Now()
		err := s.notifier.Listen(ctx, func(userID string) {
			if filter.UserID != "" && userID != "" && userID != filter.UserID {
				return
			}
			w.poke()
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil && onError != nil {
			onError(fmt.Errorf("failed to listen for post changes: %w", err))
		}
		if time.Since(started) > time.Minute {
			backoff = minBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		w.poke()
	}
}

func (s *GormStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, seen: make(map[string]models.PostStatus)})
	})
}

func (s *GormStore) UpdateStatus(ctx context.Context, id string, status models.PostStatus, opts ...StatusOption) error {
	return s.RunTransaction(ctx, func(tx Tx) error {
		return tx.UpdateStatus(id, status, opts...)
	})
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormTx struct {
	db   *gorm.DB
	seen map[string]models.PostStatus
}

func (t *gormTx) GetPost(id string) (*models.Post, error) {
	query := t.db
	// SQLite serializes writers itself and has no row locks.
	if t.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var post models.Post
	if err := query.Where("id = ?", id).First(&post).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read post in transaction: %w", err)
	}
	t.seen[id] = post.Status
	return &post, nil
}

func (t *gormTx) UpdateStatus(id string, status models.PostStatus, opts ...StatusOption) error {
	current, ok := t.seen[id]
	if !ok {
		post, err := t.GetPost(id)
		if err != nil {
			return err
		}
		current = post.Status
	}
	if err := models.ValidateTransition(current, status); err != nil {
		return err
	}

	u := applyStatusOptions(opts)
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if u.ClaimedAt != nil {
		updates["claimed_at"] = u.ClaimedAt.UTC()
	}
	if u.PublishedAt != nil {
		updates["published_at"] = u.PublishedAt.UTC()
	}
	if u.LastError != nil {
		updates["last_error"] = *u.LastError
	}

	// The status guard makes the write a no-op if anything slipped in
	// between the read and this update.
	result := t.db.Model(&models.Post{}).
		Where("id = ? AND status = ?", id, current).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update post status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTxConflict
	}

	t.seen[id] = status
	return nil
}
