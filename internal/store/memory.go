package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/socialdash/autopost/internal/models"
)

const maxTxAttempts = 5

type memDoc struct {
	post    models.Post
	version uint64
}

// MemStore is an in-process document store with optimistic transactions.
// A transaction commits only if none of the documents it read changed in the
// meantime; otherwise it is re-run against fresh data.
type MemStore struct {
	mu       sync.Mutex
	docs     map[string]*memDoc
	watchers map[*watcher]struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		docs:     make(map[string]*memDoc),
		watchers: make(map[*watcher]struct{}),
	}
}

func (s *MemStore) CreatePost(ctx context.Context, post *models.Post) error {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.Status == "" {
		post.Status = models.PostStatusDraft
	}
	if _, err := models.ParsePostStatus(string(post.Status)); err != nil {
		return err
	}
	now := time.Now().UTC()
	post.ScheduledAt = post.ScheduledAt.UTC()
	post.CreatedAt = now
	post.UpdatedAt = now

	s.mu.Lock()
	if _, exists := s.docs[post.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("failed to create post: id %s already exists", post.ID)
	}
	s.docs[post.ID] = &memDoc{post: post.Clone(), version: 1}
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *MemStore) GetPost(ctx context.Context, id string) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	post := doc.post.Clone()
	return &post, nil
}

func (s *MemStore) QueryPosts(ctx context.Context, filter PostFilter) ([]models.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	posts := make([]models.Post, 0, len(s.docs))
	for _, doc := range s.docs {
		if filter.Match(&doc.post) {
			posts = append(posts, doc.post.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(posts, func(i, j int) bool {
		if !posts[i].ScheduledAt.Equal(posts[j].ScheduledAt) {
			return posts[i].ScheduledAt.Before(posts[j].ScheduledAt)
		}
		return posts[i].ID < posts[j].ID
	})
	return posts, nil
}

func (s *MemStore) Watch(ctx context.Context, filter PostFilter, onSnapshot func([]models.Post), onError func(error)) (Subscription, error) {
	initial, err := s.QueryPosts(ctx, filter)
	if err != nil {
		return nil, err
	}
	onSnapshot(initial)

	query := func(ctx context.Context) ([]models.Post, error) {
		return s.QueryPosts(ctx, filter)
	}
	w, _ := newWatcher(ctx, query, onSnapshot, onError)
	w.onClose = func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	// Catch writes that landed between the initial query and registration
	w.poke()

	return w, nil
}

func (s *MemStore) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		w.poke()
	}
}

func (s *MemStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := &memTx{
			store:  s,
			reads:  make(map[string]uint64),
			writes: make(map[string]models.Post),
		}
		if err := fn(tx); err != nil {
			return err
		}
		if len(tx.writes) == 0 {
			return nil
		}

		committed, err := s.commit(tx)
		if err != nil {
			return err
		}
		if committed {
			s.notify()
			return nil
		}
	}
	return ErrTxConflict
}

// commit applies tx's writes if every document it read is still at the
// version it saw. A version of 0 records that the document was missing.
func (s *MemStore) commit(tx *memTx) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, version := range tx.reads {
		var current uint64
		if doc, ok := s.docs[id]; ok {
			current = doc.version
		}
		if current != version {
			return false, nil
		}
	}

	for id, post := range tx.writes {
		doc, ok := s.docs[id]
		if !ok {
			return false, fmt.Errorf("failed to commit: %w: %s", ErrNotFound, id)
		}
		post.UpdatedAt = time.Now().UTC()
		doc.post = post
		doc.version++
	}
	return true, nil
}

func (s *MemStore) UpdateStatus(ctx context.Context, id string, status models.PostStatus, opts ...StatusOption) error {
	return s.RunTransaction(ctx, func(tx Tx) error {
		return tx.UpdateStatus(id, status, opts...)
	})
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	watchers := make([]*watcher, 0, len(s.watchers))
	for w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w.Unsubscribe()
	}
	return nil
}

type memTx struct {
	store  *MemStore
	reads  map[string]uint64
	writes map[string]models.Post
}

func (t *memTx) GetPost(id string) (*models.Post, error) {
	if post, ok := t.writes[id]; ok {
		c := post.Clone()
		return &c, nil
	}

	t.store.mu.Lock()
	doc, ok := t.store.docs[id]
	var post models.Post
	var version uint64
	if ok {
		post = doc.post.Clone()
		version = doc.version
	}
	t.store.mu.Unlock()

	if _, seen := t.reads[id]; !seen {
		t.reads[id] = version
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &post, nil
}

func (t *memTx) UpdateStatus(id string, status models.PostStatus, opts ...StatusOption) error {
	post, err := t.GetPost(id)
	if err != nil {
		return err
	}
	if err := models.ValidateTransition(post.Status, status); err != nil {
		return err
	}

	u := applyStatusOptions(opts)
	post.Status = status
	if u.ClaimedAt != nil {
		claimedAt := u.ClaimedAt.UTC()
		post.ClaimedAt = &claimedAt
	}
	if u.PublishedAt != nil {
		publishedAt := u.PublishedAt.UTC()
		post.PublishedAt = &publishedAt
	}
	if u.LastError != nil {
		post.LastError = *u.LastError
	}

	t.writes[id] = *post
	return nil
}
