package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/socialdash/autopost/internal/models"
	"github.com/socialdash/autopost/internal/store"
)

// Session is one signed-in user's publishing loop: a live cache of their
// scheduled posts plus the poller draining it
type Session struct {
	userID string
	store  store.DocumentStore
	cache  *DuePostCache
	poller *Poller
	logger *zap.Logger

	sub store.Subscription
}

func NewSession(userID string, deps Deps, interval time.Duration) *Session {
	logger := deps.Logger.With(zap.String("user_id", userID))
	cache := NewDuePostCache(logger)
	deps.Logger = logger

	return &Session{
		userID: userID,
		store:  deps.Store,
		cache:  cache,
		poller: NewPoller(cache, deps, interval),
		logger: logger,
	}
}

func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) Cache() *DuePostCache {
	return s.cache
}

func (s *Session) Poller() *Poller {
	return s.poller
}

// Start subscribes the cache and starts polling
func (s *Session) Start(ctx context.Context) error {
	sub, err := s.cache.Bind(ctx, s.store, s.userID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to posts: %w", err)
	}
	s.sub = sub

	if err := s.poller.Start(ctx); err != nil {
		sub.Unsubscribe()
		return err
	}

	s.logger.Info("Session started")
	return nil
}

// Close stops future ticks, drops the subscription and waits for a tick in
// progress to finish
func (s *Session) Close() {
	done := s.poller.Stop()
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	<-done.Done()
	s.logger.Info("Session closed")
}

// SessionManager keeps at most one session per user in this process
type SessionManager struct {
	ctx      context.Context
	deps     Deps
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager ties every session to ctx rather than to the request
// that opened it
func NewSessionManager(ctx context.Context, deps Deps, interval time.Duration) *SessionManager {
	return &SessionManager{
		ctx:      ctx,
		deps:     deps,
		interval: interval,
		logger:   deps.Logger,
		sessions: make(map[string]*Session),
	}
}

// Open starts a session for userID, or returns the running one
func (m *SessionManager) Open(userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[userID]; ok {
		return session, nil
	}

	session := NewSession(userID, m.deps, m.interval)
	if err := session.Start(m.ctx); err != nil {
		return nil, err
	}
	m.sessions[userID] = session
	return session, nil
}

func (m *SessionManager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[userID]
	return session, ok
}

// Close ends userID's session. Reports false when none was open.
func (m *SessionManager) Close(userID string) bool {
	m.mu.Lock()
	session, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if ok {
		session.Close()
	}
	return ok
}

func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(session)
	}
	wg.Wait()
}

func (m *SessionManager) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]string, 0, len(m.sessions))
	for userID := range m.sessions {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// TickOnce runs a single tick for userID against a one-off snapshot, without
// a subscription or timer
func TickOnce(ctx context.Context, deps Deps, userID string) (TickReport, error) {
	posts, err := deps.Store.QueryPosts(ctx, store.PostFilter{UserID: userID, Status: models.PostStatusScheduled})
	if err != nil {
		return TickReport{}, fmt.Errorf("failed to load scheduled posts: %w", err)
	}

	logger := deps.Logger.With(zap.String("user_id", userID))
	cache := NewDuePostCache(logger)
	cache.Replace(posts)
	deps.Logger = logger

	return NewPoller(cache, deps, DefaultPollInterval).RunTick(ctx, time.Now()), nil
}
