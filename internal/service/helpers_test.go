package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/socialdash/autopost/internal/events"
	"github.com/socialdash/autopost/internal/models"
	"github.com/socialdash/autopost/internal/service/publisher"
	"github.com/socialdash/autopost/internal/store"
)

// fakeBackend serves media files and a webhook endpoint
type fakeBackend struct {
	server        *httptest.Server
	webhookCalls  atomic.Int32
	webhookStatus atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}
	b.webhookStatus.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/media/missing.jpg":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpeg:" + r.URL.Path))
		}
	})
	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		b.webhookCalls.Add(1)
		w.WriteHeader(int(b.webhookStatus.Load()))
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) mediaURL(name string) string {
	return b.server.URL + "/media/" + name
}

func (b *fakeBackend) deps(st store.DocumentStore) Deps {
	logger := zap.NewNop()
	return Deps{
		Store:      st,
		Resolver:   NewMediaResolver(MediaResolverConfig{Timeout: 5 * time.Second}, logger),
		Publisher:  publisher.NewWebhookPublisher(publisher.WebhookConfig{URL: b.server.URL + "/webhook", Timeout: 5 * time.Second}, logger),
		Monitoring: NewMonitoringService(nil, logger),
		Logger:     logger,
	}
}

func schedulePost(t *testing.T, st store.DocumentStore, userID string, at time.Time, mediaURLs ...string) *models.Post {
	t.Helper()
	post := &models.Post{
		UserID:      userID,
		Caption:     "caption for " + userID,
		Platforms:   []string{"instagram"},
		MediaURLs:   mediaURLs,
		ScheduledAt: at,
		Status:      models.PostStatusScheduled,
	}
	require.NoError(t, st.CreatePost(context.Background(), post))
	return post
}

func requireStatus(t *testing.T, st store.DocumentStore, id string, want models.PostStatus) *models.Post {
	t.Helper()
	post, err := st.GetPost(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, want, post.Status)
	return post
}

// loadCache fills a cache from the store the way a subscription snapshot would
func loadCache(t *testing.T, st store.DocumentStore, userID string) *DuePostCache {
	t.Helper()
	posts, err := st.QueryPosts(context.Background(), store.PostFilter{UserID: userID, Status: models.PostStatusScheduled})
	require.NoError(t, err)
	cache := NewDuePostCache(zap.NewNop())
	cache.Replace(posts)
	return cache
}

var errInjected = errors.New("injected store failure")

// faultyStore fails a set number of transactions or status writes before
// passing through
type faultyStore struct {
	store.DocumentStore
	failTransactions atomic.Int32
	failUpdates      atomic.Int32
}

func (s *faultyStore) RunTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	if s.failTransactions.Add(-1) >= 0 {
		return errInjected
	}
	return s.DocumentStore.RunTransaction(ctx, fn)
}

func (s *faultyStore) UpdateStatus(ctx context.Context, id string, status models.PostStatus, opts ...store.StatusOption) error {
	if s.failUpdates.Add(-1) >= 0 {
		return errInjected
	}
	return s.DocumentStore.UpdateStatus(ctx, id, status, opts...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.StatusEvent
}

func (e *recordingEmitter) Emit(_ context.Context, ev events.StatusEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *recordingEmitter) Close() error { return nil }

func (e *recordingEmitter) transitions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, string(ev.From)+"->"+string(ev.To))
	}
	return out
}

type panickingPublisher struct{}

func (panickingPublisher) Publish(context.Context, publisher.Submission) error {
	panic("boom")
}

// blockingPublisher holds every publish until release is closed
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingPublisher() *blockingPublisher {
	return &blockingPublisher{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *blockingPublisher) Publish(ctx context.Context, _ publisher.Submission) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return nil
}

// waitFirstTick blocks until the poller has finished at least one tick
func waitFirstTick(t *testing.T, p *Poller) {
	t.Helper()
	require.Eventually(t, func() bool {
		last, _ := p.LastTick()
		return !last.IsZero()
	}, 5*time.Second, 10*time.Millisecond)
}
