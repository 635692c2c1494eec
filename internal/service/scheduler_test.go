package service

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialdash/autopost/internal/models"
	"github.com/socialdash/autopost/internal/store"
)

func TestRunTickPublishesDuePosts(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	post := schedulePost(t, st, "u1", time.Now().Add(-time.Minute), backend.mediaURL("a.jpg"))

	emitter := &recordingEmitter{}
	deps := backend.deps(st)
	deps.Events = emitter
	poller := NewPoller(loadCache(t, st, "u1"), deps, time.Minute)

	report := poller.RunTick(context.Background(), time.Now())

	assert.Equal(t, TickReport{Due: 1, Claimed: 1, Published: 1}, report)
	assert.Equal(t, int32(1), backend.webhookCalls.Load())
	stored := requireStatus(t, st, post.ID, models.PostStatusPublished)
	assert.NotNil(t, stored.PublishedAt)
	assert.Equal(t, []string{"scheduled->publishing", "publishing->published"}, emitter.transitions())
}

func TestRunTickIsolatesFailingPosts(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	now := time.Now()
	broken := schedulePost(t, st, "u1", now.Add(-2*time.Minute), backend.mediaURL("missing.jpg"))
	healthy := schedulePost(t, st, "u1", now.Add(-time.Minute), backend.mediaURL("b.jpg"))

	poller := NewPoller(loadCache(t, st, "u1"), backend.deps(st), time.Minute)
	report := poller.RunTick(context.Background(), now)

	assert.Equal(t, 2, report.Claimed)
	assert.Equal(t, 1, report.Published)
	assert.Equal(t, 1, report.Failed)

	failed := requireStatus(t, st, broken.ID, models.PostStatusFailed)
	assert.Contains(t, failed.LastError, "404")
	requireStatus(t, st, healthy.ID, models.PostStatusPublished)
	assert.Equal(t, int32(1), backend.webhookCalls.Load())
}

func TestRunTickSkipsPostsNotYetDue(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	now := time.Now()
	future := schedulePost(t, st, "u1", now.Add(time.Second))

	poller := NewPoller(loadCache(t, st, "u1"), backend.deps(st), time.Minute)
	report := poller.RunTick(context.Background(), now)

	assert.Equal(t, TickReport{}, report)
	requireStatus(t, st, future.ID, models.PostStatusScheduled)
	assert.Zero(t, backend.webhookCalls.Load())
}

func TestRunTickWebhookFailureIsNotRetried(t *testing.T) {
	backend := newFakeBackend(t)
	backend.webhookStatus.Store(http.StatusInternalServerError)
	st := store.NewMemStore()
	post := schedulePost(t, st, "u1", time.Now().Add(-time.Minute))

	// The cache is never refreshed, so the second tick works from a stale
	// snapshot that still lists the post as scheduled
	poller := NewPoller(loadCache(t, st, "u1"), backend.deps(st), time.Minute)

	first := poller.RunTick(context.Background(), time.Now())
	assert.Equal(t, 1, first.Failed)
	failed := requireStatus(t, st, post.ID, models.PostStatusFailed)
	assert.Contains(t, failed.LastError, "500")

	second := poller.RunTick(context.Background(), time.Now())
	assert.Equal(t, 1, second.Skipped)
	assert.Zero(t, second.Claimed)
	assert.Equal(t, int32(1), backend.webhookCalls.Load())
}

func TestRunTickPartialMediaFailureSkipsWebhook(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	post := schedulePost(t, st, "u1", time.Now().Add(-time.Minute),
		backend.mediaURL("a.jpg"), backend.mediaURL("missing.jpg"))

	poller := NewPoller(loadCache(t, st, "u1"), backend.deps(st), time.Minute)
	report := poller.RunTick(context.Background(), time.Now())

	assert.Equal(t, 1, report.Failed)
	requireStatus(t, st, post.ID, models.PostStatusFailed)
	assert.Zero(t, backend.webhookCalls.Load())
}

func TestRunTickClaimErrorRetriesNextTick(t *testing.T) {
	backend := newFakeBackend(t)
	st := &faultyStore{DocumentStore: store.NewMemStore()}
	post := schedulePost(t, st, "u1", time.Now().Add(-time.Minute))
	st.failTransactions.Store(1)

	poller := NewPoller(loadCache(t, st, "u1"), backend.deps(st), time.Minute)

	first := poller.RunTick(context.Background(), time.Now())
	assert.Equal(t, 1, first.ClaimErrors)
	requireStatus(t, st, post.ID, models.PostStatusScheduled)
	assert.Zero(t, backend.webhookCalls.Load())

	second := poller.RunTick(context.Background(), time.Now())
	assert.Equal(t, 1, second.Published)
	requireStatus(t, st, post.ID, models.PostStatusPublished)
}

func TestRunTickConcurrentPollersPublishOnce(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	now := time.Now()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, schedulePost(t, st, "u1", now.Add(-time.Duration(i+1)*time.Minute)).ID)
	}

	pollers := []*Poller{
		NewPoller(loadCache(t, st, "u1"), backend.deps(st), time.Minute),
		NewPoller(loadCache(t, st, "u1"), backend.deps(st), time.Minute),
		NewPoller(loadCache(t, st, "u1"), backend.deps(st), time.Minute),
	}

	reports := make([]TickReport, len(pollers))
	var wg sync.WaitGroup
	for i, poller := range pollers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = poller.RunTick(context.Background(), now)
		}()
	}
	wg.Wait()

	var published, skipped int
	for _, r := range reports {
		published += r.Published
		skipped += r.Skipped
		assert.Zero(t, r.ClaimErrors)
	}
	assert.Equal(t, 5, published)
	assert.Equal(t, 10, skipped)
	assert.Equal(t, int32(5), backend.webhookCalls.Load())
	for _, id := range ids {
		requireStatus(t, st, id, models.PostStatusPublished)
	}
}

func TestRunTickFinalizeFailureLeavesPostPublishing(t *testing.T) {
	backend := newFakeBackend(t)
	st := &faultyStore{DocumentStore: store.NewMemStore()}
	post := schedulePost(t, st, "u1", time.Now().Add(-time.Minute))
	st.failUpdates.Store(1)

	poller := NewPoller(loadCache(t, st, "u1"), backend.deps(st), time.Minute)
	report := poller.RunTick(context.Background(), time.Now())

	assert.Equal(t, 1, report.Stuck)
	assert.Zero(t, report.Published)
	requireStatus(t, st, post.ID, models.PostStatusPublishing)

	// A later tick leaves it alone
	report = poller.RunTick(context.Background(), time.Now())
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, int32(1), backend.webhookCalls.Load())
}

func TestRunTickRecoversPublisherPanic(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	post := schedulePost(t, st, "u1", time.Now().Add(-time.Minute))

	deps := backend.deps(st)
	deps.Publisher = panickingPublisher{}
	poller := NewPoller(loadCache(t, st, "u1"), deps, time.Minute)

	report := poller.RunTick(context.Background(), time.Now())
	assert.Equal(t, 1, report.Failed)
	failed := requireStatus(t, st, post.ID, models.PostStatusFailed)
	assert.Contains(t, failed.LastError, "panicked")
}

func TestPollerStartStop(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	post := schedulePost(t, st, "u1", time.Now().Add(-time.Minute))

	poller := NewPoller(loadCache(t, st, "u1"), backend.deps(st), time.Hour)
	require.NoError(t, poller.Start(context.Background()))
	require.Error(t, poller.Start(context.Background()))

	// First tick runs without waiting for the interval
	assert.Eventually(t, func() bool {
		got, err := st.GetPost(context.Background(), post.ID)
		return err == nil && got.Status == models.PostStatusPublished
	}, 5*time.Second, 20*time.Millisecond)

	done := poller.Stop()
	select {
	case <-done.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}

	// Stopping again is a no-op
	select {
	case <-poller.Stop().Done():
	default:
		t.Fatal("second stop should return a finished context")
	}
}

func TestPollerStopsWithContext(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	deps := backend.deps(st)
	poller := NewPoller(NewDuePostCache(deps.Logger), deps, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, poller.Start(ctx))
	cancel()

	// Start only succeeds again once cancellation has stopped the first run
	assert.Eventually(t, func() bool {
		return poller.Start(context.Background()) == nil
	}, 5*time.Second, 20*time.Millisecond)
	<-poller.Stop().Done()
}

func TestPollerStopAfterCancelWaitsForTick(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	post := schedulePost(t, st, "u1", time.Now().Add(-time.Minute))

	blocking := newBlockingPublisher()
	deps := backend.deps(st)
	deps.Publisher = blocking
	poller := NewPoller(loadCache(t, st, "u1"), deps, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, poller.Start(ctx))

	select {
	case <-blocking.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("tick never reached the publisher")
	}

	// Let cancellation stop the poller first
	cancel()
	require.Eventually(t, func() bool {
		poller.mu.Lock()
		defer poller.mu.Unlock()
		return poller.cron == nil
	}, 5*time.Second, 10*time.Millisecond)

	done := poller.Stop()
	select {
	case <-done.Done():
		t.Fatal("stop reported done while a tick was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(blocking.release)
	select {
	case <-done.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stop never finished")
	}
	requireStatus(t, st, post.ID, models.PostStatusPublished)
}

func TestPollerRecordsLastTick(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	schedulePost(t, st, "u1", time.Now().Add(-time.Minute))

	poller := NewPoller(loadCache(t, st, "u1"), backend.deps(st), time.Minute)
	last, _ := poller.LastTick()
	assert.True(t, last.IsZero())

	poller.RunTick(context.Background(), time.Now())
	last, report := poller.LastTick()
	assert.False(t, last.IsZero())
	assert.Equal(t, 1, report.Published)
}
