package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialdash/autopost/internal/models"
	"github.com/socialdash/autopost/internal/store"
)

func eventuallyStatus(t *testing.T, st store.DocumentStore, id string, want models.PostStatus) {
	t.Helper()
	assert.Eventually(t, func() bool {
		post, err := st.GetPost(context.Background(), id)
		return err == nil && post.Status == want
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSessionManagerOpenClose(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	manager := NewSessionManager(context.Background(), backend.deps(st), time.Hour)
	t.Cleanup(manager.CloseAll)

	first, err := manager.Open("u1")
	require.NoError(t, err)
	again, err := manager.Open("u1")
	require.NoError(t, err)
	assert.Same(t, first, again)

	_, err = manager.Open("u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, manager.Users())

	_, err = manager.Open("")
	assert.Error(t, err)

	assert.True(t, manager.Close("u1"))
	assert.False(t, manager.Close("u1"))
	_, ok := manager.Get("u1")
	assert.False(t, ok)
	assert.Equal(t, []string{"u2"}, manager.Users())
}

func TestSessionPublishesOnlyItsUsersPosts(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	mine := schedulePost(t, st, "u1", time.Now().Add(-time.Minute))
	theirs := schedulePost(t, st, "u2", time.Now().Add(-time.Minute))

	manager := NewSessionManager(context.Background(), backend.deps(st), time.Hour)
	_, err := manager.Open("u1")
	require.NoError(t, err)

	eventuallyStatus(t, st, mine.ID, models.PostStatusPublished)
	manager.CloseAll()

	requireStatus(t, st, theirs.ID, models.PostStatusScheduled)
	assert.Equal(t, int32(1), backend.webhookCalls.Load())
}

func TestSessionPicksUpPostsCreatedLater(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	manager := NewSessionManager(context.Background(), backend.deps(st), time.Second)
	t.Cleanup(manager.CloseAll)

	session, err := manager.Open("u1")
	require.NoError(t, err)
	waitFirstTick(t, session.Poller())

	// Not due yet when it lands, so only a later tick can publish it
	post := schedulePost(t, st, "u1", time.Now().Add(300*time.Millisecond))
	assert.Eventually(t, func() bool {
		return session.Cache().Len() == 1
	}, 5*time.Second, 20*time.Millisecond)

	eventuallyStatus(t, st, post.ID, models.PostStatusPublished)

	// Published posts drop out of the scheduled-post snapshot
	assert.Eventually(t, func() bool {
		return session.Cache().Len() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTwoProcessesSameUserPublishOnce(t *testing.T) {
	backend := newFakeBackend(t)
	st := store.NewMemStore()
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, schedulePost(t, st, "u1", time.Now().Add(-time.Minute)).ID)
	}

	// Two managers stand in for two processes sharing the database
	a := NewSessionManager(context.Background(), backend.deps(st), time.Second)
	b := NewSessionManager(context.Background(), backend.deps(st), time.Second)
	_, err := a.Open("u1")
	require.NoError(t, err)
	_, err = b.Open("u1")
	require.NoError(t, err)

	for _, id := range ids {
		eventuallyStatus(t, st, id, models.PostStatusPublished)
	}
	a.CloseAll()
	b.CloseAll()

	assert.Equal(t, int32(3), backend.webhookCalls.Load())
}
