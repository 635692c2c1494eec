package store

import (
	"context"
	"sync"

	"github.com/socialdash/autopost/internal/models"
)

// watcher re-runs a query whenever it is poked and hands the result to the
// subscriber. Pokes that arrive while a query is running are coalesced.
type watcher struct {
	cancel  context.CancelFunc
	changes chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	onClose func()
}

func newWatcher(ctx context.Context, query func(context.Context) ([]models.Post, error), onSnapshot func([]models.Post), onError func(error)) (*watcher, context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	w := &watcher{
		cancel:  cancel,
		changes: make(chan struct{}, 1),
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-wctx.Done():
				return
			case <-w.changes:
				posts, err := query(wctx)
				if err != nil {
					if wctx.Err() != nil {
						return
					}
					if onError != nil {
						onError(err)
					}
					continue
				}
				onSnapshot(posts)
			}
		}
	}()

	return w, wctx
}

func (w *watcher) poke() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

func (w *watcher) Unsubscribe() {
	w.once.Do(func() {
		w.cancel()
		w.wg.Wait()
		if w.onClose != nil {
			w.onClose()
		}
	})
}
