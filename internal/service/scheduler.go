package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/socialdash/autopost/internal/events"
	"github.com/socialdash/autopost/internal/models"
	"github.com/socialdash/autopost/internal/service/publisher"
	"github.com/socialdash/autopost/internal/store"
)

const DefaultPollInterval = 60 * time.Second

// Deps are the collaborators shared by every user's poller
type Deps struct {
	Store      store.DocumentStore
	Resolver   *MediaResolver
	Publisher  publisher.Publisher
	Monitoring *MonitoringService
	Events     events.Emitter
	Logger     *zap.Logger
}

// TickReport summarizes one tick
type TickReport struct {
	Due         int `json:"due"`
	Claimed     int `json:"claimed"`
	Skipped     int `json:"skipped"`
	ClaimErrors int `json:"claim_errors"`
	Published   int `json:"published"`
	Failed      int `json:"failed"`
	// Stuck counts posts whose terminal status could not be written
	Stuck int `json:"stuck"`
}

// Poller publishes due posts from a DuePostCache on a fixed interval.
// Within a tick posts are handled one after another and a failure on one
// post never stops the rest.
type Poller struct {
	cache     *DuePostCache
	claimer   *Claimer
	resolver  *MediaResolver
	publisher publisher.Publisher
	finalizer *StatusFinalizer
	monitor   *MonitoringService
	events    events.Emitter
	logger    *zap.Logger
	interval  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	stopped chan struct{}
	// done once every tick of the last stopped run has returned
	drained context.Context
	// tracks the initial tick, which runs outside cron's own bookkeeping
	wg sync.WaitGroup

	lastMu     sync.Mutex
	lastTick   time.Time
	lastReport TickReport
}

func NewPoller(cache *DuePostCache, deps Deps, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	emitter := deps.Events
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Poller{
		cache:     cache,
		claimer:   NewClaimer(deps.Store),
		resolver:  deps.Resolver,
		publisher: deps.Publisher,
		finalizer: NewStatusFinalizer(deps.Store),
		monitor:   deps.Monitoring,
		events:    emitter,
		logger:    deps.Logger,
		interval:  interval,
	}
}

// Start schedules ticks until Stop is called or ctx is done. The first tick
// runs right away. Ticks never overlap: one that comes due while the
// previous is still running is skipped.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cron != nil {
		return errors.New("poller already started")
	}

	// Cancelling ctx stops new ticks but lets a running one finish
	tickCtx := context.WithoutCancel(ctx)
	cronLogger := &cronLoggerAdapter{logger: p.logger}

	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	id, err := c.AddFunc(fmt.Sprintf("@every %s", p.interval), func() {
		p.RunTick(tickCtx, time.Now())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule poller: %w", err)
	}

	p.logger.Info("Starting poller", zap.Duration("interval", p.interval))
	c.Start()
	p.cron = c
	stopped := make(chan struct{})
	p.stopped = stopped

	// Run first tick through the same guard as the scheduled ones
	first := c.Entry(id).WrappedJob
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		first.Run()
	}()

	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-stopped:
		}
	}()

	return nil
}

// Stop cancels future ticks. The returned context is done once a tick in
// progress has finished, including when ctx cancellation already stopped
// the poller.
func (p *Poller) Stop() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cron == nil {
		if p.drained != nil {
			return p.drained
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	cronDone := p.cron.Stop()
	p.cron = nil
	close(p.stopped)
	p.logger.Info("Poller stopped")

	previous := p.drained
	done, cancel := context.WithCancel(context.Background())
	go func() {
		if previous != nil {
			<-previous.Done()
		}
		<-cronDone.Done()
		p.wg.Wait()
		cancel()
	}()
	p.drained = done
	return done
}

// LastTick returns when the most recent tick finished and what it did. The
// time is zero until the first tick completes.
func (p *Poller) LastTick() (time.Time, TickReport) {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	return p.lastTick, p.lastReport
}

func (p *Poller) recordTick(report TickReport) {
	p.lastMu.Lock()
	p.lastTick = time.Now()
	p.lastReport = report
	p.lastMu.Unlock()
}

// RunTick processes every cached post due at now
func (p *Poller) RunTick(ctx context.Context, now time.Time) (report TickReport) {
	defer func() { p.recordTick(report) }()

	due := p.cache.Due(now)
	report.Due = len(due)
	if len(due) == 0 {
		return report
	}

	start := time.Now()
	p.logger.Info("Processing due posts", zap.Int("count", len(due)))

	for i := range due {
		p.processPost(ctx, &due[i], &report)
	}

	p.logger.Info("Tick completed",
		zap.Int("due", report.Due),
		zap.Int("claimed", report.Claimed),
		zap.Int("skipped", report.Skipped),
		zap.Int("claim_errors", report.ClaimErrors),
		zap.Int("published", report.Published),
		zap.Int("failed", report.Failed),
		zap.Int("stuck", report.Stuck),
		zap.Duration("duration", time.Since(start)))
	return report
}

func (p *Poller) processPost(ctx context.Context, cached *models.Post, report *TickReport) {
	log := p.logger.With(zap.String("post_id", cached.ID), zap.String("user_id", cached.UserID))

	result, err := p.claimer.Claim(ctx, cached.ID)
	if err != nil {
		report.ClaimErrors++
		log.Error("Failed to claim post, will retry next tick", zap.Error(err))
		p.monitor.RecordError("ERROR", "claim", "Failed to claim post", err.Error(), WithPost(cached))
		return
	}
	if !result.Claimed {
		report.Skipped++
		log.Debug("Post not claimed", zap.String("reason", result.Reason))
		p.monitor.RecordMetric("claim_conflict", "counter", 1, map[string]interface{}{"post_id": cached.ID})
		return
	}

	report.Claimed++
	post := result.Post
	p.emit(ctx, post, models.PostStatusScheduled, models.PostStatusPublishing, nil)

	publishErr := p.publish(ctx, post)
	if publishErr != nil {
		log.Error("Failed to publish post", zap.Error(publishErr))
		p.monitor.RecordError("ERROR", publishErrorSource(publishErr), "Failed to publish post", publishErr.Error(),
			WithPost(post),
			WithContext(map[string]interface{}{
				"platforms": []string(post.Platforms),
				"media":     len(post.MediaURLs),
			}))
	}

	status, err := p.finalizer.Finalize(ctx, post.ID, publishErr)
	if err != nil {
		report.Stuck++
		log.Error("Failed to finalize post, left at publishing", zap.Error(err))
		p.monitor.RecordError("ERROR", "finalizer", "Failed to finalize post", err.Error(), WithPost(post))
		return
	}
	p.emit(ctx, post, models.PostStatusPublishing, status, publishErr)

	if status == models.PostStatusPublished {
		report.Published++
		log.Info("Post published", zap.Strings("platforms", post.Platforms))
		p.monitor.RecordMetric("publish_success", "counter", 1, map[string]interface{}{"post_id": post.ID})
	} else {
		report.Failed++
		p.monitor.RecordMetric("publish_failure", "counter", 1, map[string]interface{}{"post_id": post.ID})
	}
}

// publish runs the side-effecting half of the pipeline. A panic is turned
// into an error so the post still gets finalized.
func (p *Poller) publish(ctx context.Context, post *models.Post) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publish panicked: %v", r)
		}
	}()

	media, err := p.resolver.Resolve(ctx, post.MediaURLs)
	if err != nil {
		return err
	}
	return p.publisher.Publish(ctx, publisher.FromPost(post, media))
}

func (p *Poller) emit(ctx context.Context, post *models.Post, from, to models.PostStatus, cause error) {
	event := events.StatusEvent{
		PostID: post.ID,
		UserID: post.UserID,
		From:   from,
		To:     to,
		At:     time.Now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if err := p.events.Emit(ctx, event); err != nil {
		p.logger.Warn("Failed to emit status event", zap.String("post_id", post.ID), zap.Error(err))
	}
}

func publishErrorSource(err error) string {
	switch {
	case errors.Is(err, ErrMediaFetch):
		return "media"
	case errors.Is(err, publisher.ErrWebhook):
		return "webhook"
	default:
		return "publisher"
	}
}

// cronLoggerAdapter routes cron's chatter to zap. Routine messages go to debug.
type cronLoggerAdapter struct {
	logger *zap.Logger
}

func (a *cronLoggerAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (a *cronLoggerAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
