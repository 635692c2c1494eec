package service

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/socialdash/autopost/internal/config"
	"github.com/socialdash/autopost/internal/events"
	"github.com/socialdash/autopost/internal/service/publisher"
)

// Components bundles the long-lived collaborators built from config
type Components struct {
	Deps Deps
	// DB is nil when the store is in memory
	DB *gorm.DB
}

func Build(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	st, db, err := NewStore(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	var emitter events.Emitter = events.Nop{}
	if cfg.Redis.URL != "" {
		redisPublisher, err := events.NewRedisStreamPublisher(cfg.Redis.URL, cfg.Redis.Stream)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		emitter = redisPublisher
		logger.Info("Publishing status events to redis", zap.String("stream", cfg.Redis.Stream))
	}

	if cfg.Webhook.StubMode {
		logger.Warn("Webhook stub mode enabled, posts will be marked published without being sent")
	}

	resolver := NewMediaResolver(MediaResolverConfig{
		Timeout:  config.MustDuration(cfg.Media.Timeout),
		MaxBytes: cfg.Media.MaxBytes,
	}, logger)
	webhook := publisher.NewWebhookPublisher(publisher.WebhookConfig{
		URL:      cfg.Webhook.URL,
		Secret:   cfg.Webhook.Secret,
		StubMode: cfg.Webhook.StubMode,
		Timeout:  config.MustDuration(cfg.Webhook.Timeout),
	}, logger)

	return &Components{
		Deps: Deps{
			Store:      st,
			Resolver:   resolver,
			Publisher:  webhook,
			Monitoring: NewMonitoringService(db, logger),
			Events:     emitter,
			Logger:     logger,
		},
		DB: db,
	}, nil
}

func (c *Components) Close() error {
	var errs []error
	if c.Deps.Events != nil {
		errs = append(errs, c.Deps.Events.Close())
	}
	errs = append(errs, c.Deps.Store.Close())
	return errors.Join(errs...)
}
