package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PostsChannel is the Postgres notification channel fed by the posts trigger
const PostsChannel = "posts_changed"

// Notifier reports that posts changed. Listen blocks until ctx is done or the
// underlying channel fails; onChange receives the owner of the changed post,
// or "" when unknown.
type Notifier interface {
	Listen(ctx context.Context, onChange func(userID string)) error
}

// PGNotifier listens on a dedicated pgx connection
type PGNotifier struct {
	dsn     string
	channel string
	logger  *zap.Logger
}

func NewPGNotifier(dsn string, logger *zap.Logger) *PGNotifier {
	return &PGNotifier{
		dsn:     dsn,
		channel: PostsChannel,
		logger:  logger,
	}
}

func (n *PGNotifier) Listen(ctx context.Context, onChange func(userID string)) error {
	conn, err := pgx.Connect(ctx, n.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{n.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.channel, err)
	}
	n.logger.Debug("Listening for post changes", zap.String("channel", n.channel))

	// Changes made before LISTEN took effect were never announced
	onChange("")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to wait for notification: %w", err)
		}
		onChange(notification.Payload)
	}
}

// PollNotifier fakes notifications on a fixed interval for engines that
// cannot push changes
type PollNotifier struct {
	interval time.Duration
}

func NewPollNotifier(interval time.Duration) *PollNotifier {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollNotifier{interval: interval}
}

func (n *PollNotifier) Listen(ctx context.Context, onChange func(userID string)) error {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			onChange("")
		}
	}
}

// InstallPostgresTrigger makes every write to posts emit a notification
// carrying the owner's user id.
func InstallPostgresTrigger(db *gorm.DB) error {
	statements := []string{
		`CREATE OR REPLACE FUNCTION notify_posts_changed() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('` + PostsChannel + `', OLD.user_id);
	ELSE
		PERFORM pg_notify('` + PostsChannel + `', NEW.user_id);
	END IF;
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS posts_changed_notify ON posts`,
		`CREATE TRIGGER posts_changed_notify AFTER INSERT OR UPDATE OR DELETE ON posts
	FOR EACH ROW EXECUTE FUNCTION notify_posts_changed()`,
	}

	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to install posts trigger: %w", err)
		}
	}
	return nil
}
