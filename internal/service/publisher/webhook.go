package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/socialdash/autopost/pkg/util"
)

// ISO8601Milli matches what browsers produce for Date.toISOString
const ISO8601Milli = "2006-01-02T15:04:05.000Z07:00"

var ErrWebhook = errors.New("webhook publish failed")

// WebhookError is returned when the endpoint answers with a non-2xx status
type WebhookError struct {
	StatusCode int
	Body       string
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

func (e *WebhookError) Unwrap() error {
	return ErrWebhook
}

type WebhookConfig struct {
	URL      string
	Secret   string
	StubMode bool
	// Timeout of zero keeps the client default, which never times out
	Timeout time.Duration
}

// WebhookPublisher posts submissions as multipart forms to the publishing
// automation endpoint
type WebhookPublisher struct {
	config     WebhookConfig
	httpClient *http.Client
	logger     *zap.Logger
}

func NewWebhookPublisher(cfg WebhookConfig, logger *zap.Logger) *WebhookPublisher {
	return &WebhookPublisher{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (p *WebhookPublisher) Publish(ctx context.Context, submission Submission) error {
	if p.config.StubMode {
		p.logger.Info("Webhook stub mode, skipping publish request",
			zap.String("post_id", submission.PostID),
			zap.String("post_type", string(submission.PostType)),
			zap.Int("media", len(submission.Media)))
		return nil
	}

	body, contentType, err := EncodeForm(submission)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if p.config.Secret != "" {
		req.Header.Set("X-Webhook-Secret", p.config.Secret)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWebhook, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &WebhookError{StatusCode: resp.StatusCode, Body: util.Truncate(string(respBody), 500)}
	}
	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	p.logger.Debug("Webhook accepted publish request",
		zap.String("post_id", submission.PostID),
		zap.Int("status_code", resp.StatusCode))
	return nil
}

// EncodeForm builds the multipart body. Media parts are named media[N] in
// submission order.
func EncodeForm(submission Submission) (*bytes.Buffer, string, error) {
	platforms, err := json.Marshal(nonNil(submission.Platforms))
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal platforms: %w", err)
	}
	tags, err := json.Marshal(nonNil(submission.Tags))
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal tags: %w", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	fields := []struct {
		name  string
		value string
	}{
		{"user_id", submission.UserID},
		{"caption", submission.Caption},
		{"platforms", string(platforms)},
		{"tags", string(tags)},
		{"scheduledAt", submission.ScheduledAt.UTC().Format(ISO8601Milli)},
		{"autoCommenting", strconv.FormatBool(submission.AutoCommenting)},
		{"status", "published"},
		{"postType", string(submission.PostType)},
	}
	for _, field := range fields {
		if err := writer.WriteField(field.name, field.value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field.name, err)
		}
	}

	for i, blob := range submission.Media {
		filename := blob.Filename
		if filename == "" {
			filename = fmt.Sprintf("media-%d", i)
		}
		part, err := writer.CreateFormFile(fmt.Sprintf("media[%d]", i), filename)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(blob.Data); err != nil {
			return nil, "", fmt.Errorf("failed to copy media content: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}
