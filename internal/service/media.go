package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/socialdash/autopost/internal/service/publisher"
	"github.com/socialdash/autopost/pkg/util"
)

var ErrMediaFetch = errors.New("media fetch failed")

// MediaFetchError identifies the media URL that could not be fetched
type MediaFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *MediaFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("media fetch failed for %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("media fetch failed for %s: %v", e.URL, e.Err)
}

func (e *MediaFetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMediaFetch}
	}
	return []error{ErrMediaFetch, e.Err}
}

type MediaResolverConfig struct {
	// Timeout of zero keeps the client default
	Timeout time.Duration
	// MaxBytes caps a single media body; zero means unlimited
	MaxBytes int64
}

// MediaResolver downloads a post's media so it can be forwarded inline
type MediaResolver struct {
	client   *http.Client
	maxBytes int64
	logger   *zap.Logger
}

func NewMediaResolver(cfg MediaResolverConfig, logger *zap.Logger) *MediaResolver {
	return &MediaResolver{
		client:   &http.Client{Timeout: cfg.Timeout},
		maxBytes: cfg.MaxBytes,
		logger:   logger,
	}
}

// Resolve fetches every URL concurrently and returns the blobs in input
// order. The first failure cancels the remaining fetches and fails the
// whole call.
func (r *MediaResolver) Resolve(ctx context.Context, urls []string) ([]publisher.MediaBlob, error) {
	blobs := make([]publisher.MediaBlob, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, url := range urls {
		g.Go(func() error {
			blob, err := r.fetch(gctx, i, url)
			if err != nil {
				return err
			}
			blobs[i] = blob
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return blobs, nil
}

func (r *MediaResolver) fetch(ctx context.Context, index int, url string) (publisher.MediaBlob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return publisher.MediaBlob{}, &MediaFetchError{URL: url, Err: err}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return publisher.MediaBlob{}, &MediaFetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return publisher.MediaBlob{}, &MediaFetchError{URL: url, StatusCode: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if r.maxBytes > 0 {
		body = io.LimitReader(resp.Body, r.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return publisher.MediaBlob{}, &MediaFetchError{URL: url, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	if r.maxBytes > 0 && int64(len(data)) > r.maxBytes {
		return publisher.MediaBlob{}, &MediaFetchError{URL: url, Err: fmt.Errorf("body exceeds %d bytes", r.maxBytes)}
	}

	filename := util.FilenameFromURL(url)
	if filename == "" {
		filename = fmt.Sprintf("media-%d", index)
	}

	r.logger.Debug("Fetched media",
		zap.String("url", url),
		zap.String("filename", filename),
		zap.Int("bytes", len(data)))

	return publisher.MediaBlob{
		URL:         url,
		Filename:    filename,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}
