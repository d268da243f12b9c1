// Package download fetches remote files into the local cache directory.
// Every file is written to a temporary sibling and renamed into place only
// after it is complete, so an interrupted download never leaves a partial
// file under the final name.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"
)

// Client downloads files over HTTP with a per-attempt timeout and a single retry.
type Client struct {
	// HTTP performs requests; http.DefaultClient when nil
	HTTP *http.Client

	// Timeout bounds one attempt; zero means no limit
	Timeout time.Duration

	// Backoff is the wait before the retry
	Backoff time.Duration

	Logger *slog.Logger
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Ensure downloads url to dest unless dest already exists. It reports whether
// a download took place.
func (c *Client) Ensure(ctx context.Context, url, dest string) (bool, error) {
	if _, err := os.Stat(dest); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", dest, err)
	}
	if err := c.Fetch(ctx, url, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Fetch downloads url to dest, replacing any existing file.
func (c *Client) Fetch(ctx context.Context, url, dest string) error {
	logger := c.logger()
	logger.Info("downloading", slog.String("url", url), slog.String("dest", dest))

	return Retry(ctx, c.Backoff, func(ctx context.Context) error {
		if c.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}
		err := WriteFileAtomic(dest, func(f *os.File) error {
			return c.Get(ctx, url, f)
		})
		if err != nil {
			logger.Warn("download attempt failed", slog.String("url", url), slog.Any("error", err))
		}
		return Classify(err)
	})
}

// Get performs a single GET of url and copies the body to w.
func (c *Client) Get(ctx context.Context, url string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("read body of %s: %w", url, err)
	}
	return nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Retry runs task and, if it fails with a retryable error, runs it once more
// after backoff.
func Retry(ctx context.Context, backoff time.Duration, task func(ctx context.Context) error) error {
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	b := retry.WithMaxRetries(1, retry.NewConstant(backoff))
	return retry.Do(ctx, b, task)
}

// Classify marks transient failures as retryable for Retry. Client errors
// (4xx other than 429) and cancellation are permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
		return err
	}
	return retry.RetryableError(err)
}

// WriteFileAtomic creates a temporary file next to path, lets write fill it,
// syncs it and renames it over path. On any failure the temporary file is
// removed and path is left untouched.
func WriteFileAtomic(path string, write func(f *os.File) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}
