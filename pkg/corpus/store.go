package corpus

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"roidecode/internal/download"
	"roidecode/internal/metrics"
	"roidecode/internal/models"
	"roidecode/internal/roierr"
)

// Store memoizes the corpus: it reads the cache file when present, otherwise
// fetches from Source, persists the cache and keeps the result for later calls.
type Store struct {
	// Path is the cache archive
	Path string

	// Source is used when no cache exists; nil means offline
	Source Source

	// Grid is the voxel space for freshly fetched corpora
	Grid models.Grid

	// Timeout bounds one fetch attempt; zero means no limit
	Timeout time.Duration

	// Backoff is the wait before the single retry of a failed fetch
	Backoff time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Collectors

	group  singleflight.Group
	mu     sync.Mutex
	corpus *Corpus
}

// EnsureLoaded returns the corpus, loading it on first use. Concurrent
// callers share a single load. Failures are not memoized.
func (s *Store) EnsureLoaded(ctx context.Context) (*Corpus, error) {
	s.mu.Lock()
	c := s.corpus
	s.mu.Unlock()
	if c != nil {
		return c, nil
	}

	v, err, _ := s.group.Do("load", func() (any, error) {
		c, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.corpus = c
		s.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Corpus), nil
}

func (s *Store) load(ctx context.Context) (*Corpus, error) {
	const op = "corpus.EnsureLoaded"
	logger := s.logger()

	c, err := Load(s.Path)
	switch {
	case err == nil:
		logger.Info("loaded corpus cache", slog.String("path", s.Path), slog.Int("studies", c.Len()), slog.Int("terms", len(c.Terms)))
		s.observe(metrics.SourceCache)
		return c, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, roierr.New(roierr.CorpusUnavailable, op, "unreadable cache "+s.Path, err)
	}

	if s.Source == nil {
		return nil, roierr.Newf(roierr.CorpusUnavailable, op, "no cache at %s and no remote source configured", s.Path)
	}

	logger.Info("corpus cache not found, fetching", slog.String("path", s.Path), slog.String("source", s.Source.String()))
	c, err = s.fetch(ctx)
	if err != nil {
		return nil, roierr.New(roierr.CorpusUnavailable, op, "fetch from "+s.Source.String(), err)
	}
	if err := Save(c, s.Path); err != nil {
		return nil, roierr.New(roierr.CorpusUnavailable, op, "persist cache", err)
	}
	logger.Info("saved corpus cache", slog.String("path", s.Path), slog.Int("studies", c.Len()), slog.Int("terms", len(c.Terms)))
	s.observe(metrics.SourceRemote)
	return c, nil
}

func (s *Store) fetch(ctx context.Context) (*Corpus, error) {
	tarball := filepath.Join(filepath.Dir(s.Path), "neurosynth_data.tar.gz")
	defer os.Remove(tarball)

	err := download.Retry(ctx, s.Backoff, func(ctx context.Context) error {
		if s.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.Timeout)
			defer cancel()
		}
		err := download.WriteFileAtomic(tarball, func(f *os.File) error {
			return s.Source.Fetch(ctx, f)
		})
		if err != nil {
			s.logger().Warn("corpus fetch attempt failed", slog.Any("error", err))
		}
		return download.Classify(err)
	})
	if err != nil {
		return nil, err
	}

	f, err := os.Open(tarball)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	grid := s.Grid
	if grid.Len() == 0 {
		grid = MNI152Grid2mm
	}
	return ReadTarball(f, grid)
}

func (s *Store) observe(source string) {
	if s.Metrics != nil {
		s.Metrics.ObserveCorpusLoad(source)
	}
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
