// Package imagestore persists fetched snapshots on local disk under random ids.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Extension is appended to every stored image id.
const Extension = ".jpg"

const (
	tempPrefix = ".tmp-"

	// staleTempAge is when a leftover temp file from an interrupted write is swept.
	staleTempAge = time.Hour
)

var (
	// ErrInvalidID is returned for ids that are not uuids
	ErrInvalidID = errors.New("invalid image id")
	// ErrNotFound is returned when no image is stored under an id
	ErrNotFound = errors.New("image not found")
)

// StorageWriteError reports an image that could not be written after retrying.
type StorageWriteError struct {
	ID       string
	Attempts int
	Err      error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("write image %s failed after %d attempts: %v", e.ID, e.Attempts, e.Err)
}

func (e *StorageWriteError) Unwrap() error {
	return e.Err
}

// Store writes images to {dir}/{id}.jpg.
type Store struct {
	dir      string
	failures prometheus.Counter
	logger   *zap.Logger

	newID     func() string
	writeFile func(path string, data []byte) error
	now       func() time.Time
}

// New creates the directory if needed. failures may be nil.
func New(dir string, failures prometheus.Counter, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("image directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:       dir,
		failures:  failures,
		logger:    logger.Named("imagestore"),
		newID:     uuid.NewString,
		writeFile: writeAtomic,
		now:       time.Now,
	}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path for id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+Extension)
}

// Save writes data under a new id. A failed write is retried once.
func (s *Store) Save(ctx context.Context, data []byte) (string, error) {
	id := s.newID()
	path := s.Path(id)

	const attempts = 2
	var err error
	for i := 1; i <= attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			break
		}
		if err = s.writeFile(path, data); err == nil {
			return id, nil
		}
		s.logger.Warn("Image write failed",
			zap.String("image_id", id),
			zap.Int("attempt", i),
			zap.Error(err))
	}

	if s.failures != nil {
		s.failures.Inc()
	}
	return "", &StorageWriteError{ID: id, Attempts: attempts, Err: err}
}

// Open opens the image stored under id.
func (s *Store) Open(id string) (*os.File, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrInvalidID
	}
	f, err := os.Open(s.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Sweep deletes stored images last modified more than olderThan ago, and
// temp files left by interrupted writes.
func (s *Store) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read image directory: %w", err)
	}

	now := s.now()
	cutoff := now.Add(-olderThan)
	tempCutoff := now.Add(-min(olderThan, staleTempAge))
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		limit := cutoff
		switch name := entry.Name(); {
		case strings.HasPrefix(name, tempPrefix):
			limit = tempCutoff
		case !strings.HasSuffix(name, Extension):
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(limit) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("Failed to remove expired image", zap.String("file", entry.Name()), zap.Error(err))
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(retention)
			if err != nil {
				s.logger.Error("Image sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("Removed expired images", zap.Int("count", n))
			}
		}
	}
}

// writeAtomic writes through a temp file so readers never see a partial image.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
