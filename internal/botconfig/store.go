package botconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"fleet-risk/internal/common"

	"github.com/rs/zerolog/log"
)

var (
	// ErrWriteInProgress is returned by TryUpdate when another writer holds the
	// file. Background callers skip the cycle instead of waiting.
	ErrWriteInProgress = errors.New("config write already in progress")

	// ErrSuspectTruncation is returned when the file on disk is implausibly
	// smaller than the last version this store saw. Nothing is written.
	ErrSuspectTruncation = errors.New("config file looks truncated, refusing to write")
)

// Store serializes read-modify-write cycles per config path.
type Store struct {
	minSizeRatio float64

	locks sync.Map // path -> *sync.Mutex

	mu       sync.Mutex
	lastSize map[string]int
}

// NewStore creates a store. minSizeRatio is the smallest fraction of the last
// observed size a fresh read may have before writes are refused.
func NewStore(minSizeRatio float64) *Store {
	if minSizeRatio <= 0 || minSizeRatio >= 1 {
		minSizeRatio = common.DefaultMinSizeRatio
	}
	return &Store{minSizeRatio: minSizeRatio, lastSize: make(map[string]int)}
}

// Read parses the file at path. A missing or unreadable file is reported as
// common.ErrConfigUnavailable.
func (s *Store) Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigUnavailable, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigUnavailable, err)
	}
	s.observe(path, len(data))
	return doc, nil
}

// Update re-reads path, applies fn and writes the result back atomically. It
// waits for any concurrent writer of the same path.
func (s *Store) Update(path string, fn func(*Document) error) error {
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()
	return s.update(path, fn)
}

// TryUpdate is Update without waiting: it returns ErrWriteInProgress if the
// path is already being written.
func (s *Store) TryUpdate(path string, fn func(*Document) error) error {
	mu := s.lock(path)
	if !mu.TryLock() {
		return ErrWriteInProgress
	}
	defer mu.Unlock()
	return s.update(path, fn)
}

func (s *Store) update(path string, fn func(*Document) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigUnavailable, err)
	}
	if err := s.guard(path, data); err != nil {
		log.Error().Err(err).Str("path", path).Int("size", len(data)).Msg("config write refused")
		return err
	}
	doc, err := Parse(data)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("config write refused, file does not parse")
		return fmt.Errorf("%w: %v", ErrSuspectTruncation, err)
	}

	if err := fn(doc); err != nil {
		return err
	}

	out := doc.Bytes()
	if err := writeAtomic(path, out); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	s.remember(path, len(out))
	return nil
}

func (s *Store) guard(path string, data []byte) error {
	if len(data) == 0 {
		return ErrSuspectTruncation
	}
	s.mu.Lock()
	last, ok := s.lastSize[path]
	s.mu.Unlock()
	if ok && float64(len(data)) < float64(last)*s.minSizeRatio {
		return fmt.Errorf("%w: %d bytes on disk, expected about %d", ErrSuspectTruncation, len(data), last)
	}
	return nil
}

// observe seeds the size baseline from a plain read. An existing baseline is
// only moved by this store's own writes.
func (s *Store) observe(path string, size int) {
	s.mu.Lock()
	if _, ok := s.lastSize[path]; !ok {
		s.lastSize[path] = size
	}
	s.mu.Unlock()
}

func (s *Store) remember(path string, size int) {
	s.mu.Lock()
	s.lastSize[path] = size
	s.mu.Unlock()
}

func (s *Store) lock(path string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func writeAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
