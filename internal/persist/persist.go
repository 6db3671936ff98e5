package persist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalsfoundry/sonde-tracker/model"
)

// Store writes track and landing-history snapshots to disk, one file pair
// per sonde identity, encoded with msgpack. Writes are atomic (tmp+rename)
// so a crash mid-write never leaves a truncated snapshot behind.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates the snapshot directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// SaveTrack persists the full track for one sonde.
func (s *Store) SaveTrack(sondeID string, track model.Track) error {
	return s.write(s.path(sondeID, "track"), track)
}

// LoadTrack returns the persisted track for one sonde; ok is false when no
// snapshot exists.
func (s *Store) LoadTrack(sondeID string) (model.Track, bool, error) {
	var track model.Track
	ok, err := s.read(s.path(sondeID, "track"), &track)
	return track, ok, err
}

// SaveLandingHistory persists the landing-point history for one sonde.
func (s *Store) SaveLandingHistory(sondeID string, history []model.LandingPoint) error {
	return s.write(s.path(sondeID, "landings"), history)
}

// LoadLandingHistory returns the persisted landing history for one sonde;
// ok is false when no snapshot exists.
func (s *Store) LoadLandingHistory(sondeID string) ([]model.LandingPoint, bool, error) {
	var history []model.LandingPoint
	ok, err := s.read(s.path(sondeID, "landings"), &history)
	return history, ok, err
}

func (s *Store) path(sondeID, kind string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s.msgpack", sanitize(sondeID), kind))
}

func (s *Store) write(path string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *Store) read(path string, v any) (bool, error) {
	s.mu.Lock()
	data, err := os.ReadFile(path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read snapshot: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode snapshot: %w", err)
	}
	return true, nil
}

// sanitize keeps snapshot filenames safe regardless of what identity string
// the feeds hand us.
func sanitize(sondeID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sondeID)
}
