package settings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore persists one JSON document per identity under a directory.
//
// Directory layout:
//
//	<root>/<sha256(identity)>.json
//
// File names are hashed so that identities never appear on disk in clear.
type FileStore struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root), now: time.Now}
}

func (s *FileStore) RootDir() string {
	return s.root
}

func (s *FileStore) path(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return filepath.Join(s.root, hex.EncodeToString(sum[:])+".json")
}

func (s *FileStore) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("settings root dir is empty")
	}
	return os.MkdirAll(s.root, 0o700)
}

func (s *FileStore) Get(ctx context.Context, identity string) (Record, error) {
	id, err := requireIdentity(identity)
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *FileStore) read(id string) (Record, error) {
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("%w: read settings: %w", ErrUnavailable, err)
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return Record{}, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return Record{}, fmt.Errorf("parse settings: %w", err)
	}
	return rec, nil
}

func (s *FileStore) Merge(ctx context.Context, identity string, patch Patch) (Record, error) {
	id, err := requireIdentity(identity)
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read(id)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = Record{UserID: id}
	case err != nil:
		return Record{}, err
	}
	rec = patch.Apply(rec, s.now())
	if err := s.write(id, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *FileStore) write(id string, rec Record) error {
	if err := s.ensureRoot(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(s.root, "settings.json.tmp.*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write temp settings file: %w", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp settings file: %w", ErrUnavailable, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("%w: chmod settings file: %w", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		return fmt.Errorf("%w: rename settings file: %w", ErrUnavailable, err)
	}
	return nil
}

// Ping verifies the root directory exists or can be created.
func (s *FileStore) Ping(ctx context.Context) error {
	if err := s.ensureRoot(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}
