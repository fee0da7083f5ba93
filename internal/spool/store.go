package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"dissector/internal/fingerprint"
)

var ErrNotFound = errors.New("fingerprint not found")

// Store writes fingerprints as <key>.json under a directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Save writes the full document, sources included, and returns its path.
func (s *Store) Save(fp *fingerprint.Fingerprint) (string, error) {
	if fp.Key == "" {
		return "", errors.New("fingerprint has no key")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	b, err := fp.Indent()
	if err != nil {
		return "", err
	}
	path := s.Path(fp.Key)
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Store) Load(key string) (*fingerprint.Fingerprint, error) {
	b, err := os.ReadFile(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	fp := &fingerprint.Fingerprint{}
	if err := json.Unmarshal(b, fp); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path(key), err)
	}
	return fp, nil
}

// Keys lists the stored fingerprint keys in lexical order.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}
