// Package spool keeps fingerprints on disk: the documents produced by each
// run and the uploads that could not reach a repository yet.
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"dissector/internal/metrics"
)

var (
	// ErrEmpty is returned by DequeueOldest when nothing is pending.
	ErrEmpty = errors.New("spool empty")
	ErrFull  = errors.New("spool full")
)

const entryPrefix = "upload_"

// Spool is a bounded FIFO of pending uploads, one file per entry. When full,
// the oldest entries are dropped to make room.
type Spool struct {
	dir      string
	maxBytes int64
	metrics  *metrics.Metrics

	mu  sync.Mutex
	seq int
}

func New(dir string, maxBytes int64, m *metrics.Metrics) *Spool {
	return &Spool{dir: dir, maxBytes: maxBytes, metrics: m}
}

func (s *Spool) Ensure() error {
	return os.MkdirAll(s.dir, 0o755)
}

func (s *Spool) Enqueue(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Ensure(); err != nil {
		return err
	}
	if err := s.ensureCap(int64(len(payload))); err != nil {
		return err
	}
	s.seq++
	name := fmt.Sprintf("%s%020d_%06d.json", entryPrefix, time.Now().UnixNano(), s.seq)
	if err := os.WriteFile(filepath.Join(s.dir, name), payload, 0o600); err != nil {
		return err
	}
	s.report()
	return nil
}

// DequeueOldest returns the oldest entry without removing it. Call Ack once
// the entry has been handled.
func (s *Spool) DequeueOldest() (string, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.entries()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, ErrEmpty
		}
		return "", nil, err
	}
	if len(files) == 0 {
		return "", nil, ErrEmpty
	}
	path := filepath.Join(s.dir, files[0].Name())
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	return path, data, nil
}

func (s *Spool) Ack(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		return err
	}
	s.report()
	return nil
}

func (s *Spool) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeBytes()
}

func (s *Spool) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, err := s.entries()
	if err != nil {
		return 0
	}
	return len(files)
}

// entries lists pending files, oldest first.
func (s *Spool) entries() ([]os.DirEntry, error) {
	all, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	files := all[:0]
	for _, e := range all {
		if e.IsDir() || !strings.HasPrefix(e.Name(), entryPrefix) {
			continue
		}
		files = append(files, e)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })
	return files, nil
}

func (s *Spool) sizeBytes() int64 {
	files, err := s.entries()
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range files {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}

func (s *Spool) report() {
	if s.metrics == nil {
		return
	}
	files, _ := s.entries()
	s.metrics.SetSpool(s.sizeBytes(), len(files))
}

func (s *Spool) ensureCap(nextSize int64) error {
	if s.maxBytes <= 0 {
		return nil
	}
	if nextSize > s.maxBytes {
		return ErrFull
	}
	cur := s.sizeBytes()
	if cur+nextSize <= s.maxBytes {
		return nil
	}
	files, err := s.entries()
	if err != nil {
		return err
	}
	for _, e := range files {
		if cur+nextSize <= s.maxBytes {
			break
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			continue
		}
		cur -= info.Size()
		s.metrics.IncSpoolDropped()
	}
	if cur+nextSize > s.maxBytes {
		return ErrFull
	}
	return nil
}
