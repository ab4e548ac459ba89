// Package store persists completed chunks as encoded files in a directory.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vassist/internal/application"
	"vassist/internal/domain"
	"vassist/internal/infra"
)

var _ application.ChunkSink = (*DirStore)(nil)

var (
	ErrNotFound  = errors.New("chunk not found")
	ErrInvalidID = errors.New("invalid chunk id")
)

type ChunkInfo struct {
	ID      string    `json:"id"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// DirStore writes each chunk to <dir>/<chunk id><codec extension>.
type DirStore struct {
	dir    string
	codec  application.Codec
	retry  infra.RetryConfig
	logger *slog.Logger

	mu     sync.Mutex
	stored int
}

func NewDirStore(dir string, codec application.Codec, logger *slog.Logger) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating chunk dir: %w", err)
	}
	return &DirStore{
		dir:    dir,
		codec:  codec,
		retry:  infra.DefaultRetryConfig(),
		logger: logger,
	}, nil
}

func (s *DirStore) Dir() string { return s.dir }

// Consume encodes chunk and writes it atomically.
func (s *DirStore) Consume(ctx context.Context, chunk domain.Chunk) error {
	if _, err := uuid.Parse(chunk.ID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, chunk.ID)
	}

	data, err := s.codec.Encode(chunk.Buffers)
	if err != nil {
		return fmt.Errorf("encoding chunk %s as %s: %w", chunk.ID, s.codec.Name(), err)
	}

	path := s.path(chunk.ID)
	err = infra.WithRetry(ctx, s.retry, func(context.Context) error {
		return writeFile(path, data)
	})
	if err != nil {
		return fmt.Errorf("storing chunk %s: %w", chunk.ID, err)
	}

	s.mu.Lock()
	s.stored++
	s.mu.Unlock()

	s.logger.Debug("chunk stored", "chunk", chunk.ID, "path", path, "bytes", len(data))
	return nil
}

// Stored is the number of chunks written by this store since creation.
func (s *DirStore) Stored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored
}

// List returns stored chunks, oldest first.
func (s *DirStore) List() ([]ChunkInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading chunk dir: %w", err)
	}

	ext := s.codec.Extension()
	var out []ChunkInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ext {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ext)
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, ChunkInfo{ID: id, Size: info.Size(), ModTime: info.ModTime()})
	}

	slices.SortFunc(out, func(a, b ChunkInfo) int {
		if c := a.ModTime.Compare(b.ModTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Load decodes a stored chunk back into buffers.
func (s *DirStore) Load(id string) ([]domain.SampleBuffer, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunk %s: %w", id, err)
	}

	bufs, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding chunk %s: %w", id, err)
	}
	return bufs, nil
}

func (s *DirStore) path(id string) string {
	return filepath.Join(s.dir, id+s.codec.Extension())
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".chunk-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
