package application

import (
	"context"
	"errors"

	"vassist/internal/domain"
)

// ChunkSink consumes completed chunks downstream of the aggregator.
type ChunkSink interface {
	Consume(ctx context.Context, chunk domain.Chunk) error
}

type NoopSink struct{}

func (n *NoopSink) Consume(_ context.Context, _ domain.Chunk) error {
	return nil
}

// MultiSink hands every chunk to each sink and joins their errors.
type MultiSink []ChunkSink

func (m MultiSink) Consume(ctx context.Context, chunk domain.Chunk) error {
	var errs []error
	for _, s := range m {
		if err := s.Consume(ctx, chunk); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
