// Package metrics keeps an optional SQLite journal of health ticks so the
// host's history survives broker outages. It never stores meter readings.
package metrics

import (
	"context"

	"codeberg.org/mutker/gasmeterd/internal/errors"
	"codeberg.org/mutker/gasmeterd/internal/logger"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopRecorder struct{}

// NewService returns a Recorder for cfg. When history is disabled it
// returns a recorder that does nothing.
func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Health history disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

func (s *service) Record(ctx context.Context, record *HealthRecord) error {
	errFactory := errors.New()

	if record == nil {
		return errFactory.New(ErrInvalidRecord)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(record); err != nil {
			return errFactory.Wrap(ErrRecordFailed, err)
		}
	}

	return nil
}

func (s *service) Recent(ctx context.Context, limit int) ([]HealthRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	return s.repo.Recent(ctx, limit)
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	return nil
}

func (*noopRecorder) Record(context.Context, *HealthRecord) error {
	return nil
}

func (*noopRecorder) Recent(context.Context, int) ([]HealthRecord, error) {
	return nil, nil
}

func (*noopRecorder) Close() error {
	return nil
}
