package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// RelayStore is the outbox side of the relay.
type RelayStore interface {
	Pending(ctx context.Context, limit, maxRetries int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, ids []int64, reason string) error
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval: 2 * time.Second,
		BatchSize:    100,
		MaxRetries:   5,
	}
}

// Relay polls the outbox and publishes pending events. Delivery is
// at-least-once: a crash between publish and MarkPublished republishes the
// batch on the next poll.
type Relay struct {
	store  RelayStore
	pub    Publisher
	cfg    RelayConfig
	logger zerolog.Logger
}

func NewRelay(store RelayStore, pub Publisher, cfg RelayConfig, logger zerolog.Logger) *Relay {
	def := DefaultRelayConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &Relay{store: store, pub: pub, cfg: cfg, logger: logger.With().Str("component", "outbox-relay").Logger()}
}

// Run polls until ctx is cancelled. A full batch triggers an immediate
// re-poll instead of waiting for the next tick.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().Dur("interval", r.cfg.PollInterval).Msg("relay started")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error().Err(err).Msg("relay poll failed")
		}
		if err == nil && n == r.cfg.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce publishes at most one batch and returns how many events were
// published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	batch, err := r.store.Pending(ctx, r.cfg.BatchSize, r.cfg.MaxRetries)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}

	if err := r.pub.Publish(ctx, batch); err != nil {
		if markErr := r.store.MarkFailed(ctx, ids, err.Error()); markErr != nil {
			r.logger.Error().Err(markErr).Msg("could not record publish failure")
		}
		return 0, err
	}

	if err := r.store.MarkPublished(ctx, ids); err != nil {
		return 0, err
	}

	r.logger.Debug().Int("count", len(batch)).Int64("last_id", ids[len(ids)-1]).Msg("events published")
	return len(batch), nil
}
