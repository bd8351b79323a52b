package usecase

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/V4T54L/sbs-relay/internal/adapter/metrics"
	"github.com/V4T54L/sbs-relay/internal/domain"
)

// RelayLinesUseCase publishes captured lines to the queue, one publish per line.
type RelayLinesUseCase struct {
	publisher domain.LinePublisher
	limiter   *rate.Limiter
	metrics   *metrics.RelayMetrics
	logger    *slog.Logger
}

// NewRelayLinesUseCase creates the producer loop. A zero interval publishes
// as fast as lines arrive; otherwise at most one line per interval. m may be nil.
func NewRelayLinesUseCase(publisher domain.LinePublisher, interval time.Duration, m *metrics.RelayMetrics, logger *slog.Logger) *RelayLinesUseCase {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &RelayLinesUseCase{
		publisher: publisher,
		limiter:   rate.NewLimiter(limit, 1),
		metrics:   m,
		logger:    logger.With("component", "relay_lines"),
	}
}

// Relay publishes one line, waiting for the pacing limiter first.
func (uc *RelayLinesUseCase) Relay(ctx context.Context, line string) error {
	if err := uc.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := uc.publisher.Publish(ctx, line); err != nil {
		uc.count("error")
		return err
	}
	uc.count("ok")
	return nil
}

func (uc *RelayLinesUseCase) count(status string) {
	if uc.metrics != nil {
		uc.metrics.LinesPublished.WithLabelValues(status).Inc()
	}
}

// Run relays lines until the channel is closed or ctx is done. A failed
// publish is logged and the line dropped; the loop keeps going.
func (uc *RelayLinesUseCase) Run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := uc.Relay(ctx, line); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				uc.logger.Error("Failed to publish line", "error", err)
			}
		}
	}
}
