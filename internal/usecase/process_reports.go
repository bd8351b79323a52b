package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/sbs-relay/internal/adapter/metrics"
	"github.com/V4T54L/sbs-relay/internal/domain"
	"github.com/V4T54L/sbs-relay/internal/pkg/sbs"
)

const (
	defaultBatchSize   = 100
	defaultSinkTimeout = 5 * time.Second
	fetchErrorBackoff  = time.Second
)

// ErrAck wraps failures to acknowledge a delivery whose sinks all succeeded.
var ErrAck = errors.New("failed to acknowledge delivery")

// Outcome is what happened to one delivery.
type Outcome int

const (
	// OutcomeAcked means every sink accepted the report and the delivery was acknowledged.
	OutcomeAcked Outcome = iota
	// OutcomeRejected means the line can never be stored as is. It is left
	// unacknowledged so the broker redelivers it until it is dead-lettered.
	OutcomeRejected
	// OutcomeFailed means a sink or the ack failed. The delivery is redelivered.
	OutcomeFailed
	// OutcomeDeadLettered means the delivery exceeded its attempts and was parked.
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ProcessOptions tunes the consumer pipeline.
type ProcessOptions struct {
	// Partition selects the aggregate document every report is appended to.
	Partition   string
	BatchSize   int
	Concurrency int
	// MaxDeliveries dead-letters a rejected delivery once it has been handed
	// out more often than this. Transient sink failures never dead-letter.
	// Zero disables dead-lettering.
	MaxDeliveries int64
	SinkTimeout   time.Duration
	// SinkBestEffort lets the ack go ahead when only the cache or the audit
	// log failed. The store is always blocking.
	SinkBestEffort bool
}

// ProcessReportsUseCase takes raw lines off the queue, parses them and writes
// each report to the store, the audit log and the last-seen cache. A delivery
// is acknowledged only after all of them succeeded.
type ProcessReportsUseCase struct {
	source  domain.DeliverySource
	store   domain.ReportStore
	cache   domain.LastSeenCache
	audit   domain.AuditLog
	opts    ProcessOptions
	metrics *metrics.PipelineMetrics
	logger  *slog.Logger
}

// NewProcessReportsUseCase creates the consumer pipeline. m may be nil.
func NewProcessReportsUseCase(
	source domain.DeliverySource,
	store domain.ReportStore,
	cache domain.LastSeenCache,
	audit domain.AuditLog,
	opts ProcessOptions,
	m *metrics.PipelineMetrics,
	logger *slog.Logger,
) *ProcessReportsUseCase {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = defaultSinkTimeout
	}
	return &ProcessReportsUseCase{
		source:  source,
		store:   store,
		cache:   cache,
		audit:   audit,
		opts:    opts,
		metrics: m,
		logger:  logger.With("component", "process_reports"),
	}
}

// Handle runs one delivery through the pipeline. The returned error explains
// any outcome other than OutcomeAcked and OutcomeDeadLettered.
func (uc *ProcessReportsUseCase) Handle(ctx context.Context, d domain.Delivery) (Outcome, error) {
	report := sbs.Parse(d.Line)

	key, err := domain.KeyFor(report)
	if err != nil {
		return uc.reject(ctx, d, err)
	}

	entry := domain.StoredReport{MessageID: d.ID, AircraftReport: report}
	err = uc.withSink(ctx, "store", func(ctx context.Context) error {
		return uc.store.AppendReport(ctx, uc.opts.Partition, key, entry)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidKey) {
			return uc.reject(ctx, d, err)
		}
		return OutcomeFailed, fmt.Errorf("store: %w", err)
	}

	// Audit log and cache are independent of each other; both must be done
	// before the ack.
	var wg sync.WaitGroup
	var auditErr, cacheErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		auditErr = uc.withSink(ctx, "audit", func(ctx context.Context) error {
			return uc.audit.AppendLine(ctx, report.GeneratedDate, d.Line)
		})
	}()
	go func() {
		defer wg.Done()
		cacheErr = uc.withSink(ctx, "cache", func(ctx context.Context) error {
			return uc.cache.SetLast(ctx, d.Line)
		})
	}()
	wg.Wait()

	if sinkErr := errors.Join(wrapSink("audit log", auditErr), wrapSink("cache", cacheErr)); sinkErr != nil {
		if !uc.opts.SinkBestEffort {
			return OutcomeFailed, sinkErr
		}
		uc.logger.Warn("Secondary sink failed, acknowledging anyway", "message_id", d.ID, "error", sinkErr)
	}

	if err := uc.source.Ack(ctx, d.ID); err != nil {
		return OutcomeFailed, fmt.Errorf("%w %s: %w", ErrAck, d.ID, err)
	}
	return OutcomeAcked, nil
}

// reject handles a delivery that can never be stored. It stays unacknowledged
// for inspection until it exceeds MaxDeliveries and is dead-lettered.
func (uc *ProcessReportsUseCase) reject(ctx context.Context, d domain.Delivery, cause error) (Outcome, error) {
	if uc.opts.MaxDeliveries <= 0 || d.Attempts <= uc.opts.MaxDeliveries {
		return OutcomeRejected, cause
	}
	reason := fmt.Sprintf("%v (delivered %d times, limit is %d)", cause, d.Attempts, uc.opts.MaxDeliveries)
	if err := uc.source.DeadLetter(ctx, d, reason); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeDeadLettered, nil
}

func wrapSink(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// withSink bounds one sink call by SinkTimeout and records its latency.
func (uc *ProcessReportsUseCase) withSink(ctx context.Context, sink string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, uc.opts.SinkTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if uc.metrics != nil {
		uc.metrics.SinkDuration.WithLabelValues(sink).Observe(time.Since(start).Seconds())
		if err != nil {
			uc.metrics.SinkErrors.WithLabelValues(sink).Inc()
		}
	}
	return err
}

// ProcessBatch fetches up to BatchSize deliveries and handles them with at
// most Concurrency at a time; with a concurrency of one they are handled in
// delivery order. It returns how many deliveries were settled (acked or
// dead-lettered). Per-delivery failures are logged; only fetch and ack
// failures are returned.
func (uc *ProcessReportsUseCase) ProcessBatch(ctx context.Context) (int, error) {
	deliveries, err := uc.source.Fetch(ctx, uc.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	uc.logger.Debug("Fetched deliveries", "count", len(deliveries))

	var settled atomic.Int64
	var g errgroup.Group
	g.SetLimit(uc.opts.Concurrency)

	for _, d := range deliveries {
		g.Go(func() error {
			outcome, err := uc.Handle(ctx, d)
			uc.record(d, outcome, err)

			switch outcome {
			case OutcomeAcked, OutcomeDeadLettered:
				settled.Add(1)
			case OutcomeFailed:
				if errors.Is(err, ErrAck) {
					return err
				}
				if nackErr := uc.source.Nack(ctx, d.ID); nackErr != nil {
					uc.logger.Warn("Failed to nack delivery", "message_id", d.ID, "error", nackErr)
				}
			}
			return nil
		})
	}

	err = g.Wait()
	return int(settled.Load()), err
}

func (uc *ProcessReportsUseCase) record(d domain.Delivery, outcome Outcome, err error) {
	if uc.metrics != nil {
		uc.metrics.Messages.WithLabelValues(outcome.String()).Inc()
		if outcome == OutcomeDeadLettered {
			uc.metrics.DeadLettered.Inc()
		}
	}

	switch outcome {
	case OutcomeAcked:
		uc.logger.Debug("Processed delivery", "message_id", d.ID)
	case OutcomeDeadLettered:
		uc.logger.Warn("Dead-lettered delivery", "message_id", d.ID, "attempts", d.Attempts)
	case OutcomeRejected:
		uc.logger.Warn("Rejected delivery, leaving it unacknowledged", "message_id", d.ID, "attempts", d.Attempts, "error", err)
	default:
		uc.logger.Error("Failed to process delivery", "message_id", d.ID, "attempts", d.Attempts, "error", err)
	}
}

// Run processes batches until ctx is done. A fetch or ack failure is retried
// after a pause; it only ends the loop when ctx is done.
func (uc *ProcessReportsUseCase) Run(ctx context.Context) error {
	uc.logger.Info("Consumer pipeline started",
		"partition", uc.opts.Partition,
		"batch_size", uc.opts.BatchSize,
		"concurrency", uc.opts.Concurrency,
	)

	for {
		if err := ctx.Err(); err != nil {
			uc.logger.Info("Consumer pipeline stopped")
			return err
		}

		n, err := uc.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			uc.logger.Error("Error processing batch", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(fetchErrorBackoff):
			}
			continue
		}
		if n > 0 {
			uc.logger.Debug("Processed batch", "settled", n)
		}
	}
}
