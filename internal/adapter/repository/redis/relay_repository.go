package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/sbs-relay/internal/adapter/metrics"
	"github.com/V4T54L/sbs-relay/internal/domain"
)

// lineField is the stream entry field holding the raw SBS line.
const lineField = "line"

// RelayOptions configures a RelayRepository.
type RelayOptions struct {
	Stream    string
	DLQStream string

	// Group and Consumer are required on the consuming side only.
	Group    string
	Consumer string

	// Block bounds how long Fetch waits for new entries.
	Block time.Duration
	// ClaimMinIdle is how long an entry must sit unacknowledged before
	// Fetch takes it over for redelivery. Zero disables reclaiming.
	ClaimMinIdle time.Duration

	// WAL is optional; pass nil if not needed (e.g., for consumers).
	WAL     domain.WALRepository
	Metrics *metrics.RelayMetrics
}

// RelayRepository is the queue relay on top of a Redis Stream. The producer
// side XADDs raw lines and fails over to the WAL while Redis is down. The
// consumer side reads through a consumer group, so an entry stays pending
// until it is XACKed and is redelivered otherwise.
type RelayRepository struct {
	client *redis.Client
	logger *slog.Logger
	opts   RelayOptions

	isAvailable atomic.Bool

	mu          sync.Mutex
	ownCursor   string // position in the own pending list during the startup pass
	drainedOwn  bool   // the startup pass over the own pending list is done
	claimCursor string
	lastClaim   time.Time
}

var (
	_ domain.LinePublisher  = (*RelayRepository)(nil)
	_ domain.DeliverySource = (*RelayRepository)(nil)
)

// NewRelayRepository creates a Redis Streams relay. When a consumer group is
// configured it is created (with the stream) if missing. A Redis that is down
// at startup is not an error; the repository starts in WAL mode.
func NewRelayRepository(client *redis.Client, logger *slog.Logger, opts RelayOptions) (*RelayRepository, error) {
	if opts.Stream == "" {
		return nil, errors.New("relay stream name is required")
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}

	repo := &RelayRepository{
		client:      client,
		logger:      logger.With("component", "redis_relay", "stream", opts.Stream),
		opts:        opts,
		ownCursor:   "0",
		claimCursor: "0-0",
	}
	repo.isAvailable.Store(true) // Assume available initially

	if opts.Group != "" {
		if err := repo.setupConsumerGroup(context.Background()); err != nil {
			repo.setAvailable(false)
			repo.logger.Error("Failed to setup consumer group, Redis may be unavailable on startup", "error", err)
		}
	}

	return repo, nil
}

func (r *RelayRepository) setupConsumerGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.opts.Stream, r.opts.Group, "0").Err()
	if err != nil && !isRedisBusyGroupError(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (r *RelayRepository) setAvailable(ok bool) {
	r.isAvailable.Store(ok)
	if r.opts.Metrics != nil {
		if ok {
			r.opts.Metrics.WALActive.Set(0)
		} else {
			r.opts.Metrics.WALActive.Set(1)
		}
	}
}

// Publish adds a raw line to the stream, falling back to the WAL if Redis is unavailable.
func (r *RelayRepository) Publish(ctx context.Context, line string) error {
	if !r.isAvailable.Load() {
		if r.opts.WAL == nil {
			return domain.ErrQueueUnavailable
		}
		return r.writeWAL(ctx, line)
	}

	err := r.publishToRedis(ctx, line)
	if err == nil {
		return nil
	}
	if !isNetworkError(err) {
		return err
	}

	if r.isAvailable.CompareAndSwap(true, false) {
		r.setAvailable(false)
		r.logger.Error("Redis connection lost during publish", "error", err)
	}
	if r.opts.WAL == nil {
		return fmt.Errorf("%w: %w", domain.ErrQueueUnavailable, err)
	}
	r.logger.Warn("Redis became unavailable, writing to WAL")
	return r.writeWAL(ctx, line)
}

func (r *RelayRepository) writeWAL(ctx context.Context, line string) error {
	err := r.opts.WAL.Write(ctx, line)
	r.recordWALSize()
	return err
}

func (r *RelayRepository) recordWALSize() {
	if r.opts.Metrics != nil {
		r.opts.Metrics.WALBytes.Set(float64(r.opts.WAL.Size()))
	}
}

func (r *RelayRepository) publishToRedis(ctx context.Context, line string) error {
	args := &redis.XAddArgs{
		Stream: r.opts.Stream,
		Values: map[string]interface{}{lineField: line},
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to XADD to redis stream: %w", err)
	}
	return nil
}

// StartHealthCheck monitors Redis connectivity and replays the WAL when it comes back.
// It blocks until ctx is done.
func (r *RelayRepository) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if r.opts.WAL == nil {
		r.logger.Info("WAL is not configured, skipping health check/replayer")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Starting Redis health check and WAL replayer")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping Redis health check")
			return
		case <-ticker.C:
			if err := r.client.Ping(ctx).Err(); err != nil {
				if r.isAvailable.CompareAndSwap(true, false) {
					r.setAvailable(false)
					r.logger.Error("Redis connection lost", "error", err)
				}
				continue
			}
			if r.isAvailable.Load() {
				continue
			}
			r.logger.Info("Redis connection recovered")
			if err := r.ReplayWAL(ctx); err != nil {
				r.logger.Error("Failed to replay WAL after Redis recovery", "error", err)
			}
		}
	}
}

// ReplayWAL drains the WAL into the stream and switches publishing back to
// Redis. Lines that reached the WAL between the first drain and the switch
// are picked up by a second one.
func (r *RelayRepository) ReplayWAL(ctx context.Context) error {
	r.logger.Info("Attempting to replay WAL to Redis")

	n, err := r.drainWAL(ctx)
	if err != nil {
		return fmt.Errorf("WAL replay failed: %w", err)
	}
	r.setAvailable(true)

	tail, err := r.drainWAL(ctx)
	if err != nil {
		// The tail stays in the WAL for the next recovery.
		r.logger.Error("Failed to replay WAL tail", "error", err)
	}

	r.logger.Info("WAL replay to Redis completed successfully", "lines", n+tail)
	return nil
}

func (r *RelayRepository) drainWAL(ctx context.Context) (int, error) {
	n, err := r.opts.WAL.Drain(ctx, func(line string) error {
		return r.publishToRedis(ctx, line)
	})
	if r.opts.Metrics != nil {
		r.opts.Metrics.WALReplayed.Add(float64(n))
	}
	r.recordWALSize()
	return n, err
}

// Fetch returns up to max deliveries for this consumer. In order of priority
// it hands out: entries this consumer read before a restart but never acked,
// entries idle for longer than ClaimMinIdle in any consumer of the group,
// and finally new entries (blocking up to Block).
//
// The own pending list is walked once, front to back, after start. An entry
// handed out by that pass and not acked is only seen again through
// XAUTOCLAIM, so a failing sink cannot spin its delivery count up.
func (r *RelayRepository) Fetch(ctx context.Context, max int) ([]domain.Delivery, error) {
	if r.opts.Group == "" || r.opts.Consumer == "" {
		return nil, errors.New("relay repository has no consumer group configured")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.drainedOwn {
		deliveries, last, err := r.readGroup(ctx, r.ownCursor, max, -1)
		if err != nil {
			return nil, err
		}
		if last != "" {
			r.ownCursor = last
		}
		if len(deliveries) > 0 {
			return r.withAttempts(ctx, deliveries)
		}
		if last == "" {
			r.drainedOwn = true
		}
	}

	if r.opts.ClaimMinIdle > 0 && time.Since(r.lastClaim) >= r.opts.ClaimMinIdle/2 {
		deliveries, err := r.autoClaim(ctx, max)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 {
			return r.withAttempts(ctx, deliveries)
		}
	}

	deliveries, _, err := r.readGroup(ctx, ">", max, r.opts.Block)
	return deliveries, err
}

// readGroup runs XREADGROUP from id. New entries (">") are first deliveries.
// It also returns the ID of the last entry read, valid or not.
func (r *RelayRepository) readGroup(ctx context.Context, id string, count int, block time.Duration) ([]domain.Delivery, string, error) {
	args := &redis.XReadGroupArgs{
		Group:    r.opts.Group,
		Consumer: r.opts.Consumer,
		Streams:  []string{r.opts.Stream, id},
		Count:    int64(count),
		Block:    block,
	}

	streams, err := r.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to XREADGROUP from redis: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, "", nil
	}

	messages := streams[0].Messages
	return r.toDeliveries(ctx, messages), messages[len(messages)-1].ID, nil
}

func (r *RelayRepository) autoClaim(ctx context.Context, count int) ([]domain.Delivery, error) {
	messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.opts.Stream,
		Group:    r.opts.Group,
		Consumer: r.opts.Consumer,
		MinIdle:  r.opts.ClaimMinIdle,
		Start:    r.claimCursor,
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to XAUTOCLAIM from redis: %w", err)
	}

	r.claimCursor = next
	if next == "0-0" {
		// Full scan of the pending list done; wait before the next pass.
		r.lastClaim = time.Now()
	}

	deliveries := r.toDeliveries(ctx, messages)
	if len(deliveries) > 0 {
		r.logger.Info("Claimed idle entries for redelivery", "count", len(deliveries))
	}
	return deliveries, nil
}

// toDeliveries converts stream entries to deliveries. Entries without a line
// field can never be processed, so they are acknowledged and dropped.
func (r *RelayRepository) toDeliveries(ctx context.Context, messages []redis.XMessage) []domain.Delivery {
	deliveries := make([]domain.Delivery, 0, len(messages))
	var invalid []string
	for _, msg := range messages {
		d, ok := toDelivery(msg)
		if !ok {
			r.logger.Warn("Invalid entry format in stream, acknowledging and skipping", "message_id", msg.ID)
			invalid = append(invalid, msg.ID)
			continue
		}
		deliveries = append(deliveries, d)
	}
	if len(invalid) > 0 {
		if err := r.Ack(ctx, invalid...); err != nil {
			r.logger.Error("Failed to acknowledge invalid entries", "error", err)
		}
	}
	return deliveries
}

func toDelivery(msg redis.XMessage) (domain.Delivery, bool) {
	line, ok := msg.Values[lineField].(string)
	if !ok {
		return domain.Delivery{}, false
	}
	return domain.Delivery{ID: msg.ID, Line: line, Attempts: 1}, true
}

// withAttempts fills in delivery counts from the pending entries list.
func (r *RelayRepository) withAttempts(ctx context.Context, deliveries []domain.Delivery) ([]domain.Delivery, error) {
	if len(deliveries) == 0 {
		return deliveries, nil
	}

	// One exact-ID lookup per delivery; a range query can be crowded out by
	// other pending entries that sort between them.
	cmds := make([]*redis.XPendingExtCmd, len(deliveries))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, d := range deliveries {
			cmds[i] = pipe.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream:   r.opts.Stream,
				Group:    r.opts.Group,
				Start:    d.ID,
				End:      d.ID,
				Count:    1,
				Consumer: r.opts.Consumer,
			})
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to XPENDING from redis: %w", err)
	}

	for i, cmd := range cmds {
		pending, err := cmd.Result()
		if err != nil || len(pending) == 0 {
			continue
		}
		if n := pending[0].RetryCount; n > 0 {
			deliveries[i].Attempts = n
		}
	}
	return deliveries, nil
}

// Ack acknowledges processed entries.
func (r *RelayRepository) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, r.opts.Stream, r.opts.Group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to XACK messages in redis: %w", err)
	}
	return nil
}

// Nack is a no-op: Redis Streams have no negative acknowledgement. The entry
// stays pending and is reclaimed by Fetch once it has been idle for ClaimMinIdle.
func (r *RelayRepository) Nack(ctx context.Context, id string) error {
	return nil
}

// DeadLetter copies a delivery to the DLQ stream and acknowledges it, in one transaction.
func (r *RelayRepository) DeadLetter(ctx context.Context, d domain.Delivery, reason string) error {
	if r.opts.DLQStream == "" {
		return errors.New("dead-letter stream is not configured")
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.opts.DLQStream,
			Values: map[string]interface{}{
				lineField:         d.Line,
				"original_stream": r.opts.Stream,
				"original_msg_id": d.ID,
				"attempts":        d.Attempts,
				"reason":          reason,
				"failed_at":       time.Now().UTC().Format(time.RFC3339),
			},
		})
		pipe.XAck(ctx, r.opts.Stream, r.opts.Group, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to move entry %s to DLQ: %w", d.ID, err)
	}
	r.logger.Warn("Moved entry to DLQ", "message_id", d.ID, "attempts", d.Attempts, "reason", reason)
	return nil
}

func isRedisBusyGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded)
}
