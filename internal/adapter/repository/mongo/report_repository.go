package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/V4T54L/sbs-relay/internal/domain"
)

// updater is the subset of *mongo.Collection the repository needs.
type updater interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...options.Lister[options.UpdateOneOptions]) (*mongo.UpdateResult, error)
}

// BreakerSettings tunes the circuit breaker in front of the store.
type BreakerSettings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultBreakerSettings trips after five consecutive failures and probes again after 30s.
var DefaultBreakerSettings = BreakerSettings{FailureThreshold: 5, OpenTimeout: 30 * time.Second}

// ReportRepository is the hierarchical store sink. Each partition is one
// aggregate document whose nested year/month/day/hex paths hold arrays of
// reports in arrival order.
type ReportRepository struct {
	coll    updater
	breaker *gobreaker.CircuitBreaker[*mongo.UpdateResult]
	logger  *slog.Logger
}

var _ domain.ReportStore = (*ReportRepository)(nil)

// NewReportRepository creates a store sink writing to coll.
func NewReportRepository(coll *mongo.Collection, settings BreakerSettings, logger *slog.Logger) *ReportRepository {
	return newReportRepository(coll, settings, logger)
}

func newReportRepository(coll updater, settings BreakerSettings, logger *slog.Logger) *ReportRepository {
	logger = logger.With("component", "mongo_store")
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = DefaultBreakerSettings.FailureThreshold
	}

	breaker := gobreaker.NewCircuitBreaker[*mongo.UpdateResult](gobreaker.Settings{
		Name:    "mongo-store",
		Timeout: settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Store circuit breaker changed state", "from", from.String(), "to", to.String())
		},
	})

	return &ReportRepository{coll: coll, breaker: breaker, logger: logger}
}

// AppendReport appends entry to the array at key inside the partition's
// aggregate document in a single server-side update, creating the document on
// first write. $addToSet appends at the end of the array and skips an entry
// that is already there, so a redelivered message (same message_id) is not
// stored twice.
func (r *ReportRepository) AppendReport(ctx context.Context, partition string, key domain.HierarchicalKey, entry domain.StoredReport) error {
	if partition == "" {
		return errors.New("store partition is required")
	}
	if err := validateKey(key); err != nil {
		return err
	}

	filter, update := appendUpdate(partition, key, entry)
	opts := options.UpdateOne().SetUpsert(true)

	_, err := r.breaker.Execute(func() (*mongo.UpdateResult, error) {
		return r.coll.UpdateOne(ctx, filter, update, opts)
	})
	if err != nil {
		return fmt.Errorf("failed to append report at %s: %w", key, err)
	}
	return nil
}

func appendUpdate(partition string, key domain.HierarchicalKey, entry domain.StoredReport) (bson.D, bson.D) {
	filter := bson.D{{Key: "_id", Value: partition}}
	update := bson.D{{Key: "$addToSet", Value: bson.D{{Key: key.String(), Value: entry}}}}
	return filter, update
}

// validateKey rejects keys that would not form a valid nested field path.
func validateKey(key domain.HierarchicalKey) error {
	for _, part := range []string{key.Year, key.Month, key.Day, key.HexIdent} {
		if part == "" || strings.ContainsAny(part, ".$") {
			return fmt.Errorf("%w: %q", domain.ErrInvalidKey, key.String())
		}
	}
	return nil
}

// Connect opens a client for uri and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, nil
}
