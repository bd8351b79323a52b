//go:build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/V4T54L/sbs-relay/internal/adapter/repository/auditlog"
	mongorepo "github.com/V4T54L/sbs-relay/internal/adapter/repository/mongo"
	redisrepo "github.com/V4T54L/sbs-relay/internal/adapter/repository/redis"
	"github.com/V4T54L/sbs-relay/internal/adapter/repository/wal"
	"github.com/V4T54L/sbs-relay/internal/domain"
	"github.com/V4T54L/sbs-relay/internal/usecase"
)

const (
	stream    = "adsb_data"
	dlqStream = "adsb_data_dlq"
	group     = "adsb-processors"
	partition = "main"
)

func sbsLine(hex, date, clock string, altitude int) string {
	return fmt.Sprintf("MSG,3,1,1,%s,1,%s,%s,%s,%s,,%d,,,51.5,-0.1,,,0,0,0,0", hex, date, clock, date, clock, altitude)
}

type pipelineEnv struct {
	redis    *redis.Client
	mongo    *mongo.Client
	coll     *mongo.Collection
	auditDir string
	logger   *slog.Logger
}

func setup(t *testing.T) *pipelineEnv {
	t.Helper()
	skipIfNoDocker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisAddr := startRedis(t)
	mongoAddr := startMongo(t)

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())

	mc, err := mongorepo.Connect(ctx, "mongodb://"+mongoAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mc.Disconnect(context.Background()) })

	return &pipelineEnv{
		redis:    rdb,
		mongo:    mc,
		coll:     mc.Database("adsb").Collection("messages"),
		auditDir: t.TempDir(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (e *pipelineEnv) producer(t *testing.T) *redisrepo.RelayRepository {
	t.Helper()
	w, err := wal.NewWALRepository(t.TempDir(), 1<<20, 1<<24, e.logger)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	relay, err := redisrepo.NewRelayRepository(e.redis, e.logger, redisrepo.RelayOptions{
		Stream:    stream,
		DLQStream: dlqStream,
		WAL:       w,
	})
	require.NoError(t, err)
	return relay
}

func (e *pipelineEnv) pipeline(t *testing.T, consumer string, concurrency int) *usecase.ProcessReportsUseCase {
	t.Helper()
	source, err := redisrepo.NewRelayRepository(e.redis, e.logger, redisrepo.RelayOptions{
		Stream:       stream,
		DLQStream:    dlqStream,
		Group:        group,
		Consumer:     consumer,
		Block:        100 * time.Millisecond,
		ClaimMinIdle: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	return usecase.NewProcessReportsUseCase(
		source,
		mongorepo.NewReportRepository(e.coll, mongorepo.DefaultBreakerSettings, e.logger),
		redisrepo.NewCacheRepository(e.redis, redisrepo.DefaultLastSeenKey, e.logger),
		auditlog.NewFileRepository(e.auditDir, e.logger),
		usecase.ProcessOptions{
			Partition:     partition,
			BatchSize:     10,
			Concurrency:   concurrency,
			MaxDeliveries: 2,
			SinkTimeout:   5 * time.Second,
		},
		nil,
		e.logger,
	)
}

// entriesAt returns the message IDs stored under path in the partition document.
func (e *pipelineEnv) entriesAt(t *testing.T, path ...string) []string {
	t.Helper()
	var doc bson.Raw
	err := e.coll.FindOne(context.Background(), bson.D{{Key: "_id", Value: partition}}).Decode(&doc)
	require.NoError(t, err)

	val, err := doc.LookupErr(path...)
	if err != nil {
		return nil
	}
	values, err := val.Array().Values()
	require.NoError(t, err)

	ids := make([]string, 0, len(values))
	for _, v := range values {
		ids = append(ids, v.Document().Lookup("message_id").StringValue())
	}
	return ids
}

// drain runs batches until want deliveries were settled or the deadline passes.
func drain(t *testing.T, uc *usecase.ProcessReportsUseCase, want int) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(20 * time.Second)
	settled := 0
	for settled < want && time.Now().Before(deadline) {
		n, err := uc.ProcessBatch(ctx)
		require.NoError(t, err)
		settled += n
	}
	require.Equal(t, want, settled, "not every delivery was settled in time")
}

func TestPipeline_EndToEnd(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	lines := []string{
		sbsLine("4CA2C4", "2024/06/01", "12:00:00.000", 38000),
		sbsLine("4CA2C4", "2024/06/01", "12:00:01.000", 38025),
		sbsLine("3C6586", "2024/06/01", "12:00:02.000", 12000),
		sbsLine("4CA2C4", "2024/06/02", "00:00:01.000", 38100),
		"MSG,3,1,1,ABCDEF,1,not-a-date,12:00:00.000,,,,,,,,,,,,,,",
	}
	producer := env.producer(t)
	for _, line := range lines {
		require.NoError(t, producer.Publish(ctx, line))
	}

	// Four reports are acked; the undated one is dead-lettered after its
	// second redelivery.
	drain(t, env.pipeline(t, "consumer-1", 1), len(lines))

	assert.Len(t, env.entriesAt(t, "2024", "06", "01", "4CA2C4"), 2)
	assert.Len(t, env.entriesAt(t, "2024", "06", "01", "3C6586"), 1)
	assert.Len(t, env.entriesAt(t, "2024", "06", "02", "4CA2C4"), 1)

	auditFile := auditlog.NewFileRepository(env.auditDir, env.logger)
	path, err := auditFile.PathFor("2024/06/01")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(lines[:3], "\n")+"\n", string(data))

	last, err := env.redis.Get(ctx, redisrepo.DefaultLastSeenKey).Result()
	require.NoError(t, err)
	assert.Equal(t, lines[3], last)

	dead, err := env.redis.XRange(ctx, dlqStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, lines[4], dead[0].Values["line"])

	pending, err := env.redis.XPending(ctx, stream, group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestPipeline_ConcurrentAppendsToOneKey(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	const n = 50
	producer := env.producer(t)
	for i := 0; i < n; i++ {
		clock := fmt.Sprintf("12:%02d:%02d.000", i/60, i%60)
		require.NoError(t, producer.Publish(ctx, sbsLine("4CA2C4", "2024/06/01", clock, 30000+i)))
	}

	drain(t, env.pipeline(t, "consumer-1", 8), n)

	ids := env.entriesAt(t, "2024", "06", "01", "4CA2C4")
	assert.Len(t, ids, n)
}

func TestPipeline_RedeliveredReportIsStoredOnce(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	store := mongorepo.NewReportRepository(env.coll, mongorepo.DefaultBreakerSettings, env.logger)

	hex := "4CA2C4"
	entry := domain.StoredReport{
		MessageID: "1718000000000-0",
		AircraftReport: domain.AircraftReport{
			MessageType:   "MSG",
			HexIdent:      &hex,
			GeneratedDate: "2024/06/01",
			GeneratedTime: "12:00:00.000",
		},
	}
	key := domain.HierarchicalKey{Year: "2024", Month: "06", Day: "01", HexIdent: hex}

	require.NoError(t, store.AppendReport(ctx, partition, key, entry))
	require.NoError(t, store.AppendReport(ctx, partition, key, entry))

	assert.Equal(t, []string{entry.MessageID}, env.entriesAt(t, "2024", "06", "01", hex))
}
