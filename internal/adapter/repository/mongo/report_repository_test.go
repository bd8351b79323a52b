package mongo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/V4T54L/sbs-relay/internal/domain"
)

type fakeCollection struct {
	filters []interface{}
	updates []interface{}
	upserts []bool
	err     error
}

func (f *fakeCollection) UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...options.Lister[options.UpdateOneOptions]) (*mongo.UpdateResult, error) {
	f.filters = append(f.filters, filter)
	f.updates = append(f.updates, update)

	var args options.UpdateOneOptions
	for _, o := range opts {
		for _, set := range o.List() {
			_ = set(&args)
		}
	}
	f.upserts = append(f.upserts, args.Upsert != nil && *args.Upsert)

	if f.err != nil {
		return nil, f.err
	}
	return &mongo.UpdateResult{ModifiedCount: 1}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEntry(id string) domain.StoredReport {
	hex := "4CA2C4"
	alt := int32(38000)
	return domain.StoredReport{
		MessageID: id,
		AircraftReport: domain.AircraftReport{
			MessageType:   "MSG",
			HexIdent:      &hex,
			GeneratedDate: "2024/06/01",
			Altitude:      &alt,
		},
	}
}

var testKey = domain.HierarchicalKey{Year: "2024", Month: "06", Day: "01", HexIdent: "4CA2C4"}

func TestReportRepository_AppendReportBuildsUpsert(t *testing.T) {
	coll := &fakeCollection{}
	repo := newReportRepository(coll, DefaultBreakerSettings, testLogger())

	entry := testEntry("1718000000000-0")
	require.NoError(t, repo.AppendReport(context.Background(), "receiver-1", testKey, entry))

	require.Len(t, coll.updates, 1)
	assert.Equal(t, bson.D{{Key: "_id", Value: "receiver-1"}}, coll.filters[0])
	assert.Equal(t, bson.D{{Key: "$addToSet", Value: bson.D{{Key: "2024.06.01.4CA2C4", Value: entry}}}}, coll.updates[0])
	assert.True(t, coll.upserts[0])
}

func TestReportRepository_StoredEntryEncoding(t *testing.T) {
	_, update := appendUpdate("receiver-1", testKey, testEntry("1-0"))

	raw, err := bson.Marshal(update)
	require.NoError(t, err)

	var doc struct {
		AddToSet map[string]bson.M `bson:"$addToSet"`
	}
	require.NoError(t, bson.Unmarshal(raw, &doc))

	stored := doc.AddToSet["2024.06.01.4CA2C4"]
	require.NotNil(t, stored)
	assert.Equal(t, "1-0", stored["message_id"])
	assert.Equal(t, "MSG", stored["message_type"])
	assert.Equal(t, "4CA2C4", stored["hex_ident"])
	assert.Equal(t, int32(38000), stored["altitude"])
	assert.NotContains(t, stored, "latitude")
	assert.NotContains(t, stored, "callsign")
}

func TestReportRepository_RejectsUnusableKeys(t *testing.T) {
	tests := []struct {
		name string
		key  domain.HierarchicalKey
	}{
		{name: "missing hex ident", key: domain.HierarchicalKey{Year: "2024", Month: "06", Day: "01"}},
		{name: "dot in component", key: domain.HierarchicalKey{Year: "2024", Month: "06", Day: "01.5", HexIdent: "ABC"}},
		{name: "dollar in component", key: domain.HierarchicalKey{Year: "$2024", Month: "06", Day: "01", HexIdent: "ABC"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := &fakeCollection{}
			repo := newReportRepository(coll, DefaultBreakerSettings, testLogger())

			err := repo.AppendReport(context.Background(), "receiver-1", tt.key, testEntry("1-0"))
			assert.ErrorIs(t, err, domain.ErrInvalidKey)
			assert.Empty(t, coll.updates)
		})
	}
}

func TestReportRepository_RequiresPartition(t *testing.T) {
	repo := newReportRepository(&fakeCollection{}, DefaultBreakerSettings, testLogger())
	err := repo.AppendReport(context.Background(), "", testKey, testEntry("1-0"))
	assert.Error(t, err)
}

func TestReportRepository_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("server selection timeout")
	coll := &fakeCollection{err: boom}
	repo := newReportRepository(coll, BreakerSettings{FailureThreshold: 2}, testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := repo.AppendReport(ctx, "receiver-1", testKey, testEntry("1-0"))
		assert.ErrorIs(t, err, boom)
	}

	err := repo.AppendReport(ctx, "receiver-1", testKey, testEntry("1-0"))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Len(t, coll.updates, 2)
}
