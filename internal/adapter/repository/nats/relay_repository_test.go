package nats

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/sbs-relay/internal/domain"
)

// newTestRelay wires the relay to an in-process Go channel pub/sub, which
// like JetStream withholds the next message until the current one is acked.
func newTestRelay(t *testing.T) (*RelayRepository, *gochannel.GoChannel) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(logger))

	repo := &RelayRepository{
		opts: RelayOptions{
			Topic:    "adsb_data",
			DLQTopic: "adsb_data_dlq",
			Group:    "adsb-processors",
			InFlight: 1,
			Block:    200 * time.Millisecond,
		},
		logger:     logger,
		publisher:  pubSub,
		subscriber: pubSub,
		inFlight:   make(map[string]*message.Message),
	}
	require.NoError(t, repo.subscribe())
	t.Cleanup(func() { repo.Close() })

	return repo, pubSub
}

func TestRelayRepository_PublishFetchAck(t *testing.T) {
	repo, _ := newTestRelay(t)
	ctx := context.Background()

	require.NoError(t, repo.Publish(ctx, "line-1"))

	deliveries, err := repo.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "line-1", deliveries[0].Line)
	assert.NotEmpty(t, deliveries[0].ID)

	require.NoError(t, repo.Ack(ctx, deliveries[0].ID))
	assert.ErrorIs(t, repo.Ack(ctx, deliveries[0].ID), domain.ErrNotFound)

	empty, err := repo.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRelayRepository_NackRedelivers(t *testing.T) {
	repo, _ := newTestRelay(t)
	ctx := context.Background()

	require.NoError(t, repo.Publish(ctx, "line-1"))

	first, err := repo.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, repo.Nack(ctx, first[0].ID))

	again, err := repo.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.Equal(t, "line-1", again[0].Line)
	require.NoError(t, repo.Ack(ctx, again[0].ID))
}

func TestRelayRepository_DeadLetter(t *testing.T) {
	repo, pubSub := newTestRelay(t)
	ctx := context.Background()

	dlq, err := pubSub.Subscribe(ctx, "adsb_data_dlq")
	require.NoError(t, err)

	require.NoError(t, repo.Publish(ctx, "MSG,3"))
	deliveries, err := repo.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, repo.DeadLetter(ctx, deliveries[0], "invalid generated date"))

	select {
	case msg := <-dlq:
		assert.Equal(t, "MSG,3", string(msg.Payload))
		assert.Equal(t, deliveries[0].ID, msg.Metadata.Get("original_msg_id"))
		assert.Equal(t, "invalid generated date", msg.Metadata.Get("reason"))
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("dead-lettered line was not published")
	}

	assert.ErrorIs(t, repo.Ack(ctx, deliveries[0].ID), domain.ErrNotFound)
}

func TestRelayRepository_FetchWithoutGroup(t *testing.T) {
	repo := &RelayRepository{inFlight: make(map[string]*message.Message)}
	_, err := repo.Fetch(context.Background(), 1)
	assert.Error(t, err)
}
