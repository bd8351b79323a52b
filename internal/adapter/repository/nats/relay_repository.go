package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/V4T54L/sbs-relay/internal/domain"
)

// RelayOptions configures a JetStream relay.
type RelayOptions struct {
	URL      string
	Topic    string
	DLQTopic string

	// Group is the durable queue group; required on the consuming side only.
	Group string
	// InFlight is the number of unacknowledged deliveries handed out at once.
	InFlight int
	// AckWait is how long JetStream waits for an ack before redelivering.
	AckWait time.Duration
	// MaxDeliver caps redeliveries; JetStream stops delivering after that.
	MaxDeliver int
	// Block bounds how long Fetch waits for the first delivery.
	Block time.Duration
}

// RelayRepository is the queue relay on top of NATS JetStream, driven through
// Watermill. Every published line gets a message UUID that JetStream uses for
// deduplication and that is handed back as the delivery ID.
type RelayRepository struct {
	opts   RelayOptions
	logger *slog.Logger

	publisher  message.Publisher
	subscriber message.Subscriber

	subOnce  sync.Once
	subErr   error
	messages <-chan *message.Message
	cancel   context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]*message.Message
}

var (
	_ domain.LinePublisher  = (*RelayRepository)(nil)
	_ domain.DeliverySource = (*RelayRepository)(nil)
)

// NewRelayRepository connects a publisher, and a durable subscriber when a group is set.
func NewRelayRepository(opts RelayOptions, logger *slog.Logger) (*RelayRepository, error) {
	if opts.Topic == "" {
		return nil, errors.New("relay topic is required")
	}
	if opts.InFlight <= 0 {
		opts.InFlight = 1
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 30 * time.Second
	}

	logger = logger.With("component", "nats_relay", "topic", opts.Topic)
	wmLogger := watermill.NewSlogLogger(logger)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", "error", err)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         opts.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	repo := &RelayRepository{
		opts:      opts,
		logger:    logger,
		publisher: pub,
		inFlight:  make(map[string]*message.Message),
	}

	if opts.Group == "" {
		return repo, nil
	}

	subOpts := []natsgo.SubOpt{
		natsgo.AckWait(opts.AckWait),
		natsgo.MaxAckPending(opts.InFlight),
		natsgo.DeliverAll(),
	}
	if opts.MaxDeliver > 0 {
		subOpts = append(subOpts, natsgo.MaxDeliver(opts.MaxDeliver))
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              opts.URL,
		QueueGroupPrefix: opts.Group,
		SubscribersCount: opts.InFlight,
		AckWaitTimeout:   opts.AckWait,
		CloseTimeout:     10 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision:    true,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    opts.Group,
		},
	}, wmLogger)
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}
	repo.subscriber = sub

	return repo, nil
}

// Publish sends one raw line. The message UUID doubles as the JetStream
// Nats-Msg-Id so a retried publish is deduplicated by the broker.
func (r *RelayRepository) Publish(ctx context.Context, line string) error {
	msg := message.NewMessage(watermill.NewUUID(), []byte(line))
	msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	msg.SetContext(ctx)

	if err := r.publisher.Publish(r.opts.Topic, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", r.opts.Topic, err)
	}
	return nil
}

func (r *RelayRepository) subscribe() error {
	r.subOnce.Do(func() {
		if r.subscriber == nil {
			r.subErr = errors.New("relay repository has no consumer group configured")
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		r.mu.Lock()
		r.cancel = cancel
		r.mu.Unlock()
		r.messages, r.subErr = r.subscriber.Subscribe(ctx, r.opts.Topic)
	})
	return r.subErr
}

// Fetch waits up to Block for the first delivery and then takes whatever else
// is ready, up to max. Watermill hands out at most InFlight messages before
// they are acknowledged.
func (r *RelayRepository) Fetch(ctx context.Context, max int) ([]domain.Delivery, error) {
	if err := r.subscribe(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.opts.Block)
	defer timer.Stop()

	var deliveries []domain.Delivery
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case msg, ok := <-r.messages:
		if !ok {
			return nil, errors.New("subscription closed")
		}
		deliveries = append(deliveries, r.track(msg))
	}

	for len(deliveries) < max {
		select {
		case msg, ok := <-r.messages:
			if !ok {
				return deliveries, nil
			}
			deliveries = append(deliveries, r.track(msg))
		default:
			return deliveries, nil
		}
	}
	return deliveries, nil
}

func (r *RelayRepository) track(msg *message.Message) domain.Delivery {
	r.mu.Lock()
	r.inFlight[msg.UUID] = msg
	r.mu.Unlock()

	// JetStream enforces MaxDeliver itself; the delivery count is not
	// surfaced through Watermill.
	return domain.Delivery{ID: msg.UUID, Line: string(msg.Payload), Attempts: 1}
}

func (r *RelayRepository) take(id string) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.inFlight[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
	}
	delete(r.inFlight, id)
	return msg, nil
}

// Ack acknowledges deliveries handed out by Fetch.
func (r *RelayRepository) Ack(ctx context.Context, ids ...string) error {
	var errs []error
	for _, id := range ids {
		msg, err := r.take(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msg.Ack()
	}
	return errors.Join(errs...)
}

// Nack asks JetStream to redeliver immediately.
func (r *RelayRepository) Nack(ctx context.Context, id string) error {
	msg, err := r.take(id)
	if err != nil {
		return err
	}
	msg.Nack()
	return nil
}

// DeadLetter publishes the line to the DLQ topic and acknowledges the original.
func (r *RelayRepository) DeadLetter(ctx context.Context, d domain.Delivery, reason string) error {
	if r.opts.DLQTopic == "" {
		return errors.New("dead-letter topic is not configured")
	}

	msg := message.NewMessage(watermill.NewUUID(), []byte(d.Line))
	msg.Metadata.Set("original_topic", r.opts.Topic)
	msg.Metadata.Set("original_msg_id", d.ID)
	msg.Metadata.Set("reason", reason)
	msg.Metadata.Set("failed_at", time.Now().UTC().Format(time.RFC3339))

	if err := r.publisher.Publish(r.opts.DLQTopic, msg); err != nil {
		return fmt.Errorf("failed to move delivery %s to DLQ: %w", d.ID, err)
	}
	r.logger.Warn("Moved delivery to DLQ", "message_id", d.ID, "reason", reason)
	return r.Ack(ctx, d.ID)
}

// Close stops the subscription and closes both connections.
func (r *RelayRepository) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var errs []error
	if r.subscriber != nil {
		errs = append(errs, r.subscriber.Close())
	}
	errs = append(errs, r.publisher.Close())
	return errors.Join(errs...)
}
