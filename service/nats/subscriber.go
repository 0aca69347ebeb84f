package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subscriber delivers published payment events to live consumers.
type Subscriber interface {
	// Subscribe returns a channel of events for address published after the
	// call. An empty address subscribes to every watched address. The channel
	// is closed once ctx is done.
	Subscribe(ctx context.Context, address string) (<-chan *PaymentEvent, error)

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamSubscriber creates one ephemeral JetStream consumer per subscription.
type JetStreamSubscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS for consuming the payments stream.
func NewSubscriber(natsURL string, logger *slog.Logger) (*JetStreamSubscriber, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	nc, js, err := connect(natsURL, "kin-gateway-subscriber")
	if err != nil {
		return nil, err
	}

	logger.Info("NATS subscriber initialized", "url", natsURL)

	return &JetStreamSubscriber{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

func (s *JetStreamSubscriber) Subscribe(ctx context.Context, address string) (<-chan *PaymentEvent, error) {
	subject := Subject(address)

	// Ephemeral: the server removes the consumer once the subscription stops pulling.
	cons, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", subject, err)
	}

	msgs := make(chan jetstream.Msg, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", subject, err)
	}

	out := make(chan *PaymentEvent)
	go func() {
		defer close(out)
		defer cc.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				var event PaymentEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					s.logger.WarnContext(ctx, "failed to unmarshal payment event",
						"subject", msg.Subject(),
						"error", err,
					)
					msg.Ack()
					continue
				}
				select {
				case out <- &event:
					msg.Ack()
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	s.logger.DebugContext(ctx, "subscribed to payments", "subject", subject)
	return out, nil
}

// Close closes the connection to NATS.
func (s *JetStreamSubscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("NATS subscriber closed")
	}
	return nil
}
