package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"loom/internal/stream"
)

// NATSStream implements the Stream interface over a NATS connection. Core
// NATS fan-out is enough for gossip: advertisements are periodic and lossy
// by design, so no JetStream persistence is involved.
type NATSStream struct {
	conn   *nats.Conn
	logger *logrus.Logger
}

// New connects to the NATS server at url.
func New(url string, logger *logrus.Logger) (*NATSStream, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSStream{conn: conn, logger: logger}, nil
}

// Publish publishes a message to a subject.
func (s *NATSStream) Publish(ctx context.Context, subject string, data []byte) error {
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe subscribes to a subject.
func (s *NATSStream) Subscribe(ctx context.Context, subject string, handler stream.MessageHandler) (stream.Subscription, error) {
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		streamMsg := &stream.Message{
			Subject:   msg.Subject,
			Data:      msg.Data,
			Timestamp: time.Now(),
		}

		if err := handler(streamMsg); err != nil {
			s.logger.WithError(err).WithField("subject", msg.Subject).Warn("failed to handle mesh message")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	return &natsSubscription{sub: sub}, nil
}

// HealthCheck verifies the connection is alive.
func (s *NATSStream) HealthCheck(ctx context.Context) error {
	if s.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS connection not healthy")
	}
	return nil
}

// Close closes the NATS connection.
func (s *NATSStream) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

// natsSubscription implements the Subscription interface.
type natsSubscription struct {
	sub *nats.Subscription
}

func (ns *natsSubscription) Unsubscribe() error {
	return ns.sub.Unsubscribe()
}
