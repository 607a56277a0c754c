package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Handler receives one message payload.
type Handler func(data []byte)

// Subscriber consumes messages from a NATS subject.
type Subscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *zap.Logger
}

// NewSubscriber connects to url with the given client name.
func NewSubscriber(url, name string, logger *zap.Logger) (*Subscriber, error) {
	nc, err := connect(url, name, logger)
	if err != nil {
		return nil, err
	}
	return &Subscriber{nc: nc, logger: logger}, nil
}

// Subscribe registers handler for subject. Handlers run on the NATS
// delivery goroutine and must hand off long work.
func (s *Subscriber) Subscribe(subject string, handler Handler) error {
	if s.sub != nil {
		return fmt.Errorf("already subscribed to %s", s.sub.Subject)
	}
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.logger.Info("subscribed", zap.String("subject", subject))
	return nil
}

// Ping reports whether the connection is currently established.
func (s *Subscriber) Ping(context.Context) error {
	if status := s.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}

// Close unsubscribes and drains the connection.
func (s *Subscriber) Close() {
	if s == nil || s.nc == nil {
		return
	}
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	_ = s.nc.Drain()
	s.nc.Close()
}
