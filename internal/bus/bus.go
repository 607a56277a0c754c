// Package bus is the single publish/subscribe primitive shared by eventd and
// the server: core NATS, fire-and-forget, no acknowledgements.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when publishing on a closed connection.
var ErrNotConnected = errors.New("nats not connected")

// Publisher publishes raw payloads on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

func connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// NATSPublisher is a Publisher backed by a NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewPublisher connects to url with the given client name.
func NewPublisher(url, name string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := connect(url, name, logger)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc}, nil
}

// Publish sends payload on subject. Delivery is not confirmed.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p == nil || p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.nc.Publish(subject, payload)
}

// Close closes the connection without draining. Publishes still buffered
// in the client are dropped, matching the fire-and-forget delivery of Publish.
func (p *NATSPublisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Close()
}
