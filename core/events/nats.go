package events

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cordum/stash/core/infra/logging"
)

var errNilPublisher = errors.New("nats publisher not initialized")

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Close()
}

// NatsPublisher publishes encoded events on <prefix>.<type>.
type NatsPublisher struct {
	nc     conn
	prefix string
}

// NewNatsPublisher dials NATS at url.
func NewNatsPublisher(url, prefix string) (*NatsPublisher, error) {
	opts := []nats.Option{
		nats.Name("stash-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn("events", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("events", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logging.Info("events", "nats connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsPublisher{nc: nc, prefix: prefix}, nil
}

func (p *NatsPublisher) Publish(ctx context.Context, ev Event) error {
	if p == nil || p.nc == nil {
		return errNilPublisher
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(Subject(p.prefix, ev.Type), data)
}

// Connected reports whether the underlying connection is up.
func (p *NatsPublisher) Connected() bool {
	return p != nil && p.nc != nil && p.nc.IsConnected()
}

func (p *NatsPublisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
}
