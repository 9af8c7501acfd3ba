package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/datafabrix/fabric/internal/registry"
)

type streamDriver struct{}

// NewStreamDriver returns the driver for NATS message-stream sources.
// JetStream streams are the entities; streams are introspectable and
// streamable but not queryable.
func NewStreamDriver() Driver {
	return &streamDriver{}
}

func (*streamDriver) Kind() registry.Kind {
	return registry.KindMessageStream
}

func (*streamDriver) Open(_ context.Context, desc registry.Descriptor) (Conn, error) {
	opts := []nats.Option{
		nats.Timeout(5 * time.Second),
		nats.RetryOnFailedConnect(false),
	}
	if desc.CredentialsRef != "" {
		token, err := ResolveCredential(desc.CredentialsRef)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(desc.Address, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) {
			return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	return &streamConn{nc: nc}, nil
}

type streamConn struct {
	nc *nats.Conn
}

func (c *streamConn) Ping(ctx context.Context) error {
	if !c.nc.IsConnected() {
		return fmt.Errorf("%w: not connected", ErrConnectionFailed)
	}
	// RTT exercises the full round trip, not just local connection state.
	deadline, ok := ctx.Deadline()
	timeout := 2 * time.Second
	if ok {
		timeout = time.Until(deadline)
	}
	if err := c.nc.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// streamFields is the fixed shape of stream entities
var streamFields = []Field{
	{Name: "subject", Type: "string"},
	{Name: "sequence", Type: "integer"},
	{Name: "timestamp", Type: "timestamp"},
}

func (c *streamConn) Introspect(ctx context.Context, limit int) ([]Entity, error) {
	js, err := jetstream.New(c.nc)
	if err != nil {
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	var entities []Entity
	lister := js.ListStreams(ctx)
	for info := range lister.Info() {
		if len(entities) >= limit {
			break
		}
		entities = append(entities, Entity{
			Name:        info.Config.Name,
			Fields:      streamFields,
			ApproxCount: int64(info.State.Msgs),
		})
	}
	if err := lister.Err(); err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	return entities, nil
}

func (*streamConn) Query(_ context.Context, _ Query) ([]Row, error) {
	return nil, fmt.Errorf("%w: message streams are not queryable", ErrNotSupported)
}

func (c *streamConn) Close() error {
	c.nc.Close()
	return nil
}
