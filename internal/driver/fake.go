package driver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datafabrix/fabric/internal/registry"
)

// Fake is an in-memory driver used by tests across packages. Behavior is
// programmable per instance: dial errors, ping outcomes, canned entities
// and rows, artificial latency.
type Fake struct {
	FakeKind registry.Kind

	mu sync.Mutex
	// OpenErr, when set, fails every Open call
	OpenErr error
	// PingErr, when set, fails every Ping on opened connections
	PingErr error
	// PingDelay is slept before every ping returns
	PingDelay time.Duration
	// QueryErr, when set, fails every Query
	QueryErr error
	// QueryDelay is slept before every query returns
	QueryDelay time.Duration
	// Entities is returned from Introspect
	Entities []Entity
	// Rows is returned from Query
	Rows []Row

	opened int64
	closed int64
}

// NewFake returns a fake driver for the given kind
func NewFake(kind registry.Kind) *Fake {
	return &Fake{FakeKind: kind}
}

// Kind returns the configured kind
func (f *Fake) Kind() registry.Kind {
	return f.FakeKind
}

// Open returns a fake connection or the configured open error
func (f *Fake) Open(_ context.Context, _ registry.Descriptor) (Conn, error) {
	f.mu.Lock()
	openErr := f.OpenErr
	f.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}
	atomic.AddInt64(&f.opened, 1)
	return &fakeConn{driver: f}, nil
}

// OpenCount reports how many connections were opened
func (f *Fake) OpenCount() int64 {
	return atomic.LoadInt64(&f.opened)
}

// ClosedCount reports how many connections were closed
func (f *Fake) ClosedCount() int64 {
	return atomic.LoadInt64(&f.closed)
}

// SetOpenErr changes the dial outcome for subsequent opens
func (f *Fake) SetOpenErr(err error) {
	f.mu.Lock()
	f.OpenErr = err
	f.mu.Unlock()
}

// SetPingErr changes the ping outcome for existing and new connections
func (f *Fake) SetPingErr(err error) {
	f.mu.Lock()
	f.PingErr = err
	f.mu.Unlock()
}

// SetPingDelay changes the artificial probe latency
func (f *Fake) SetPingDelay(d time.Duration) {
	f.mu.Lock()
	f.PingDelay = d
	f.mu.Unlock()
}

// SetEntities replaces the canned introspection result
func (f *Fake) SetEntities(entities []Entity) {
	f.mu.Lock()
	f.Entities = entities
	f.mu.Unlock()
}

// SetRows replaces the canned query result
func (f *Fake) SetRows(rows []Row) {
	f.mu.Lock()
	f.Rows = rows
	f.mu.Unlock()
}

// SetQueryErr changes the query outcome
func (f *Fake) SetQueryErr(err error) {
	f.mu.Lock()
	f.QueryErr = err
	f.mu.Unlock()
}

type fakeConn struct {
	driver *Fake
	dead   atomic.Bool
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.driver.mu.Lock()
	delay := c.driver.PingDelay
	pingErr := c.driver.PingErr
	c.driver.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if pingErr != nil {
		return pingErr
	}
	return ctx.Err()
}

func (c *fakeConn) Introspect(ctx context.Context, limit int) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	entities := make([]Entity, len(c.driver.Entities))
	copy(entities, c.driver.Entities)
	if len(entities) > limit {
		entities = entities[:limit]
	}
	return entities, nil
}

func (c *fakeConn) Query(ctx context.Context, q Query) ([]Row, error) {
	c.driver.mu.Lock()
	delay := c.driver.QueryDelay
	queryErr := c.driver.QueryErr
	rows := make([]Row, len(c.driver.Rows))
	copy(rows, c.driver.Rows)
	c.driver.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if queryErr != nil {
		return nil, queryErr
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, projectRow(row, q.Fields))
	}
	return out, ctx.Err()
}

func (c *fakeConn) Close() error {
	if c.dead.CompareAndSwap(false, true) {
		atomic.AddInt64(&c.driver.closed, 1)
	}
	return nil
}
