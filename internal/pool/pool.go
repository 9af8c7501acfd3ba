// Package pool owns the per-source pools of live driver connections.
// A pool is the only mutable structure shared across callers for a given
// source; every mutation goes through Acquire, Release, Resize, or the
// maintenance pass, all serialized on the pool mutex. The capacity
// invariant (total never above max) holds even under acquire storms.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/datafabrix/fabric/internal/driver"
	"github.com/datafabrix/fabric/internal/registry"
)

// Sentinel errors surfaced by pool operations
var (
	// ErrPoolExhausted means no connection became available within the
	// acquire timeout
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed means the pool was shut down
	ErrPoolClosed = errors.New("connection pool closed")
)

const dialMaxAttempts = 3

// AcquireRecorder receives lease lifecycle records. Implementations must
// tolerate concurrent calls; a nil recorder disables recording.
type AcquireRecorder interface {
	RecordAcquire(ctx context.Context, sourceID string, wait time.Duration)
	RecordRelease(ctx context.Context, sourceID string)
	RecordExhaustion(ctx context.Context, sourceID string)
}

// Config bounds one pool
type Config struct {
	MinSize            int
	MaxSize            int
	QueueWaitThreshold time.Duration
	IdleInterval       time.Duration
	Metrics            AcquireRecorder
}

// Handle is a leased, single-owner wrapper around one live connection.
// Ownership transfers to the caller for the lease duration and returns to
// the pool on Release.
type Handle struct {
	conn       driver.Conn
	pool       *Pool
	generation uint64
	leasedAt   time.Time

	mu       sync.Mutex
	dead     bool
	released bool
}

// Conn exposes the underlying connection for the lease duration
func (h *Handle) Conn() driver.Conn {
	return h.conn
}

// LeasedAt reports when the lease started
func (h *Handle) LeasedAt() time.Time {
	return h.leasedAt
}

// MarkDead flags the connection as failed during use; it will be
// destroyed on release instead of returning to the pool.
func (h *Handle) MarkDead() {
	h.mu.Lock()
	h.dead = true
	h.mu.Unlock()
}

// Release returns the connection to its pool. Releasing twice is a no-op.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	dead := h.dead
	h.mu.Unlock()

	if h.pool.cfg.Metrics != nil {
		h.pool.cfg.Metrics.RecordRelease(context.Background(), h.pool.sourceID)
	}
	h.pool.release(h, dead)
}

type idleConn struct {
	conn       driver.Conn
	generation uint64
	idleSince  time.Time
}

// waiter sits in the acquire queue. A non-nil idleConn is a direct
// handoff; nil means a slot freed up and the waiter should retry.
type waiter struct {
	ch chan *idleConn
}

// Stats is a point-in-time view of one pool
type Stats struct {
	SourceID   string `json:"source_id"`
	Total      int    `json:"total"`
	Idle       int    `json:"idle"`
	Leased     int    `json:"leased"`
	Target     int    `json:"target"`
	Generation uint64 `json:"generation"`
	Waiting    int    `json:"waiting"`
}

// Pool is a bounded set of live connections to one source
type Pool struct {
	sourceID string
	drv      driver.Driver
	cfg      Config

	mu         sync.Mutex
	desc       registry.Descriptor
	idle       []*idleConn
	waiters    []*waiter
	total      int
	target     int
	generation uint64
	closed     bool
}

// newPool creates a pool for the descriptor. Connections are opened
// lazily on acquire, never eagerly, so a freshly registered source costs
// nothing until used.
func newPool(desc registry.Descriptor, drv driver.Driver, cfg Config) *Pool {
	target := cfg.MinSize
	if target < 1 {
		target = 1
	}
	return &Pool{
		sourceID:   desc.ID,
		drv:        drv,
		cfg:        cfg,
		desc:       desc,
		target:     target,
		generation: desc.ParamVersion,
	}
}

// Acquire leases a connection, blocking on the wait queue until one is
// available, a new one can be opened, or ctx fires. An acquire queued
// past the configured wait threshold grows the target by one and retries,
// so sustained queueing admits waiters instead of starving them. A
// deadline expiry surfaces as ErrPoolExhausted; plain cancellation
// surfaces as ctx.Err() and releases the wait-queue slot without creating
// a connection.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	start := time.Now()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// Reuse an idle connection of the current generation; destroy
		// stale ones on the way.
		if h := p.popIdleLocked(); h != nil {
			p.mu.Unlock()
			p.noteAcquired(ctx, start)
			return h, nil
		}

		if p.total < p.target {
			p.total++
			p.mu.Unlock()

			conn, gen, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.wakeOneLocked(nil)
				p.mu.Unlock()
				return nil, err
			}
			p.noteAcquired(ctx, start)
			return &Handle{conn: conn, pool: p, generation: gen, leasedAt: time.Now()}, nil
		}

		w := &waiter{ch: make(chan *idleConn, 1)}
		p.waiters = append(p.waiters, w)
		canGrow := p.target < p.cfg.MaxSize
		p.mu.Unlock()

		var grow <-chan time.Time
		var growTimer *time.Timer
		if canGrow && p.cfg.QueueWaitThreshold > 0 {
			growTimer = time.NewTimer(p.cfg.QueueWaitThreshold)
			grow = growTimer.C
		}

		select {
		case ic := <-w.ch:
			if growTimer != nil {
				growTimer.Stop()
			}
			if ic == nil {
				// A slot opened up; go around and try to claim it.
				continue
			}
			p.noteAcquired(ctx, start)
			return p.leaseIdle(ic), nil
		case <-grow:
			p.abandonWaiter(w)
			p.mu.Lock()
			if p.target < p.cfg.MaxSize {
				p.target++
				slog.Debug("Pool grew after sustained queueing",
					"source_id", p.sourceID, "target", p.target,
					"waited", time.Since(start).Round(time.Millisecond))
			}
			p.mu.Unlock()
		case <-ctx.Done():
			if growTimer != nil {
				growTimer.Stop()
			}
			p.abandonWaiter(w)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if p.cfg.Metrics != nil {
					p.cfg.Metrics.RecordExhaustion(context.WithoutCancel(ctx), p.sourceID)
				}
				return nil, fmt.Errorf("%w: waited %s", ErrPoolExhausted, time.Since(start).Round(time.Millisecond))
			}
			return nil, ctx.Err()
		}
	}
}

// popIdleLocked returns a lease over an idle connection of the current
// generation, destroying any stale ones it encounters. Caller holds p.mu.
func (p *Pool) popIdleLocked() *Handle {
	for len(p.idle) > 0 {
		ic := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if ic.generation != p.generation {
			p.total--
			go closeConn(ic.conn)
			continue
		}
		return &Handle{
			conn:       ic.conn,
			pool:       p,
			generation: ic.generation,
			leasedAt:   time.Now(),
		}
	}
	return nil
}

func (p *Pool) leaseIdle(ic *idleConn) *Handle {
	return &Handle{conn: ic.conn, pool: p, generation: ic.generation, leasedAt: time.Now()}
}

// dial opens a connection with capped exponential backoff. Auth
// rejections are terminal and never retried. The generation is captured
// together with the descriptor snapshot: a parameter change landing
// mid-dial leaves the new connection stamped stale, so release destroys
// it instead of parking a connection opened under old parameters as
// current.
func (p *Pool) dial(ctx context.Context) (driver.Conn, uint64, error) {
	p.mu.Lock()
	desc := p.desc
	gen := p.generation
	p.mu.Unlock()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxInterval = 2 * time.Second

	conn, err := backoff.Retry(ctx, func() (driver.Conn, error) {
		conn, err := p.drv.Open(ctx, desc)
		if err != nil {
			if errors.Is(err, driver.ErrAuthRejected) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(dialMaxAttempts))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", driver.ErrConnectionFailed, err)
	}
	return conn, gen, nil
}

// release returns a connection to the pool. Stale-generation and dead
// connections are destroyed here rather than mid-lease, so in-flight
// operations were never disrupted by a parameter change.
func (p *Pool) release(h *Handle, dead bool) {
	p.mu.Lock()

	if p.closed || dead || h.generation != p.generation {
		p.total--
		p.wakeOneLocked(nil)
		p.mu.Unlock()
		closeConn(h.conn)
		return
	}

	ic := &idleConn{conn: h.conn, generation: h.generation, idleSince: time.Now()}
	if p.handoffLocked(ic) {
		p.mu.Unlock()
		return
	}

	p.idle = append(p.idle, ic)
	p.mu.Unlock()
}

// handoffLocked gives the connection directly to the longest waiter.
// Caller holds p.mu.
func (p *Pool) handoffLocked(ic *idleConn) bool {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		select {
		case w.ch <- ic:
			return true
		default:
			// Waiter already gave up; try the next one.
		}
	}
	return false
}

// wakeOneLocked tells one waiter a slot opened. Caller holds p.mu.
func (p *Pool) wakeOneLocked(ic *idleConn) {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		select {
		case w.ch <- ic:
			return
		default:
		}
	}
}

// abandonWaiter removes a cancelled waiter from the queue. If a handoff
// raced the cancellation, the connection is put back rather than leaked.
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case ic := <-w.ch:
		if ic != nil {
			p.release(&Handle{conn: ic.conn, pool: p, generation: ic.generation}, false)
		}
	default:
	}
}

// BumpGeneration invalidates connections opened under stale parameters.
// Idle stale connections are destroyed immediately; leased ones are
// destroyed on release.
func (p *Pool) BumpGeneration(desc registry.Descriptor) {
	p.mu.Lock()
	if desc.ParamVersion <= p.generation {
		p.mu.Unlock()
		return
	}
	p.generation = desc.ParamVersion
	p.desc = desc
	stale := p.idle
	p.idle = nil
	p.total -= len(stale)
	for range stale {
		p.wakeOneLocked(nil)
	}
	p.mu.Unlock()

	for _, ic := range stale {
		closeConn(ic.conn)
	}
	if len(stale) > 0 {
		slog.Info("Discarded stale idle connections after parameter change",
			"source_id", p.sourceID, "count", len(stale), "generation", desc.ParamVersion)
	}
}

// Resize sets a new target size, clamped to the configured bounds.
// Shrinking destroys surplus idle connections immediately.
func (p *Pool) Resize(newTarget int) {
	if newTarget < p.cfg.MinSize {
		newTarget = p.cfg.MinSize
	}
	if newTarget > p.cfg.MaxSize {
		newTarget = p.cfg.MaxSize
	}

	p.mu.Lock()
	p.target = newTarget
	var victims []*idleConn
	for p.total > p.target && len(p.idle) > 0 {
		ic := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		victims = append(victims, ic)
		p.total--
	}
	p.mu.Unlock()

	for _, ic := range victims {
		closeConn(ic.conn)
	}
}

// maintain runs one maintenance pass: stale idle connections are
// destroyed and at most one sufficiently idle connection is reaped,
// never shrinking below the minimum.
func (p *Pool) maintain(now time.Time) {
	p.mu.Lock()

	var victims []*idleConn
	kept := p.idle[:0]
	for _, ic := range p.idle {
		if ic.generation != p.generation {
			victims = append(victims, ic)
			p.total--
			continue
		}
		kept = append(kept, ic)
	}
	p.idle = kept

	if p.target > p.cfg.MinSize && len(p.idle) > 0 {
		oldest := p.idle[0]
		if now.Sub(oldest.idleSince) >= p.cfg.IdleInterval {
			p.idle = p.idle[1:]
			victims = append(victims, oldest)
			p.total--
			p.target--
		}
	}
	p.mu.Unlock()

	for _, ic := range victims {
		closeConn(ic.conn)
	}
}

// Stats returns a point-in-time snapshot of the pool
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		SourceID:   p.sourceID,
		Total:      p.total,
		Idle:       len(p.idle),
		Leased:     p.total - len(p.idle),
		Target:     p.target,
		Generation: p.generation,
		Waiting:    len(p.waiters),
	}
}

// Close destroys every idle connection and fails all waiters. Leased
// connections are destroyed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	for _, ic := range idle {
		closeConn(ic.conn)
	}
}

func (p *Pool) noteAcquired(ctx context.Context, start time.Time) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordAcquire(ctx, p.sourceID, time.Since(start))
	}
}

func closeConn(conn driver.Conn) {
	if err := conn.Close(); err != nil {
		slog.Debug("Error closing connection", "error", err)
	}
}
