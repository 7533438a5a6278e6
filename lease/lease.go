// Package lease provides the external lease-client abstraction used to
// gate admission of tasks into the running state, and a default
// implementation built on the pool package's bounded/unbounded object pool.
package lease

import "sync"

// Lease is a revocable, asynchronously-granted permit. Ready reports whether
// the permit has been granted yet; AddReadyCallback registers a function to
// be invoked (at most once) once Ready becomes true, immediately if it
// already is. Release returns the permit. Unlike the originating design,
// where a lease is released implicitly when its last reference is dropped,
// Go has no reliable finalizer-based release, so Release must be called
// explicitly by the holder.
type Lease interface {
	Ready() bool
	AddReadyCallback(cb func())
	Release()
}

// Client is the injected source of leases. Implementations must be safe for
// concurrent use; RequestLease may be called from many goroutines at once.
type Client interface {
	RequestLease() Lease
}

// ticket is an opaque pool element; its identity doesn't matter, only that
// obtaining and returning one bounds concurrent admission.
type ticket struct{}

// poolClient implements Client on top of a bounded or unbounded object pool.
type poolClient struct {
	pool Pool
}

// Pool is the subset of pool.Pool that a lease client needs. Declared locally
// so this package does not force a hard dependency on the pool package's
// exact interface shape for callers who want to plug in their own.
type Pool interface {
	Get() interface{}
	Put(interface{})
}

// NewClient builds a lease client around an already-constructed pool. Pass a
// bounded pool (pool.NewFixed) to cap the number of concurrently-running
// leases, or an unbounded one (pool.NewDynamic) for a client that never
// withholds a lease.
func NewClient(p Pool) Client {
	return &poolClient{pool: p}
}

func (c *poolClient) RequestLease() Lease {
	l := &poolLease{pool: c.pool}
	go func() {
		tk := c.pool.Get()
		l.mu.Lock()
		if l.released {
			l.mu.Unlock()
			c.pool.Put(tk)
			return
		}
		l.ticket = tk
		l.ready = true
		callbacks := l.callbacks
		l.callbacks = nil
		l.mu.Unlock()
		for _, cb := range callbacks {
			cb()
		}
	}()
	return l
}

type poolLease struct {
	pool Pool

	mu        sync.Mutex
	ready     bool
	released  bool
	ticket    interface{}
	callbacks []func()
}

func (l *poolLease) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

func (l *poolLease) AddReadyCallback(cb func()) {
	l.mu.Lock()
	if l.ready {
		l.mu.Unlock()
		cb()
		return
	}
	l.callbacks = append(l.callbacks, cb)
	l.mu.Unlock()
}

func (l *poolLease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	if !l.ready {
		// The in-flight RequestLease goroutine will return the ticket to the
		// pool itself once it observes released == true.
		l.mu.Unlock()
		return
	}
	tk := l.ticket
	l.mu.Unlock()
	l.pool.Put(tk)
}

// NewTicket is exposed for pool constructors that need a newFn producing the
// opaque elements this package's default client expects.
func NewTicket() interface{} { return ticket{} }
