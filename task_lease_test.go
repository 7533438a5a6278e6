package taskloop

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/taskloop/taskloop/lease"
	"github.com/taskloop/taskloop/pool"
)

// gatedLease is a lease.Lease a test controls manually: Ready reports false
// until release is called on the test side.
type gatedLease struct {
	mu        sync.Mutex
	ready     bool
	callbacks []func()
}

func (l *gatedLease) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

func (l *gatedLease) AddReadyCallback(cb func()) {
	l.mu.Lock()
	if l.ready {
		l.mu.Unlock()
		cb()
		return
	}
	l.callbacks = append(l.callbacks, cb)
	l.mu.Unlock()
}

func (l *gatedLease) grant() {
	l.mu.Lock()
	l.ready = true
	cbs := l.callbacks
	l.callbacks = nil
	l.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (l *gatedLease) Release() {}

type gatedClient struct {
	leases chan *gatedLease
}

func newGatedClient() *gatedClient {
	return &gatedClient{leases: make(chan *gatedLease, 16)}
}

func (c *gatedClient) RequestLease() lease.Lease {
	l := &gatedLease{}
	c.leases <- l
	return l
}

// TestTask_UseLease_GatesUntilReady checks that a task requiring a lease
// does not leave pending until its lease becomes ready.
func TestTask_UseLease_GatesUntilReady(t *testing.T) {
	client := newGatedClient()
	started := make(chan struct{})
	var leased *Task

	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		runErr = Run(withDeadline(t), func(ctx context.Context) error {
			var err error
			leased, err = New(ctx, "leased", WithUseLease(), WithRun(func(ctx context.Context) error {
				close(started)
				return nil
			}))
			return err
		}, WithLeaseClient(client))
	}()

	l := <-client.leases

	select {
	case <-started:
		t.Fatal("task started before its lease was ready")
	default:
	}
	require.False(t, l.Ready())

	l.grant()
	<-done
	require.NoError(t, runErr)
	require.Equal(t, StateDone, leased.State())
}

// TestTask_UseLease_BoundsConcurrency checks that a fixed-capacity lease
// client (via the pool package) admits at most its capacity worth of leased
// tasks into the running state at once. Admitted workers report entry over
// an unbuffered channel and wait for an individual release token. A
// releaser goroutine first waits until capacity workers have entered, then
// releases one worker per further entry, so capacity workers are in flight
// together at that point, while workers still waiting on a lease never
// reach the handshake.
func TestTask_UseLease_BoundsConcurrency(t *testing.T) {
	const capacity = 2
	const tasks = 6

	client := lease.NewClient(pool.NewFixed(capacity, func() interface{} { return lease.NewTicket() }))

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	entered := make(chan struct{})
	release := make(chan struct{})

	go func() {
		for i := 0; i < capacity; i++ {
			<-entered
		}
		for i := capacity; i < tasks; i++ {
			release <- struct{}{}
			<-entered
		}
		for i := 0; i < capacity; i++ {
			release <- struct{}{}
		}
	}()

	err := Run(withDeadline(t), func(ctx context.Context) error {
		for i := 0; i < tasks; i++ {
			_, err := New(ctx, "worker", WithUseLease(), WithRun(func(ctx context.Context) error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()

				entered <- struct{}{}
				<-release

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			}))
			if err != nil {
				return err
			}
		}
		return nil
	}, WithLeaseClient(client))

	require.NoError(t, err)
	require.LessOrEqual(t, maxInFlight, capacity)
	require.Equal(t, capacity, maxInFlight)
}
