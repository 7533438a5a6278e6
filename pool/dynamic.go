package pool

import "sync"

// NewDynamic is an unbounded pool: Get never withholds an element, creating
// a new one via newFn whenever none is free. Used as the default backing for
// lease.Client so leases are always immediately ready. It is a thin wrapper
// around sync.Pool.
func NewDynamic(newFn func() interface{}) Pool {
	return &sync.Pool{New: newFn}
}
