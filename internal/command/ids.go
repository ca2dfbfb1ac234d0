package command

import "sync/atomic"

// IDGen is a process-wide request id generator. It is shared between every
// goroutine that issues requests, so all operations are atomic.
type IDGen struct {
	val atomic.Uint32
}

// NewIDGen creates a new generator starting at 0.
// The first call to Next() returns 1.
func NewIDGen() *IDGen {
	return &IDGen{}
}

// Next returns the next request id (monotonically increasing from 1).
func (g *IDGen) Next() uint32 {
	return g.val.Add(1)
}

// RequestIDs is the generator used when a Correlator is built without one.
var RequestIDs = NewIDGen()
