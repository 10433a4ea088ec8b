package serializer

import (
	"context"
	"sync"
)

// Gate is a single-slot token: whoever holds it owns the modem. Release
// functions are idempotent so they can be deferred on every path.
type Gate struct {
	slot chan struct{}
}

// NewGate returns an unheld gate.
func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// TryAcquire takes the gate if it is free.
func (g *Gate) TryAcquire() (release func(), ok bool) {
	select {
	case g.slot <- struct{}{}:
		return g.releaser(), true
	default:
		return nil, false
	}
}

// Acquire waits for the gate or for ctx to end.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case g.slot <- struct{}{}:
		return g.releaser(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Held reports whether a call currently owns the gate.
func (g *Gate) Held() bool {
	return len(g.slot) == 1
}

func (g *Gate) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-g.slot })
	}
}
