// ABOUTME: Lock-free hand-off of the render callback to the audio thread
// ABOUTME: Guarantees no render is in flight once a stream has stopped
package output

import (
	"sync/atomic"
	"time"
)

type callbackHolder struct {
	cb Callback
}

// renderGate publishes the callback to the audio thread. The audio thread
// brackets each render with enter/exit; close waits for an in-flight render
// so Stream.Stop can promise no callback runs after it returns.
type renderGate struct {
	holder atomic.Pointer[callbackHolder]
	active atomic.Int32
}

func (g *renderGate) open(cb Callback) {
	g.holder.Store(&callbackHolder{cb: cb})
}

func (g *renderGate) close() {
	g.holder.Store(nil)
	for g.active.Load() != 0 {
		time.Sleep(100 * time.Microsecond)
	}
}

// enter returns the callback or nil when the gate is closed. exit must be
// called either way.
func (g *renderGate) enter() Callback {
	g.active.Add(1)
	h := g.holder.Load()
	if h == nil {
		return nil
	}
	return h.cb
}

func (g *renderGate) exit() {
	g.active.Add(-1)
}

func (g *renderGate) isOpen() bool {
	return g.holder.Load() != nil
}
