// ABOUTME: Real-time render entry point called from the platform audio thread
// ABOUTME: Lock-free and allocation-free; shares only two atomics with the loop
package controller

import (
	"sync/atomic"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
)

// allowedIO is 1 while the audio thread may enter OnMoreIOData. Entry takes
// it to 0 and exit puts it back, so overlapping or unexpected entry is caught.
type allowedIO struct {
	v atomic.Int32
}

// allow is called on the loop before the stream starts
func (a *allowedIO) allow() {
	if !a.v.CompareAndSwap(0, 1) {
		panic("controller: render entry allowed twice")
	}
}

// disallow is called on the loop after the stream stopped
func (a *allowedIO) disallow() {
	if !a.v.CompareAndSwap(1, 0) {
		panic("controller: render callback still running after stream stop")
	}
}

func (a *allowedIO) enter() {
	if !a.v.CompareAndSwap(1, 0) {
		panic("controller: render callback entered while not allowed")
	}
}

func (a *allowedIO) exit() {
	if !a.v.CompareAndSwap(0, 1) {
		panic("controller: render entry guard corrupted")
	}
}

type callbackFlag struct {
	v atomic.Bool
}

func (f *callbackFlag) mark()       { f.v.Store(true) }
func (f *callbackFlag) clear()      { f.v.Store(false) }
func (f *callbackFlag) fired() bool { return f.v.Load() }

// OnMoreIOData renders the next block into dest. It is called by the stream
// on its audio thread, only between Play and the next Pause or Close.
// Returns the number of frames produced, never more than dest.Frames.
func (c *Controller) OnMoreIOData(source, dest *audio.Bus, pendingBytes int) int {
	c.allowedIO.enter()
	c.callbackFired.mark()

	frames := c.reader.Read(source, dest)
	if frames < 0 {
		frames = 0
	} else if frames > dest.Frames {
		frames = dest.Frames
	}

	// The device plays the whole block, underrun silence included
	c.reader.NotifyPendingBytes(pendingBytes + dest.Frames*c.bytesPerFrame)

	if c.power != nil {
		c.power.Scan(dest, frames)
	}

	c.allowedIO.exit()
	return frames
}
