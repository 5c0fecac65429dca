// ABOUTME: Operational counters for the output controller
// ABOUTME: Updated on the loop and readable from any goroutine
package controller

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of controller counters and the duration of the most
// recent run of each control operation
type Stats struct {
	StartupSuccesses int64
	StartupFailures  int64
	Recreates        int64
	Errors           int64

	LastCreate       time.Duration
	LastPlay         time.Duration
	LastPause        time.Duration
	LastClose        time.Duration
	LastDeviceChange time.Duration
}

type stats struct {
	startupSuccesses atomic.Int64
	startupFailures  atomic.Int64
	recreates        atomic.Int64
	errors           atomic.Int64

	lastCreate       atomic.Int64
	lastPlay         atomic.Int64
	lastPause        atomic.Int64
	lastClose        atomic.Int64
	lastDeviceChange atomic.Int64
}

func record(d *atomic.Int64, since time.Time) {
	d.Store(int64(time.Since(since)))
}

func (s *stats) snapshot() Stats {
	return Stats{
		StartupSuccesses: s.startupSuccesses.Load(),
		StartupFailures:  s.startupFailures.Load(),
		Recreates:        s.recreates.Load(),
		Errors:           s.errors.Load(),
		LastCreate:       time.Duration(s.lastCreate.Load()),
		LastPlay:         time.Duration(s.lastPlay.Load()),
		LastPause:        time.Duration(s.lastPause.Load()),
		LastClose:        time.Duration(s.lastClose.Load()),
		LastDeviceChange: time.Duration(s.lastDeviceChange.Load()),
	}
}
