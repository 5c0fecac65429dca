// ABOUTME: Audio output controller state machine
// ABOUTME: Serializes stream lifecycle, device changes and diversion on one loop goroutine
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/Resonate-Protocol/resonate-output/internal/taskloop"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/output"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/power"
	"github.com/google/uuid"
)

const (
	// DefaultWedgeDelay is how long after Play the render callback must have fired
	DefaultWedgeDelay = 5 * time.Second

	// DefaultPowerInterval gives four power readings per second
	DefaultPowerInterval = 250 * time.Millisecond
)

var (
	ErrInvalidParams = audio.ErrInvalidParams
	ErrNilRegistry   = errors.New("controller requires a stream registry")
	ErrNilReader     = errors.New("controller requires a sync reader")
	ErrClosed        = errors.New("controller closed")
)

// SyncReader supplies rendered audio to the real-time callback.
// Read and NotifyPendingBytes are called on the audio thread and must not block.
type SyncReader interface {
	// Read fills dest and returns the number of frames produced. source holds
	// captured input for duplex streams and is nil otherwise.
	Read(source, dest *audio.Bus) int

	// NotifyPendingBytes reports how much audio is queued ahead of the device
	NotifyPendingBytes(bytes int)

	// NotifyPlaybackStopped is called on the loop when playback pauses
	NotifyPlaybackStopped()

	Close() error
}

// Config holds controller configuration.
//
// The On* handlers run on the controller's loop goroutine. They must not
// block; calling back into the controller is fine since posting never blocks.
type Config struct {
	OutputDeviceID string
	InputDeviceID  string

	// WedgeDelay defaults to DefaultWedgeDelay
	WedgeDelay time.Duration

	// Power enables level reporting through OnPowerMeasured. Its channel count
	// must match the stream parameters.
	Power         *power.Monitor
	PowerInterval time.Duration

	OnCreated       func()
	OnPlaying       func()
	OnPaused        func()
	OnError         func(err error)
	OnPowerMeasured func(dbfs float64, clipped bool)
	OnWedge         func()
}

type ownership int

const (
	noStream ownership = iota
	ownedStream
	divertedStream
)

// Controller owns one audio output stream.
//
// Control methods are asynchronous: each posts an operation that runs on the
// controller's loop in call order. OnMoreIOData is the real-time entry point
// and never touches the loop.
type Controller struct {
	id       string
	loop     *taskloop.Loop
	registry output.Registry
	reader   SyncReader
	params   audio.Params
	config   Config
	power    *power.Monitor

	// loop goroutine only
	state          State
	stream         output.Stream
	ownership      ownership
	divertTo       output.Stream
	outputDeviceID string
	inputDeviceID  string
	volume         float64
	wedgeTimer     *taskloop.Timer
	powerTimer     *taskloop.Timer

	// shared with the audio thread
	allowedIO     allowedIO
	callbackFired callbackFlag

	bytesPerFrame int
	stats         stats
}

// New creates a controller in StateEmpty. Nothing is opened until Create.
func New(registry output.Registry, reader SyncReader, params audio.Params, config Config) (*Controller, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	if registry == nil {
		return nil, ErrNilRegistry
	}
	if reader == nil {
		return nil, ErrNilReader
	}

	if config.WedgeDelay <= 0 {
		config.WedgeDelay = DefaultWedgeDelay
	}
	if config.PowerInterval <= 0 {
		config.PowerInterval = DefaultPowerInterval
	}

	id := uuid.New().String()[:8]
	c := &Controller{
		id:             id,
		registry:       registry,
		reader:         reader,
		params:         params,
		config:         config,
		power:          config.Power,
		state:          StateEmpty,
		outputDeviceID: config.OutputDeviceID,
		inputDeviceID:  config.InputDeviceID,
		volume:         1.0,
		bytesPerFrame:  params.BytesPerFrame(),
	}
	c.loop = taskloop.New("audio-output-" + id)

	log.Printf("[output %s] Controller created: %s on %q", c.id, params, deviceLabel(config.OutputDeviceID))
	return c, nil
}

// ID returns the short identifier used in log lines
func (c *Controller) ID() string {
	return c.id
}

// Params returns the stream parameters
func (c *Controller) Params() audio.Params {
	return c.params
}

// Create opens a stream on the current device. Reports OnCreated or OnError.
func (c *Controller) Create() {
	c.loop.Post(c.doCreate)
}

// Play starts rendering. Reports OnPlaying.
func (c *Controller) Play() {
	c.loop.Post(c.doPlay)
}

// Pause stops rendering but keeps the stream. Reports OnPaused.
func (c *Controller) Pause() {
	c.loop.Post(c.doPause)
}

// Close releases everything and stops the loop. onClosed, if set, runs once
// teardown has finished, even if the controller was already closed.
func (c *Controller) Close(onClosed func()) {
	reply := func() {
		if onClosed != nil {
			onClosed()
		}
	}
	if !c.loop.PostAndReply(c.doClose, reply) {
		reply()
	}
}

// SetVolume sets the output gain, clamped to [0, 1]
func (c *Controller) SetVolume(volume float64) {
	c.loop.Post(func() { c.doSetVolume(volume) })
}

// SwitchOutputDevice moves output to deviceID. While diverted the switch is
// deferred until StopDiverting. onDone, if set, always runs.
func (c *Controller) SwitchOutputDevice(deviceID string, onDone func()) {
	reply := func() {
		if onDone != nil {
			onDone()
		}
	}
	if !c.loop.PostAndReply(func() { c.doSwitchOutputDevice(deviceID) }, reply) {
		reply()
	}
}

// StartDiverting sends output to stream instead of a platform device. The
// caller keeps ownership of stream; the controller only opens, starts, stops
// and closes it.
func (c *Controller) StartDiverting(stream output.Stream) {
	c.loop.Post(func() { c.doStartDiverting(stream) })
}

// StopDiverting returns output to a platform device
func (c *Controller) StopDiverting() {
	c.loop.Post(c.doStopDiverting)
}

// OnDeviceChange is called by the registry when the output devices change
func (c *Controller) OnDeviceChange() {
	c.loop.Post(c.doDeviceChange)
}

// OnError is called by a stream reporting an asynchronous failure
func (c *Controller) OnError(stream output.Stream, err error) {
	c.loop.Post(func() {
		if c.state == StateClosed || c.stream == nil || stream != c.stream {
			return
		}
		c.reportError(fmt.Errorf("output stream error: %w", err))
	})
}

// State returns the state once every previously posted operation has run
func (c *Controller) State(ctx context.Context) (State, error) {
	ch := make(chan State, 1)
	if !c.loop.Post(func() { ch <- c.state }) {
		return StateClosed, nil
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// OutputDeviceID returns the current output device, including a switch that
// is deferred while diverted
func (c *Controller) OutputDeviceID(ctx context.Context) (string, error) {
	ch := make(chan string, 1)
	if !c.loop.Post(func() { ch <- c.outputDeviceID }) {
		return "", ErrClosed
	}
	select {
	case id := <-ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stats returns a snapshot of the controller counters
func (c *Controller) Stats() Stats {
	return c.stats.snapshot()
}

// Done is closed once the controller has closed and its loop has exited
func (c *Controller) Done() <-chan struct{} {
	return c.loop.Done()
}

func (c *Controller) doCreate() {
	if !Permits(c.state, OpCreate) {
		return
	}
	start := time.Now()
	c.recreate(false)
	record(&c.stats.lastCreate, start)
}

func (c *Controller) doPlay() {
	if !Permits(c.state, OpPlay) {
		return
	}
	start := time.Now()

	c.reader.NotifyPendingBytes(0)
	if c.power != nil {
		c.power.Reset()
	}
	c.callbackFired.clear()
	c.allowedIO.allow()

	if err := c.stream.Start(c); err != nil {
		c.allowedIO.disallow()
		c.releaseStream()
		c.fail(fmt.Errorf("failed to start output stream: %w", err))
		return
	}

	c.state = StatePlaying
	c.armWedgeTimer()
	if c.power != nil {
		c.powerTimer.Stop()
		c.reportPower()
	}

	record(&c.stats.lastPlay, start)
	log.Printf("[output %s] Playing", c.id)
	notify(c.config.OnPlaying)
}

func (c *Controller) doPause() {
	if !Permits(c.state, OpPause) {
		return
	}
	start := time.Now()

	c.stopStream()
	c.state = StatePaused
	c.reader.NotifyPlaybackStopped()
	if c.power != nil && c.config.OnPowerMeasured != nil {
		c.config.OnPowerMeasured(power.ZeroPower, false)
	}

	record(&c.stats.lastPause, start)
	log.Printf("[output %s] Paused", c.id)
	notify(c.config.OnPaused)
}

func (c *Controller) doClose() {
	if c.state == StateClosed {
		return
	}
	start := time.Now()

	c.releaseStream()
	c.divertTo = nil
	if err := c.reader.Close(); err != nil {
		log.Printf("[output %s] Warning: sync reader close error: %v", c.id, err)
	}
	c.state = StateClosed
	c.loop.Stop()

	record(&c.stats.lastClose, start)
	log.Printf("[output %s] Closed", c.id)
}

func (c *Controller) doSetVolume(volume float64) {
	if !Permits(c.state, OpSetVolume) {
		return
	}
	c.volume = clampVolume(volume)
	if c.stream != nil && hasStream(c.state) {
		c.stream.SetVolume(c.volume)
	}
}

func (c *Controller) doSwitchOutputDevice(deviceID string) {
	if !Permits(c.state, OpSwitchDevice) {
		return
	}
	c.outputDeviceID = deviceID

	if c.divertTo != nil {
		log.Printf("[output %s] Output diverted, deferring switch to %q", c.id, deviceLabel(deviceID))
		return
	}
	if hasStream(c.state) {
		log.Printf("[output %s] Switching output to %q", c.id, deviceLabel(deviceID))
		c.deviceChange()
	}
}

func (c *Controller) doDeviceChange() {
	if !Permits(c.state, OpDeviceChange) {
		return
	}
	if c.divertTo != nil {
		log.Printf("[output %s] Ignoring device change while diverted", c.id)
		return
	}
	c.deviceChange()
}

func (c *Controller) doStartDiverting(stream output.Stream) {
	if !Permits(c.state, OpStartDiverting) || stream == nil {
		return
	}
	if stream == c.divertTo {
		return
	}

	log.Printf("[output %s] Diverting output", c.id)
	c.divertTo = stream
	if hasStream(c.state) {
		c.deviceChange()
	}
}

func (c *Controller) doStopDiverting() {
	if !Permits(c.state, OpStopDiverting) || c.divertTo == nil {
		return
	}

	log.Printf("[output %s] Diversion ended, returning to %q", c.id, deviceLabel(c.outputDeviceID))
	c.divertTo = nil
	if hasStream(c.state) && c.ownership == divertedStream {
		c.deviceChange()
	}
}

// deviceChange recreates the stream and restores the prior logical state
func (c *Controller) deviceChange() {
	start := time.Now()
	original := c.state
	c.stats.recreates.Add(1)

	if !c.recreate(true) {
		return
	}

	switch original {
	case StatePlaying:
		c.doPlay()
	case StatePaused:
		c.state = StatePaused
	}
	record(&c.stats.lastDeviceChange, start)
}

// recreate releases the current stream and opens either the diversion target
// or a new platform stream. On failure the controller is left in StateError
// with no stream.
func (c *Controller) recreate(forDeviceChange bool) bool {
	c.releaseStream()
	c.state = StateEmpty

	stream, own := c.divertTo, divertedStream
	if stream == nil {
		s, err := c.registry.MakeOutputStream(c.params, c.outputDeviceID, c.inputDeviceID)
		if err != nil {
			c.fail(fmt.Errorf("failed to create output stream: %w", err))
			return false
		}
		stream, own = s, ownedStream
	}

	if err := stream.Open(); err != nil {
		if err := stream.Close(); err != nil {
			log.Printf("[output %s] Warning: stream close error: %v", c.id, err)
		}
		if own == divertedStream {
			c.divertTo = nil
		}
		c.fail(fmt.Errorf("failed to open output stream: %w", err))
		return false
	}

	c.stream, c.ownership = stream, own
	if own == ownedStream {
		c.registry.AddDeviceChangeListener(c)
	}
	c.stream.SetVolume(c.volume)
	c.state = StateCreated

	if own == divertedStream {
		log.Printf("[output %s] Diverted stream opened", c.id)
	} else {
		log.Printf("[output %s] Stream opened on %q", c.id, deviceLabel(c.outputDeviceID))
	}
	if !forDeviceChange {
		notify(c.config.OnCreated)
	}
	return true
}

// stopStream halts rendering of a playing stream. When it returns the audio
// thread is no longer inside OnMoreIOData.
func (c *Controller) stopStream() {
	c.wedgeTimer.Stop()
	c.wedgeTimer = nil
	c.powerTimer.Stop()
	c.powerTimer = nil

	if err := c.stream.Stop(); err != nil {
		log.Printf("[output %s] Warning: stream stop error: %v", c.id, err)
	}
	if c.state == StatePlaying {
		c.allowedIO.disallow()
	}
}

// releaseStream stops and closes the current stream. Only streams the
// controller created are deregistered from device change notifications.
func (c *Controller) releaseStream() {
	if c.stream == nil {
		return
	}

	c.stopStream()
	if c.ownership == ownedStream {
		c.registry.RemoveDeviceChangeListener(c)
	}
	if err := c.stream.Close(); err != nil {
		log.Printf("[output %s] Warning: stream close error: %v", c.id, err)
	}

	c.stream = nil
	c.ownership = noStream
}

func (c *Controller) fail(err error) {
	c.state = StateError
	c.reportError(err)
}

func (c *Controller) reportError(err error) {
	c.stats.errors.Add(1)
	if c.config.OnError != nil {
		c.config.OnError(err)
		return
	}
	log.Printf("[output %s] Error: %v", c.id, err)
}

func (c *Controller) armWedgeTimer() {
	c.wedgeTimer.Stop()
	c.wedgeTimer = c.loop.PostDelayed(c.config.WedgeDelay, c.wedgeCheck)
}

// wedgeCheck only records whether rendering started. Some platforms take
// longer than the delay to start, so state is left alone.
func (c *Controller) wedgeCheck() {
	c.wedgeTimer = nil
	if c.state != StatePlaying {
		return
	}

	if c.callbackFired.fired() {
		c.stats.startupSuccesses.Add(1)
		return
	}

	c.stats.startupFailures.Add(1)
	log.Printf("[output %s] Audio output wedged: no render callback %v after play", c.id, c.config.WedgeDelay)
	notify(c.config.OnWedge)
}

func (c *Controller) reportPower() {
	c.powerTimer = nil
	if c.state != StatePlaying {
		return
	}

	level, clipped := c.power.Read()
	if c.config.OnPowerMeasured != nil {
		c.config.OnPowerMeasured(level, clipped)
	}
	c.powerTimer = c.loop.PostDelayed(c.config.PowerInterval, c.reportPower)
}

func notify(fn func()) {
	if fn != nil {
		fn()
	}
}

func clampVolume(volume float64) float64 {
	if volume < 0 || math.IsNaN(volume) {
		return 0
	}
	if volume > 1 {
		return 1
	}
	return volume
}

func deviceLabel(id string) string {
	if output.IsDefaultDevice(id) {
		return output.DefaultDeviceID
	}
	return id
}
