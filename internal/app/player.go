// ABOUTME: Player application orchestration
// ABOUTME: Wires source, ring, output controller, device registry, mirror and UI status together
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/resonate-output/internal/config"
	"github.com/Resonate-Protocol/resonate-output/internal/discovery"
	"github.com/Resonate-Protocol/resonate-output/internal/ui"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/controller"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/divert"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/output"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/power"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/reader"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/source"
)

const (
	statusInterval = 500 * time.Millisecond
	closeTimeout   = 5 * time.Second
)

// ErrNoMirror is returned when mirroring is toggled with no sink known
var ErrNoMirror = errors.New("no mirror sink configured")

// DeviceLister enumerates output devices; output.Manager implements it
type DeviceLister interface {
	Devices() ([]output.DeviceInfo, error)
}

// Config holds player configuration
type Config struct {
	Settings config.Config

	// Registry defaults to an output.Manager for Settings.Audio.Backend
	Registry output.Registry

	// Devices defaults to the Manager when Registry is nil
	Devices DeviceLister

	// Source defaults to source.New(Settings.Player.Source)
	Source source.Source

	// Mirror defaults to a divert.MirrorStream when Settings.Mirror.URL is set
	Mirror output.Stream

	// OnStatus receives periodic and event-driven status updates
	OnStatus func(ui.StatusMsg)
}

// Player plays one source through an output controller
type Player struct {
	config   Config
	settings config.Config
	params   audio.Params

	registry output.Registry
	manager  *output.Manager // owned, nil if Registry was injected
	devices  DeviceLister
	src      source.Source
	ring     *reader.Ring
	pump     *reader.Pump
	monitor  *power.Monitor
	ctrl     *controller.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	playing   bool
	volume    int
	device    string
	mirror    output.Stream
	mirrorURL string
	mirroring bool
	lastError string

	powerBits atomic.Uint64
	clipped   atomic.Bool
	closeOnce sync.Once
}

// New creates a player. Nothing is opened until Start.
func New(cfg Config) (*Player, error) {
	settings := cfg.Settings
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	params := settings.Params()

	p := &Player{
		config:   cfg,
		settings: settings,
		params:   params,
		registry: cfg.Registry,
		devices:  cfg.Devices,
		src:      cfg.Source,
		mirror:   cfg.Mirror,
		volume:   int(math.Round(settings.Player.Volume * 100)),
		device:   settings.Audio.Device,
	}
	p.powerBits.Store(math.Float64bits(power.ZeroPower))

	if p.registry == nil {
		backend, err := output.ParseBackend(settings.Audio.Backend)
		if err != nil {
			return nil, err
		}
		manager, err := output.NewManager(backend)
		if err != nil {
			return nil, fmt.Errorf("failed to create output manager: %w", err)
		}
		p.manager = manager
		p.registry = manager
		if p.devices == nil {
			p.devices = manager
		}
	}

	if p.src == nil {
		src, err := source.New(settings.Player.Source)
		if err != nil {
			p.closeManager()
			return nil, err
		}
		p.src = src
	}

	if p.mirror == nil && settings.Mirror.URL != "" {
		if err := p.SetMirror(settings.Mirror.URL); err != nil {
			p.src.Close()
			p.closeManager()
			return nil, err
		}
	} else if p.mirror != nil {
		p.mirrorURL = "custom"
	}

	p.ring = reader.NewRing(params.Channels, settings.BufferFrames())
	pump, err := reader.NewPump(p.src, p.ring, params, reader.PumpConfig{})
	if err != nil {
		p.src.Close()
		p.closeManager()
		return nil, err
	}
	p.pump = pump
	p.monitor = power.NewMonitor(params.SampleRate, params.Channels, power.DefaultTimeConstant)

	ctrl, err := controller.New(p.registry, p.ring, params, controller.Config{
		OutputDeviceID:  settings.Audio.Device,
		InputDeviceID:   settings.Audio.InputDevice,
		WedgeDelay:      settings.Player.WedgeDelay,
		Power:           p.monitor,
		PowerInterval:   settings.Player.PowerInterval,
		OnCreated:       func() { log.Printf("Output stream created") },
		OnPlaying:       p.publishStatus,
		OnPaused:        p.publishStatus,
		OnError:         p.handleError,
		OnPowerMeasured: p.handlePower,
		OnWedge:         func() { p.handleError(errors.New("audio device stopped rendering")) },
	})
	if err != nil {
		p.src.Close()
		p.closeManager()
		return nil, err
	}
	p.ctrl = ctrl

	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// Controller exposes the output controller
func (p *Player) Controller() *controller.Controller {
	return p.ctrl
}

// Start opens the output, begins playback and starts background goroutines
func (p *Player) Start() error {
	title, artist, _ := p.src.Metadata()
	log.Printf("Playing %q by %q at %s", title, artist, p.params)

	p.ctrl.SetVolume(float64(p.volume) / 100)
	if p.mirror != nil {
		p.mu.Lock()
		p.mirroring = true
		p.mu.Unlock()
		p.ctrl.StartDiverting(p.mirror)
	}
	p.ctrl.Create()
	p.ctrl.Play()

	p.mu.Lock()
	p.playing = true
	p.mu.Unlock()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		if err := p.pump.Run(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.handleError(fmt.Errorf("audio source failed: %w", err))
		}
	}()
	go func() {
		defer p.wg.Done()
		p.statusLoop()
	}()

	if p.manager != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.manager.Watch(p.ctx, p.settings.Audio.WatchInterval)
		}()
	}
	return nil
}

// TogglePlay pauses when playing and resumes when paused
func (p *Player) TogglePlay() {
	p.mu.Lock()
	p.playing = !p.playing
	playing := p.playing
	p.mu.Unlock()

	if playing {
		p.ctrl.Play()
	} else {
		p.ctrl.Pause()
	}
}

// SetVolume sets the volume in percent
func (p *Player) SetVolume(percent int) {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	p.mu.Lock()
	p.volume = percent
	p.mu.Unlock()

	log.Printf("Volume: %d%%", percent)
	p.ctrl.SetVolume(float64(percent) / 100)
}

// NextDevice switches output to the device after the current one
func (p *Player) NextDevice() error {
	if p.devices == nil {
		return errors.New("device enumeration not available")
	}
	devices, err := p.devices.Devices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		return output.ErrDeviceNotFound
	}

	p.mu.Lock()
	next := nextDevice(devices, p.device)
	p.device = next.ID
	p.mu.Unlock()

	log.Printf("Switching to device: %s", next.Name)
	p.ctrl.SwitchOutputDevice(next.ID, p.publishStatus)
	return nil
}

// nextDevice picks the entry after current, wrapping around. The default
// device matches "default" as well as its own id.
func nextDevice(devices []output.DeviceInfo, current string) output.DeviceInfo {
	for i, d := range devices {
		if d.ID == current || (d.Default && output.IsDefaultDevice(current)) {
			return devices[(i+1)%len(devices)]
		}
	}
	return devices[0]
}

// SetMirror configures the websocket sink used by ToggleMirror. If output
// is already mirrored it moves to the new sink.
func (p *Player) SetMirror(url string) error {
	mirror, err := divert.NewMirrorStream(p.params, divert.MirrorConfig{
		URL:   url,
		Codec: p.settings.Mirror.Codec,
	})
	if err != nil {
		return fmt.Errorf("failed to create mirror: %w", err)
	}
	p.setMirrorStream(mirror, url)
	return nil
}

func (p *Player) setMirrorStream(mirror output.Stream, url string) {
	p.mu.Lock()
	p.mirror = mirror
	p.mirrorURL = url
	mirroring := p.mirroring
	p.mu.Unlock()

	if mirroring {
		// the controller closes the previous diverted stream when it adopts this one
		log.Printf("Mirroring moved to %s", url)
		p.ctrl.StartDiverting(mirror)
		p.publishStatus()
	}
}

// ToggleMirror diverts output to the mirror sink or returns it to the device
func (p *Player) ToggleMirror() error {
	return p.updateMirroring(func(on bool) bool { return !on })
}

// StartMirroring diverts output to the mirror sink. It is a no-op if output
// is already mirrored.
func (p *Player) StartMirroring() error {
	return p.updateMirroring(func(bool) bool { return true })
}

func (p *Player) updateMirroring(next func(on bool) bool) error {
	p.mu.Lock()
	mirror := p.mirror
	if mirror == nil {
		p.mu.Unlock()
		return ErrNoMirror
	}
	mirroring := next(p.mirroring)
	if mirroring == p.mirroring {
		p.mu.Unlock()
		return nil
	}
	p.mirroring = mirroring
	url := p.mirrorURL
	p.mu.Unlock()

	if mirroring {
		log.Printf("Mirroring to %s", url)
		p.ctrl.StartDiverting(mirror)
	} else {
		log.Printf("Mirroring stopped")
		p.ctrl.StopDiverting()
	}
	p.publishStatus()
	return nil
}

// DiscoverMirror uses the first sink found by disc as the mirror target
// and starts mirroring to it
func (p *Player) DiscoverMirror(disc *discovery.Manager) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case sink := <-disc.Sinks():
			if err := p.SetMirror(sink.URL()); err != nil {
				p.handleError(err)
				return
			}
			if err := p.StartMirroring(); err != nil {
				p.handleError(err)
			}
		case <-p.ctx.Done():
		}
	}()
}

// HandleCommands applies TUI commands until CmdQuit or Close. Returns true
// if the user asked to quit.
func (p *Player) HandleCommands(controls *ui.Controls) bool {
	for {
		select {
		case cmd := <-controls.Commands:
			switch cmd.Kind {
			case ui.CmdTogglePlay:
				p.TogglePlay()
			case ui.CmdSetVolume:
				p.SetVolume(cmd.Volume)
			case ui.CmdNextDevice:
				if err := p.NextDevice(); err != nil {
					p.handleError(err)
				}
			case ui.CmdToggleMirror:
				if err := p.ToggleMirror(); err != nil {
					p.handleError(err)
				}
			case ui.CmdQuit:
				return true
			}
		case <-p.ctx.Done():
			return false
		}
	}
}

// Status collects the current state for the UI
func (p *Player) Status() ui.StatusMsg {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	state, err := p.ctrl.State(ctx)
	stateName := state.String()
	if err != nil {
		stateName = "busy"
	}

	p.mu.Lock()
	volume := p.volume
	mirroring := p.mirroring
	mirrorURL := p.mirrorURL
	device := p.device
	lastError := p.lastError
	p.mu.Unlock()

	title, artist, album := p.src.Metadata()
	stats := p.ctrl.Stats()
	dbfs := math.Float64frombits(p.powerBits.Load())
	backend := "custom"
	if p.manager != nil {
		backend = p.manager.Backend().String()
	}

	return ui.StatusMsg{
		ControllerID:    p.ctrl.ID(),
		State:           stateName,
		Error:           &lastError,
		Backend:         backend,
		Device:          device,
		Mirroring:       &mirroring,
		MirrorURL:       mirrorURL,
		SampleRate:      p.params.SampleRate,
		Channels:        p.params.Channels,
		BitDepth:        p.params.BitDepth,
		FramesPerBuffer: p.params.FramesPerBuffer,
		Title:           title,
		Artist:          artist,
		Album:           album,
		Volume:          &volume,
		Power:           &dbfs,
		Clipped:         p.clipped.Load(),
		Stats:           &stats,
		Underruns:       p.ring.Underruns(),
		BufferedMs:      p.ring.Available() * 1000 / p.params.SampleRate,
	}
}

// Close stops playback and releases every resource. Safe to call twice.
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()

		closed := make(chan struct{})
		p.ctrl.Close(func() { close(closed) })
		select {
		case <-closed:
		case <-time.After(closeTimeout):
			log.Printf("Warning: output controller did not close within %v", closeTimeout)
		}

		p.wg.Wait()
		if err := p.src.Close(); err != nil {
			log.Printf("Warning: source close error: %v", err)
		}
		p.closeManager()
		log.Printf("Player stopped")
	})
	return nil
}

func (p *Player) closeManager() {
	if p.manager == nil {
		return
	}
	if err := p.manager.Close(); err != nil {
		log.Printf("Warning: output manager close error: %v", err)
	}
}

func (p *Player) statusLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.publishStatus()
		case <-p.ctx.Done():
			return
		}
	}
}

// publishStatus may be called on the controller loop, and Status waits on
// that loop, so the update is built on its own goroutine.
func (p *Player) publishStatus() {
	if p.config.OnStatus == nil {
		return
	}
	go func() {
		if p.ctx.Err() != nil {
			return
		}
		p.config.OnStatus(p.Status())
	}()
}

func (p *Player) handleError(err error) {
	log.Printf("Player error: %v", err)
	p.mu.Lock()
	p.lastError = err.Error()
	p.mu.Unlock()
	p.publishStatus()
}

func (p *Player) handlePower(dbfs float64, clipped bool) {
	p.powerBits.Store(math.Float64bits(dbfs))
	p.clipped.Store(clipped)
}
