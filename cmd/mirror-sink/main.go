// ABOUTME: Entry point for the mirror sink daemon
// ABOUTME: Receives mirrored audio over websocket and plays it through a local output controller
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/resonate-output/internal/config"
	"github.com/Resonate-Protocol/resonate-output/internal/discovery"
	"github.com/Resonate-Protocol/resonate-output/internal/version"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/controller"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/divert"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/output"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/reader"
)

var (
	configPath  = flag.String("config", "", "Config file (yaml, toml or json)")
	port        = flag.Int("port", 0, "WebSocket port (default from config: 8928)")
	name        = flag.String("name", "", "Sink friendly name (default: hostname-mirror-sink)")
	backend     = flag.String("backend", "", "Audio backend: malgo, oto or portaudio")
	device      = flag.String("device", "", "Output device id")
	noAdvertise = flag.Bool("no-advertise", false, "Disable mDNS advertisement")
	logFile     = flag.String("log-file", "mirror-sink.log", "Log file path")
)

func main() {
	flag.Parse()

	// Set up logging (both file and console)
	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, f))

	settings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		settings.Sink.Port = *port
	}
	if *name != "" {
		settings.Sink.Name = *name
	}
	if *backend != "" {
		settings.Audio.Backend = *backend
	}
	if *device != "" {
		settings.Audio.Device = *device
	}
	if *noAdvertise {
		settings.Sink.Advertise = false
	}
	if err := settings.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	sinkName := settings.Sink.Name
	if sinkName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		sinkName = fmt.Sprintf("%s-mirror-sink", hostname)
	}

	log.Printf("Starting %s mirror sink: %s on port %d", version.String(), sinkName, settings.Sink.Port)

	b, err := output.ParseBackend(settings.Audio.Backend)
	if err != nil {
		log.Fatalf("Invalid backend: %v", err)
	}
	manager, err := output.NewManager(b)
	if err != nil {
		log.Fatalf("Failed to create output manager: %v", err)
	}
	defer manager.Close()

	params := settings.Params()
	ring := reader.NewRing(params.Channels, settings.BufferFrames())

	ctrl, err := controller.New(manager, ring, params, controller.Config{
		OutputDeviceID: settings.Audio.Device,
		WedgeDelay:     settings.Player.WedgeDelay,
		OnError: func(err error) {
			log.Printf("Output error: %v", err)
		},
	})
	if err != nil {
		log.Fatalf("Failed to create output controller: %v", err)
	}
	ctrl.SetVolume(settings.Player.Volume)
	ctrl.Create()

	sink := divert.NewSink(ring, params.SampleRate, divert.SinkConfig{
		OnConnect: func(remote string, hello divert.Hello) {
			ctrl.Play()
		},
		OnDisconnect: func(remote string, err error) {
			if err != nil {
				log.Printf("Mirror %s ended: %v", remote, err)
			}
			ctrl.Pause()
		},
	})

	mux := http.NewServeMux()
	mux.Handle(discovery.DefaultPath, sink)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", settings.Sink.Port),
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if settings.Sink.Advertise {
		disc := discovery.NewManager(discovery.Config{
			ServiceName: sinkName,
			Port:        settings.Sink.Port,
		})
		if err := disc.Advertise(); err != nil {
			log.Printf("Warning: mDNS advertisement failed: %v", err)
		}
		defer disc.Stop()
	}

	go func() {
		if err := manager.Watch(ctx, settings.Audio.WatchInterval); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Device watch stopped: %v", err)
		}
	}()

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received %v signal, shutting down gracefully...", sig)
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	closed := make(chan struct{})
	ctrl.Close(func() { close(closed) })
	<-closed
	log.Printf("Mirror sink stopped")
}
