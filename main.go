// ABOUTME: Entry point for the resonate-output player
// ABOUTME: Parses CLI flags, loads config and runs the player with an optional TUI
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Resonate-Protocol/resonate-output/internal/app"
	"github.com/Resonate-Protocol/resonate-output/internal/config"
	"github.com/Resonate-Protocol/resonate-output/internal/discovery"
	"github.com/Resonate-Protocol/resonate-output/internal/ui"
	"github.com/Resonate-Protocol/resonate-output/internal/version"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/output"
	tea "github.com/charmbracelet/bubbletea"
)

var (
	configPath     = flag.String("config", "", "Config file (yaml, toml or json)")
	sourcePath     = flag.String("source", "", "Audio file or HTTP MP3 URL (default: 440Hz test tone)")
	backend        = flag.String("backend", "", "Audio backend: malgo, oto or portaudio")
	device         = flag.String("device", "", "Output device id (see -list-devices)")
	mirrorURL      = flag.String("mirror", "", "Mirror output to a sink, e.g. ws://host:8928/mirror")
	discoverMirror = flag.Bool("discover-mirror", false, "Find a mirror sink via mDNS and mirror to it")
	listDevices    = flag.Bool("list-devices", false, "List output devices and exit")
	volume         = flag.Int("volume", -1, "Initial volume in percent")
	logFile        = flag.String("log-file", "resonate-output.log", "Log file path")
	noTUI          = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	settings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(&settings)
	if err := settings.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *listDevices {
		if err := printDevices(settings.Audio.Backend); err != nil {
			log.Fatalf("Failed to list devices: %v", err)
		}
		return
	}

	useTUI := !*noTUI

	// Set up logging
	path := *logFile
	if settings.LogFile != "" && !flagSet("log-file") {
		path = settings.LogFile
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()

	if useTUI {
		// TUI mode: log only to file
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	log.Printf("Starting %s", version.String())

	// TUI setup
	var tuiProg *tea.Program
	var controls *ui.Controls
	if useTUI {
		controls = ui.NewControls()
		tuiProg = ui.Run(controls)
	}

	player, err := app.New(app.Config{
		Settings: settings,
		OnStatus: func(msg ui.StatusMsg) {
			if tuiProg != nil {
				tuiProg.Send(msg)
			}
		},
	})
	if err != nil {
		log.Fatalf("Failed to create player: %v", err)
	}

	if settings.Mirror.Discover && settings.Mirror.URL == "" {
		log.Printf("Browsing for mirror sinks...")
		disc := discovery.NewManager(discovery.Config{})
		disc.Browse()
		defer disc.Stop()
		player.DiscoverMirror(disc)
	}

	if err := player.Start(); err != nil {
		log.Fatalf("Failed to start player: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if tuiProg != nil {
		tuiDone := make(chan struct{})
		go func() {
			defer close(tuiDone)
			if _, err := tuiProg.Run(); err != nil {
				log.Printf("TUI error: %v", err)
			}
		}()

		quit := make(chan struct{})
		go func() {
			if player.HandleCommands(controls) {
				close(quit)
			}
		}()

		select {
		case <-quit:
			log.Printf("Received quit from TUI")
		case <-tuiDone:
		case <-sigChan:
			log.Printf("Shutdown signal received")
			tuiProg.Quit()
		}
		player.Close()
		<-tuiDone
	} else {
		<-sigChan
		log.Printf("Shutdown signal received")
		player.Close()
	}
}

// applyFlags overrides config values with flags given on the command line
func applyFlags(settings *config.Config) {
	if flagSet("source") {
		settings.Player.Source = *sourcePath
	}
	if flagSet("backend") {
		settings.Audio.Backend = *backend
	}
	if flagSet("device") {
		settings.Audio.Device = *device
	}
	if flagSet("mirror") {
		settings.Mirror.URL = *mirrorURL
	}
	if flagSet("discover-mirror") {
		settings.Mirror.Discover = *discoverMirror
	}
	if *volume >= 0 {
		settings.Player.Volume = float64(*volume) / 100
	}
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func printDevices(backendName string) error {
	b, err := output.ParseBackend(backendName)
	if err != nil {
		return err
	}
	manager, err := output.NewManager(b)
	if err != nil {
		return err
	}
	defer manager.Close()

	devices, err := manager.Devices()
	if err != nil {
		return err
	}

	fmt.Printf("Output devices (%s):\n", b)
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf(" %s %-40s %s\n", marker, d.Name, d.ID)
	}
	return nil
}
