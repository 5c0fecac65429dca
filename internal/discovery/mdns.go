// ABOUTME: mDNS discovery for mirror sinks
// ABOUTME: Sinks advertise themselves; players browse for somewhere to divert audio
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	// ServiceType is the mDNS service a mirror sink advertises
	ServiceType = "_resonate-mirror._tcp"

	// DefaultPath is the websocket path of a sink
	DefaultPath = "/mirror"

	browseTimeout = 3 * time.Second
)

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	Path        string
}

// Manager handles mDNS operations
type Manager struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	sinks  chan *SinkInfo

	mu         sync.Mutex
	seen       map[string]bool
	responders []*mdns.Server
}

// SinkInfo describes a discovered mirror sink
type SinkInfo struct {
	Name string
	Host string
	Port int
	Path string
}

// URL returns the websocket address of the sink
func (s *SinkInfo) URL() string {
	path := s.Path
	if path == "" {
		path = DefaultPath
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(s.Host, fmt.Sprint(s.Port)), path)
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		sinks:  make(chan *SinkInfo, 10),
		seen:   make(map[string]bool),
	}
}

// Advertise announces this sink via mDNS until Stop
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to list interface addresses: %w", err)
	}

	zone, err := mdns.NewMDNSService(m.config.ServiceName, ServiceType, "", "",
		m.config.Port, ips, []string{"path=" + m.config.Path})
	if err != nil {
		return fmt.Errorf("invalid mDNS service: %w", err)
	}

	responder, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return fmt.Errorf("failed to start mDNS responder: %w", err)
	}

	m.mu.Lock()
	m.responders = append(m.responders, responder)
	m.mu.Unlock()

	log.Printf("Advertising %s as %q on port %d", ServiceType, m.config.ServiceName, m.config.Port)
	return nil
}

// Browse searches for mirror sinks in the background. Each sink is delivered
// once on Sinks.
func (m *Manager) Browse() {
	go m.browseLoop()
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				sink := sinkFromEntry(entry)
				if sink == nil || !m.markSeen(sink) {
					continue
				}

				log.Printf("Discovered mirror sink: %s at %s:%d", sink.Name, sink.Host, sink.Port)

				select {
				case m.sinks <- sink:
				case <-m.ctx.Done():
				}
			}
		}()

		params := mdns.DefaultParams(ServiceType)
		params.Timeout = browseTimeout
		params.Entries = entries
		params.DisableIPv6 = true
		if err := mdns.Query(params); err != nil {
			log.Printf("mDNS query failed: %v", err)
		}
		close(entries)
		<-done

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(browseTimeout):
		}
	}
}

func (m *Manager) markSeen(sink *SinkInfo) bool {
	key := sink.URL()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return false
	}
	m.seen[key] = true
	return true
}

// sinkFromEntry converts an mDNS answer, ignoring entries without an address
func sinkFromEntry(entry *mdns.ServiceEntry) *SinkInfo {
	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	default:
		return nil
	}

	sink := &SinkInfo{
		Name: instanceName(entry.Name),
		Host: host,
		Port: entry.Port,
		Path: DefaultPath,
	}
	for _, field := range entry.InfoFields {
		if path, ok := strings.CutPrefix(field, "path="); ok && path != "" {
			sink.Path = path
		}
	}
	return sink
}

// instanceName strips the service suffix from "Kitchen._resonate-mirror._tcp.local."
func instanceName(name string) string {
	if i := strings.Index(name, "."+ServiceType); i > 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, `\ `, " ")
}

// Sinks returns the channel of discovered sinks
func (m *Manager) Sinks() <-chan *SinkInfo {
	return m.sinks
}

// Stop stops advertising and browsing
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	responders := m.responders
	m.responders = nil
	m.mu.Unlock()

	for _, r := range responders {
		if err := r.Shutdown(); err != nil {
			log.Printf("mDNS shutdown: %v", err)
		}
	}
}

// getLocalIPs returns the IPv4 addresses of up, non-loopback interfaces.
// The result is never nil.
func getLocalIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	ips := make([]net.IP, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ips = append(ips, interfaceIPv4s(iface)...)
	}
	return ips, nil
}

func interfaceIPv4s(iface net.Interface) []net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}

	var ips []net.IP
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			ips = append(ips, v4)
		}
	}
	return ips
}
