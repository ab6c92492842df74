package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Handler receives discovery events. Both callbacks run on the monitor's
// goroutines and must not block.
type Handler interface {
	DeviceDiscovered(dev Device)
	DeviceLeft(dev Device)
}

// Options tunes the Monitor.
type Options struct {
	InitialDelay     time.Duration
	RescanInterval   time.Duration
	SearchTimeout    time.Duration
	PortRange        string
	StaticDevices    []string
	DisableDiscovery bool
	EnableTracing    bool
	TracingFilter    string // only trace packets from this IP when set
}

// Monitor runs the discovery lifecycle: synthetic discoveries for static
// devices, periodic M-SEARCH sweeps, and a passive NOTIFY listener that
// reports ssdp:alive and ssdp:byebye announcements.
type Monitor struct {
	handler Handler
	opts    Options

	mu      sync.Mutex
	started bool
	conn    *net.UDPConn
	sched   *cron.Cron
	done    chan struct{}
}

// NewMonitor builds a Monitor. Call Start to begin.
func NewMonitor(handler Handler, opts Options) *Monitor {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 5 * time.Second
	}
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = 30 * time.Minute
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 5 * time.Second
	}
	return &Monitor{
		handler: handler,
		opts:    opts,
		done:    make(chan struct{}),
	}
}

// Start injects static devices, then (unless discovery is disabled) begins
// the NOTIFY listener and schedules M-SEARCH sweeps.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	for _, location := range m.opts.StaticDevices {
		location = strings.TrimSpace(location)
		if location == "" {
			continue
		}
		m.handler.DeviceDiscovered(Device{
			Location: location,
			USN:      "static:" + location,
			Headers:  map[string]string{"NT": ssdpTarget},
		})
	}

	if m.opts.DisableDiscovery {
		log.Printf("SSDP: network discovery disabled, using %d static device(s)", len(m.opts.StaticDevices))
		return nil
	}

	if err := m.listenNotify(); err != nil {
		log.Printf("SSDP: notify listener unavailable: %v", err)
	}

	go func() {
		select {
		case <-m.done:
			return
		case <-time.After(m.opts.InitialDelay):
			m.search(ctx)
		}
	}()

	m.sched = cron.New()
	spec := fmt.Sprintf("@every %ds", int(m.opts.RescanInterval.Seconds()))
	if _, err := m.sched.AddFunc(spec, func() { m.search(ctx) }); err != nil {
		return fmt.Errorf("schedule rescan: %w", err)
	}
	m.sched.Start()
	return nil
}

// Stop halts the sweeps and the listener.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.done)
	if m.sched != nil {
		m.sched.Stop()
	}
	if m.conn != nil {
		m.conn.Close()
	}
}

func (m *Monitor) search(ctx context.Context) {
	devices, err := Discover(ctx, m.opts.PortRange, 2, time.Second, m.opts.SearchTimeout)
	if err != nil {
		log.Printf("SSDP: search failed: %v", err)
	}
	for _, dev := range devices {
		m.trace(dev, "search response")
		m.handler.DeviceDiscovered(dev)
	}
}

func (m *Monitor) listenNotify() error {
	group, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	go m.notifyLoop(conn)
	return nil
}

func (m *Monitor) notifyLoop(conn *net.UDPConn) {
	buf := make([]byte, 4096)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			log.Printf("SSDP: notify read: %v", err)
			return
		}

		raw := string(buf[:n])
		if !strings.HasPrefix(raw, "NOTIFY") {
			continue
		}
		dev := parseMessage(raw)
		if dev.USN == "" {
			continue
		}
		dev.Endpoint = raddr.IP.String()

		// Only renderers matter; the NT or USN carries the device type.
		nt := dev.Headers["NT"]
		if !strings.Contains(nt, "MediaRenderer") && !strings.Contains(dev.USN, "MediaRenderer") {
			continue
		}

		switch strings.ToLower(dev.Headers["NTS"]) {
		case "ssdp:alive":
			m.trace(dev, "alive")
			if dev.Location != "" {
				m.handler.DeviceDiscovered(dev)
			}
		case "ssdp:byebye":
			m.trace(dev, "byebye")
			m.handler.DeviceLeft(dev)
		}
	}
}

func (m *Monitor) trace(dev Device, kind string) {
	if !m.opts.EnableTracing {
		return
	}
	if m.opts.TracingFilter != "" && dev.Endpoint != m.opts.TracingFilter {
		return
	}
	log.Printf("SSDP: %s from %s usn=%s location=%s", kind, dev.Endpoint, dev.USN, dev.Location)
}
