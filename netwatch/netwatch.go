// Package netwatch reports coarse network reachability transitions.
package netwatch

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultInterval is how often interfaces are polled.
const DefaultInterval = 2 * time.Second

// State is one observation of network connectivity.
type State struct {
	Reachable bool
	// Interface is the first interface carrying a routable address.
	Interface string
}

// Observer publishes connectivity changes.
type Observer interface {
	Updates() <-chan State
}

// Interface is the subset of net.Interface a poller inspects.
type Interface struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// SystemInterfaces lists the host's interfaces with their addresses.
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, Interface{Name: iface.Name, Flags: iface.Flags, Addrs: addrs})
	}
	return out, nil
}

// Evaluate derives a State from an interface listing.
func Evaluate(ifaces []Interface) State {
	sorted := append([]Interface(nil), ifaces...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, iface := range sorted {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		for _, addr := range iface.Addrs {
			if routable(addr) {
				return State{Reachable: true, Interface: iface.Name}
			}
		}
	}
	return State{}
}

func routable(addr net.Addr) bool {
	var ip net.IP
	switch v := addr.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		host := addr.String()
		if i := strings.IndexByte(host, '/'); i >= 0 {
			host = host[:i]
		}
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsUnspecified() && !ip.IsMulticast()
}

// Poller is an Observer that polls interfaces and emits on change.
type Poller struct {
	interval   time.Duration
	clock      clock.Clock
	interfaces func() ([]Interface, error)
	logger     *zap.Logger

	updates chan State

	mu      sync.Mutex
	last    State
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// PollerOptions configures a Poller. Zero values use defaults.
type PollerOptions struct {
	Interval   time.Duration
	Clock      clock.Clock
	Interfaces func() ([]Interface, error)
	Logger     *zap.Logger
}

// NewPoller creates a stopped poller.
func NewPoller(opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Interfaces == nil {
		opts.Interfaces = SystemInterfaces
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Poller{
		interval:   opts.Interval,
		clock:      opts.Clock,
		interfaces: opts.Interfaces,
		logger:     opts.Logger,
		updates:    make(chan State, 1),
	}
}

// Updates delivers the latest state after each change.
func (p *Poller) Updates() <-chan State {
	return p.updates
}

// Current returns the last observed state.
func (p *Poller) Current() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Start polls once immediately and then every interval until Stop.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.poll(true)

	ticker := p.clock.Ticker(p.interval)
	go func() {
		defer close(p.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.mu.Lock()
				p.poll(false)
				p.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends polling. Updates is not closed.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// poll must be called with p.mu held.
func (p *Poller) poll(initial bool) {
	ifaces, err := p.interfaces()
	if err != nil {
		p.logger.Warn("list network interfaces failed", zap.Error(err))
		return
	}
	next := Evaluate(ifaces)
	if !initial && next == p.last {
		return
	}
	if next.Reachable != p.last.Reachable || initial {
		p.logger.Info("network reachability changed",
			zap.Bool("reachable", next.Reachable),
			zap.String("interface", next.Interface),
		)
	}
	p.last = next

	select {
	case <-p.updates:
	default:
	}
	select {
	case p.updates <- next:
	default:
	}
}
