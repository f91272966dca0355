// Package discovery finds storage devices on the local network over mDNS
// and confirms their identity against the device's own API.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"homereach/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_wdnas._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultLookupTimeout bounds the interface-constrained re-resolution.
	DefaultLookupTimeout = 2 * time.Second
	// DefaultIdentityTimeout bounds one identity probe.
	DefaultIdentityTimeout = 2 * time.Second
	// DefaultIdentityCacheSize is the number of host:port identities kept.
	DefaultIdentityCacheSize = 64
)

// ErrNoUsableAddress means an instance resolved only to link-local addresses.
var ErrNoUsableAddress = errors.New("discovery: no usable IPv4 address")

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
type lookupFunc func(ctx context.Context, iface, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Identifier confirms a device's identity from its own endpoints.
type Identifier interface {
	Identify(ctx context.Context, hostPort string) (models.DeviceStatus, models.DeviceAbout, error)
}

// Config controls scanner behavior.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	LookupTimeout   time.Duration
	// StaleAfter drops instances not seen for this long. Zero means three
	// refresh intervals.
	StaleAfter        time.Duration
	IdentityTimeout   time.Duration
	IdentityCacheSize int
	// WiFiInterface names the interface used to re-resolve instances whose
	// first address is link-local. Empty means auto-detect.
	WiFiInterface string

	Identifier Identifier
	Logger     *zap.Logger

	browseFn browseFunc
	lookupFn lookupFunc
	now      func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.LookupTimeout <= 0 {
		out.LookupTimeout = DefaultLookupTimeout
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 3 * out.RefreshInterval
	}
	if out.IdentityTimeout <= 0 {
		out.IdentityTimeout = DefaultIdentityTimeout
	}
	if out.IdentityCacheSize <= 0 {
		out.IdentityCacheSize = DefaultIdentityCacheSize
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.lookupFn == nil {
		out.lookupFn = lookupOnInterface
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

func (c Config) validate() error {
	if c.Identifier == nil {
		return errors.New("identifier is required")
	}
	if !strings.HasPrefix(c.Service, "_") {
		return fmt.Errorf("invalid service type %q", c.Service)
	}
	return nil
}

// lookupOnInterface resolves one instance using only the named interface.
func lookupOnInterface(ctx context.Context, ifaceName, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	iface, err := wifiInterface(ifaceName)
	if err != nil {
		return err
	}
	resolver, err := zeroconf.NewResolver(zeroconf.SelectIfaces([]net.Interface{*iface}))
	if err != nil {
		return fmt.Errorf("create resolver on %s: %w", iface.Name, err)
	}
	return resolver.Lookup(ctx, instance, service, domain, entries)
}

var wifiNamePrefixes = []string{"wl", "wlan", "wifi", "en0"}

func wifiInterface(name string) (*net.Interface, error) {
	if name != "" {
		return net.InterfaceByName(name)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		for _, prefix := range wifiNamePrefixes {
			if strings.HasPrefix(strings.ToLower(iface.Name), prefix) {
				return &iface, nil
			}
		}
	}
	return nil, errors.New("no wi-fi interface found")
}

// firstIPv4 returns the entry's first IPv4 address, if any.
func firstIPv4(entry *zeroconf.ServiceEntry) net.IP {
	for _, ip := range entry.AddrIPv4 {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

// usableIPv4 returns the first non-link-local IPv4 address of the entry.
func usableIPv4(entry *zeroconf.ServiceEntry) net.IP {
	for _, ip := range entry.AddrIPv4 {
		v4 := ip.To4()
		if v4 == nil || v4.IsLinkLocalUnicast() || v4.IsUnspecified() {
			continue
		}
		return v4
	}
	return nil
}

// resolveAddress picks the address to use for entry. When the first
// address is link-local the instance is re-resolved on the Wi-Fi interface
// before falling back to any other usable address in the entry.
func (s *Scanner) resolveAddress(ctx context.Context, entry *zeroconf.ServiceEntry) (string, error) {
	first := firstIPv4(entry)
	if first != nil && !first.IsLinkLocalUnicast() {
		return first.String(), nil
	}

	if first != nil {
		ip, err := s.lookupWiFi(ctx, entry.Instance)
		if err == nil {
			return ip.String(), nil
		}
		s.cfg.Logger.Debug("wi-fi re-resolution failed",
			zap.String("instance", entry.Instance),
			zap.Error(err),
		)
	}

	if ip := usableIPv4(entry); ip != nil {
		return ip.String(), nil
	}
	return "", ErrNoUsableAddress
}

func (s *Scanner) lookupWiFi(ctx context.Context, instance string) (net.IP, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.cfg.lookupFn(lookupCtx, s.cfg.WiFiInterface, instance, s.cfg.Service, s.cfg.Domain, entries)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrNoUsableAddress
			}
			if entry == nil || entry.Instance != instance {
				continue
			}
			if ip := usableIPv4(entry); ip != nil {
				return ip, nil
			}
		case err := <-errCh:
			if err != nil {
				return nil, err
			}
			errCh = nil
		case <-lookupCtx.Done():
			return nil, ErrNoUsableAddress
		}
	}
}
