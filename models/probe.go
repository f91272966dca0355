package models

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DeviceState is the state reported by a device's /status endpoint.
type DeviceState string

const (
	DeviceStateReady   DeviceState = "ready"
	DeviceStateBusy    DeviceState = "busy"
	DeviceStateError   DeviceState = "error"
	DeviceStateUnknown DeviceState = "unknown"
)

// ParseDeviceState maps unrecognised values to DeviceStateUnknown.
func ParseDeviceState(raw string) DeviceState {
	switch DeviceState(strings.ToLower(strings.TrimSpace(raw))) {
	case DeviceStateReady:
		return DeviceStateReady
	case DeviceStateBusy:
		return DeviceStateBusy
	case DeviceStateError:
		return DeviceStateError
	default:
		return DeviceStateUnknown
	}
}

// DeviceStatus is the decoded /status response.
type DeviceStatus struct {
	State    DeviceState `json:"state"`
	OOBEDone bool        `json:"oobe_done"`
}

// DeviceAbout is the decoded /about response.
type DeviceAbout struct {
	Hostname              string `json:"hostname"`
	CertificateCommonName string `json:"certificate_common_name"`
}

// ProbeSource is what a probe targeted: a directory path or an mDNS endpoint.
type ProbeSource struct {
	Path *RemotePath `json:"path,omitempty"`
	Host string      `json:"host,omitempty"`
	Port int         `json:"port,omitempty"`
}

// PathSource wraps a directory path.
func PathSource(p RemotePath) ProbeSource {
	return ProbeSource{Path: &p}
}

// MDNSSource wraps a locally discovered endpoint.
func MDNSSource(host string, port int) ProbeSource {
	return ProbeSource{Host: host, Port: port}
}

// IsMDNS reports whether the probe came from local discovery.
func (s ProbeSource) IsMDNS() bool {
	return s.Path == nil
}

// Key is the path key for directory paths, "mdns|host|port" otherwise.
func (s ProbeSource) Key() string {
	if s.Path != nil {
		return s.Path.Key()
	}
	return "mdns|" + s.Host + "|" + strconv.Itoa(s.Port)
}

// HostPort renders the target endpoint.
func (s ProbeSource) HostPort() string {
	if s.Path != nil {
		return s.Path.HostPort()
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the base URL for the target endpoint.
func (s ProbeSource) URL(scheme string) *url.URL {
	return &url.URL{Scheme: scheme, Host: s.HostPort()}
}

// PathProbe is the result of one liveness/identity check. It is recomputed
// every probe cycle.
type PathProbe struct {
	Source    ProbeSource   `json:"source"`
	Status    *DeviceStatus `json:"status,omitempty"`
	About     *DeviceAbout  `json:"about,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// IsReachable holds when both responses are present, the device is ready,
// setup is complete and the reported identity is non-empty.
func (p PathProbe) IsReachable() bool {
	if p.Status == nil || p.About == nil {
		return false
	}
	return p.Status.State == DeviceStateReady &&
		p.Status.OOBEDone &&
		strings.TrimSpace(p.About.CertificateCommonName) != ""
}

// Attempted distinguishes "probed and unreachable" from "never probed".
func (p PathProbe) Attempted() bool {
	return !p.CheckedAt.IsZero()
}
