package models

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RemoteDeviceSummary is one entry of the directory device listing.
type RemoteDeviceSummary struct {
	DeviceID              string `json:"device_id"`
	FriendlyName          string `json:"friendly_name"`
	Hostname              string `json:"hostname"`
	CertificateCommonName string `json:"certificate_common_name"`
}

// RemoteDevice is a directory device with its candidate paths.
type RemoteDevice struct {
	DeviceID              string       `json:"device_id"`
	FriendlyName          string       `json:"friendly_name"`
	Hostname              string       `json:"hostname"`
	CertificateCommonName string       `json:"certificate_common_name"`
	Paths                 []RemotePath `json:"paths"`
}

// LocalDevice is a device seen through local service discovery.
// CertificateCommonName stays empty until the identity probe succeeds.
type LocalDevice struct {
	Name                  string `json:"name"`
	Host                  string `json:"host"`
	Port                  int    `json:"port"`
	CertificateCommonName string `json:"certificate_common_name,omitempty"`
	OOBEIsDone            bool   `json:"oobe_is_done"`
}

// HostPort renders the local endpoint as host:port.
func (d LocalDevice) HostPort() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// URL returns the base URL for the local endpoint.
func (d LocalDevice) URL(scheme string) *url.URL {
	return &url.URL{Scheme: scheme, Host: d.HostPort()}
}

// Identified reports whether the identity probe has completed.
func (d LocalDevice) Identified() bool {
	return d.CertificateCommonName != ""
}

// ConnectedDevice is the persisted snapshot of the last device the client
// connected to. It seeds the device set on relaunch.
type ConnectedDevice struct {
	DeviceID              string       `json:"device_id"`
	FriendlyName          string       `json:"friendly_name"`
	Hostname              string       `json:"hostname"`
	CertificateCommonName string       `json:"certificate_common_name"`
	Paths                 []RemotePath `json:"paths"`
	ConnectedAt           time.Time    `json:"connected_at"`
}

// RemoteDevice reconstructs a directory record from the snapshot.
func (c ConnectedDevice) RemoteDevice() RemoteDevice {
	return RemoteDevice{
		DeviceID:              c.DeviceID,
		FriendlyName:          c.FriendlyName,
		Hostname:              c.Hostname,
		CertificateCommonName: c.CertificateCommonName,
		Paths:                 OrderPaths(c.Paths),
	}
}

// Reachability is the tri-state shown per device.
type Reachability string

const (
	ReachabilityReachable   Reachability = "reachable"
	ReachabilityUnreachable Reachability = "unreachable"
	ReachabilityUnknown     Reachability = "unknown"
)

// MergedDevice fuses the directory and local discovery views of one device.
type MergedDevice struct {
	Remote     *RemoteDevice `json:"remote,omitempty"`
	Local      *LocalDevice  `json:"local,omitempty"`
	PathProbes []PathProbe   `json:"path_probes"`
}

// DisplayName is the remote friendly name, else the local name.
func (m MergedDevice) DisplayName() string {
	if m.Remote != nil && strings.TrimSpace(m.Remote.FriendlyName) != "" {
		return m.Remote.FriendlyName
	}
	if m.Local != nil {
		return m.Local.Name
	}
	if m.Remote != nil {
		return m.Remote.Hostname
	}
	return ""
}

// CertificateCommonName returns the identity key, preferring the directory.
func (m MergedDevice) CertificateCommonName() string {
	if m.Remote != nil && m.Remote.CertificateCommonName != "" {
		return m.Remote.CertificateCommonName
	}
	if m.Local != nil {
		return m.Local.CertificateCommonName
	}
	return ""
}

// Reachability collapses the probes into the UI tri-state.
func (m MergedDevice) Reachability() Reachability {
	probed := false
	for _, p := range m.PathProbes {
		if p.IsReachable() {
			return ReachabilityReachable
		}
		if p.Attempted() {
			probed = true
		}
	}
	if probed {
		return ReachabilityUnreachable
	}
	return ReachabilityUnknown
}

// ReachableProbe returns the first reachable probe in order.
func (m MergedDevice) ReachableProbe() (PathProbe, bool) {
	for _, p := range m.PathProbes {
		if p.IsReachable() {
			return p, true
		}
	}
	return PathProbe{}, false
}
