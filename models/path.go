package models

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// PathKind classifies how a candidate path reaches a device.
type PathKind string

const (
	// PathKindLocal is an address on the same LAN as the client.
	PathKindLocal PathKind = "local"
	// PathKindPublic is the device's public address (port forward, UPnP).
	PathKindPublic PathKind = "public"
	// PathKindRemote is a relay endpoint operated by the directory service.
	PathKindRemote PathKind = "remote"
)

// Priority returns the selection priority; lower is preferred.
func (k PathKind) Priority() int {
	switch k {
	case PathKindLocal:
		return 0
	case PathKindPublic:
		return 1
	case PathKindRemote:
		return 2
	default:
		return 3
	}
}

// ParsePathKind maps a wire value onto a PathKind.
func ParsePathKind(raw string) (PathKind, error) {
	switch PathKind(strings.ToLower(strings.TrimSpace(raw))) {
	case PathKindLocal:
		return PathKindLocal, nil
	case PathKindPublic:
		return PathKindPublic, nil
	case PathKindRemote:
		return PathKindRemote, nil
	default:
		return "", fmt.Errorf("unknown path kind %q", raw)
	}
}

// RemotePath is one candidate network path for a device.
type RemotePath struct {
	Kind    PathKind `json:"kind"`
	Address string   `json:"address"`
	Port    *int     `json:"port,omitempty"`
}

// NewRemotePath builds a path; port <= 0 means no explicit port.
func NewRemotePath(kind PathKind, address string, port int) RemotePath {
	p := RemotePath{Kind: kind, Address: address}
	if port > 0 {
		p.Port = &port
	}
	return p
}

// Key is the stable map key "kind|address|port".
func (p RemotePath) Key() string {
	port := ""
	if p.Port != nil {
		port = strconv.Itoa(*p.Port)
	}
	return string(p.Kind) + "|" + p.Address + "|" + port
}

// HostPort renders "address:port", or just the address when no port is set.
func (p RemotePath) HostPort() string {
	if p.Port == nil {
		return p.Address
	}
	return net.JoinHostPort(p.Address, strconv.Itoa(*p.Port))
}

// URL returns the base URL for this path with the given scheme.
func (p RemotePath) URL(scheme string) *url.URL {
	return &url.URL{Scheme: scheme, Host: p.HostPort()}
}

func (p RemotePath) String() string {
	return string(p.Kind) + "(" + p.HostPort() + ")"
}

// OrderPaths returns a copy of paths sorted local, public, remote, with ties
// broken by case-insensitive address:port.
func OrderPaths(paths []RemotePath) []RemotePath {
	out := make([]RemotePath, len(paths))
	copy(out, paths)
	sort.SliceStable(out, func(i, j int) bool {
		return pathLess(out[i], out[j])
	})
	return out
}

// DefaultPath is the first path in priority order.
func DefaultPath(paths []RemotePath) (RemotePath, bool) {
	if len(paths) == 0 {
		return RemotePath{}, false
	}
	return OrderPaths(paths)[0], true
}

func pathLess(a, b RemotePath) bool {
	pa, pb := a.Kind.Priority(), b.Kind.Priority()
	if pa != pb {
		return pa < pb
	}
	ha, hb := strings.ToLower(a.HostPort()), strings.ToLower(b.HostPort())
	if ha != hb {
		return ha < hb
	}
	return a.Key() < b.Key()
}
