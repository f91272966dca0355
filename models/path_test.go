package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderPathsPriorityThenAddress(t *testing.T) {
	in := []RemotePath{
		NewRemotePath(PathKindRemote, "b", 2),
		NewRemotePath(PathKindLocal, "a", 1),
		NewRemotePath(PathKindPublic, "c", 3),
	}

	got := OrderPaths(in)
	require.Len(t, got, 3)
	assert.Equal(t, "local(a:1)", got[0].String())
	assert.Equal(t, "public(c:3)", got[1].String())
	assert.Equal(t, "remote(b:2)", got[2].String())

	// input untouched
	assert.Equal(t, PathKindRemote, in[0].Kind)
}

func TestOrderPathsTieBreakIsCaseInsensitive(t *testing.T) {
	in := []RemotePath{
		NewRemotePath(PathKindLocal, "NAS.lan", 443),
		NewRemotePath(PathKindLocal, "10.0.0.9", 443),
		NewRemotePath(PathKindLocal, "beta.lan", 443),
	}

	got := OrderPaths(in)
	assert.Equal(t, "10.0.0.9", got[0].Address)
	assert.Equal(t, "beta.lan", got[1].Address)
	assert.Equal(t, "NAS.lan", got[2].Address)
}

func TestOrderPathsIsDeterministicAcrossPermutations(t *testing.T) {
	base := []RemotePath{
		NewRemotePath(PathKindRemote, "relay.example.com", 443),
		NewRemotePath(PathKindPublic, "203.0.113.7", 8443),
		NewRemotePath(PathKindLocal, "192.168.1.20", 443),
		NewRemotePath(PathKindLocal, "192.168.1.10", 0),
	}
	want := OrderPaths(base)

	perms := [][]int{{3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	for _, perm := range perms {
		shuffled := make([]RemotePath, 0, len(base))
		for _, i := range perm {
			shuffled = append(shuffled, base[i])
		}
		assert.Equal(t, want, OrderPaths(shuffled))
	}
}

func TestDefaultPath(t *testing.T) {
	_, ok := DefaultPath(nil)
	assert.False(t, ok)

	p, ok := DefaultPath([]RemotePath{
		NewRemotePath(PathKindRemote, "relay", 443),
		NewRemotePath(PathKindPublic, "203.0.113.7", 443),
	})
	require.True(t, ok)
	assert.Equal(t, PathKindPublic, p.Kind)
}

func TestRemotePathKey(t *testing.T) {
	assert.Equal(t, "local|10.0.0.2|443", NewRemotePath(PathKindLocal, "10.0.0.2", 443).Key())
	assert.Equal(t, "remote|relay.example.com|", NewRemotePath(PathKindRemote, "relay.example.com", 0).Key())
}

func TestPathProbeIsReachable(t *testing.T) {
	src := PathSource(NewRemotePath(PathKindLocal, "10.0.0.2", 443))
	ready := &DeviceStatus{State: DeviceStateReady, OOBEDone: true}
	about := &DeviceAbout{Hostname: "nas", CertificateCommonName: "cn-1"}

	tests := []struct {
		name  string
		probe PathProbe
		want  bool
	}{
		{"both present", PathProbe{Source: src, Status: ready, About: about}, true},
		{"missing about", PathProbe{Source: src, Status: ready}, false},
		{"missing status", PathProbe{Source: src, About: about}, false},
		{"busy", PathProbe{Source: src, Status: &DeviceStatus{State: DeviceStateBusy, OOBEDone: true}, About: about}, false},
		{"setup pending", PathProbe{Source: src, Status: &DeviceStatus{State: DeviceStateReady}, About: about}, false},
		{"empty identity", PathProbe{Source: src, Status: ready, About: &DeviceAbout{Hostname: "nas"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.probe.IsReachable())
		})
	}
}

func TestMergedDeviceReachabilityTriState(t *testing.T) {
	src := PathSource(NewRemotePath(PathKindLocal, "10.0.0.2", 443))
	now := time.Now()

	unknown := MergedDevice{PathProbes: []PathProbe{{Source: src}}}
	assert.Equal(t, ReachabilityUnknown, unknown.Reachability())

	down := MergedDevice{PathProbes: []PathProbe{{Source: src, CheckedAt: now}}}
	assert.Equal(t, ReachabilityUnreachable, down.Reachability())

	up := MergedDevice{PathProbes: []PathProbe{{
		Source:    src,
		Status:    &DeviceStatus{State: DeviceStateReady, OOBEDone: true},
		About:     &DeviceAbout{CertificateCommonName: "cn"},
		CheckedAt: now,
	}}}
	assert.Equal(t, ReachabilityReachable, up.Reachability())
}

func TestTokenBundleExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := TokenBundle{
		AccessToken:        "a",
		AccessTokenExpiry:  now.Add(-time.Second),
		RefreshToken:       "r",
		RefreshTokenExpiry: now.Add(time.Hour),
	}
	assert.True(t, b.AccessExpired(now))
	assert.False(t, b.RefreshExpired(now))

	b.RefreshTokenExpiry = time.Time{}
	assert.False(t, b.RefreshExpired(now))

	b.RefreshToken = ""
	assert.True(t, b.RefreshExpired(now))
}
