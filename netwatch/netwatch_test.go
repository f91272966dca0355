package netwatch

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ipNet(cidr string) net.Addr {
	ip, n, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}

func TestEvaluate(t *testing.T) {
	up := net.FlagUp | net.FlagMulticast

	cases := []struct {
		name   string
		ifaces []Interface
		want   State
	}{
		{"empty", nil, State{}},
		{"loopback only", []Interface{{Name: "lo", Flags: net.FlagUp | net.FlagLoopback, Addrs: []net.Addr{ipNet("127.0.0.1/8")}}}, State{}},
		{"link-local only", []Interface{{Name: "eth0", Flags: up, Addrs: []net.Addr{ipNet("169.254.4.4/16"), ipNet("fe80::1/64")}}}, State{}},
		{"down interface", []Interface{{Name: "eth0", Flags: net.FlagMulticast, Addrs: []net.Addr{ipNet("192.168.1.2/24")}}}, State{}},
		{"wifi", []Interface{
			{Name: "lo", Flags: net.FlagUp | net.FlagLoopback, Addrs: []net.Addr{ipNet("127.0.0.1/8")}},
			{Name: "wlan0", Flags: up, Addrs: []net.Addr{ipNet("192.168.1.2/24")}},
		}, State{Reachable: true, Interface: "wlan0"}},
		{"first by name", []Interface{
			{Name: "wlan0", Flags: up, Addrs: []net.Addr{ipNet("10.0.0.2/8")}},
			{Name: "eth0", Flags: up, Addrs: []net.Addr{ipNet("2001:db8::2/64")}},
		}, State{Reachable: true, Interface: "eth0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Evaluate(tc.ifaces))
		})
	}
}

type fakeInterfaces struct {
	mu     sync.Mutex
	ifaces []Interface
}

func (f *fakeInterfaces) set(ifaces ...Interface) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ifaces = ifaces
}

func (f *fakeInterfaces) list() ([]Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Interface(nil), f.ifaces...), nil
}

func TestPollerEmitsOnlyOnChange(t *testing.T) {
	mock := clock.NewMock()
	fake := &fakeInterfaces{}
	p := NewPoller(PollerOptions{Interval: time.Second, Clock: mock, Interfaces: fake.list})

	p.Start()
	defer p.Stop()

	require.Equal(t, State{}, receive(t, p.Updates()))

	// No change: nothing emitted.
	mock.Add(time.Second)
	assertNoUpdate(t, p.Updates())

	fake.set(Interface{Name: "wlan0", Flags: net.FlagUp, Addrs: []net.Addr{ipNet("192.168.1.5/24")}})
	mock.Add(time.Second)
	assert.Equal(t, State{Reachable: true, Interface: "wlan0"}, receive(t, p.Updates()))
	assert.True(t, p.Current().Reachable)

	mock.Add(time.Second)
	assertNoUpdate(t, p.Updates())

	fake.set()
	mock.Add(time.Second)
	assert.Equal(t, State{}, receive(t, p.Updates()))
}

func receive(t *testing.T, ch <-chan State) State {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatalf("no state received")
		return State{}
	}
}

func assertNoUpdate(t *testing.T, ch <-chan State) {
	t.Helper()
	select {
	case s := <-ch:
		t.Fatalf("unexpected update %+v", s)
	case <-time.After(30 * time.Millisecond):
	}
}
