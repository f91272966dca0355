package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homereach/models"
)

type behavior struct {
	delay time.Duration
	hang  bool
	cn    string
	state models.DeviceState
	fail  bool
}

type fakeAPI struct {
	mu        sync.Mutex
	endpoints map[string]behavior
	cancelled map[string]bool
}

func newFakeAPI(endpoints map[string]behavior) *fakeAPI {
	return &fakeAPI{endpoints: endpoints, cancelled: map[string]bool{}}
}

func (f *fakeAPI) wait(ctx context.Context, hostPort string) (behavior, error) {
	f.mu.Lock()
	b, ok := f.endpoints[hostPort]
	f.mu.Unlock()
	if !ok {
		return b, errors.New("connection refused")
	}
	if b.hang {
		<-ctx.Done()
		f.mu.Lock()
		f.cancelled[hostPort] = true
		f.mu.Unlock()
		return b, ctx.Err()
	}
	select {
	case <-time.After(b.delay):
	case <-ctx.Done():
		return b, ctx.Err()
	}
	if b.fail {
		return b, errors.New("bad response")
	}
	return b, nil
}

func (f *fakeAPI) Status(ctx context.Context, hostPort string) (models.DeviceStatus, error) {
	b, err := f.wait(ctx, hostPort)
	if err != nil {
		return models.DeviceStatus{}, err
	}
	state := b.state
	if state == "" {
		state = models.DeviceStateReady
	}
	return models.DeviceStatus{State: state, OOBEDone: true}, nil
}

func (f *fakeAPI) About(ctx context.Context, hostPort string) (models.DeviceAbout, error) {
	b, err := f.wait(ctx, hostPort)
	if err != nil {
		return models.DeviceAbout{}, err
	}
	return models.DeviceAbout{Hostname: "nas", CertificateCommonName: b.cn}, nil
}

var (
	localPath  = models.NewRemotePath(models.PathKindLocal, "192.168.1.10", 443)
	publicPath = models.NewRemotePath(models.PathKindPublic, "203.0.113.5", 8443)
	remotePath = models.NewRemotePath(models.PathKindRemote, "relay.example.com", 443)
)

func TestProbeAllShortCircuitsOnFirstReachable(t *testing.T) {
	api := newFakeAPI(map[string]behavior{
		localPath.HostPort():  {hang: true},
		publicPath.HostPort(): {delay: 50 * time.Millisecond, cn: "cn-1"},
		remotePath.HostPort(): {hang: true},
	})
	engine := NewEngine(api, 2*time.Second, nil)

	start := time.Now()
	results := engine.ProbeAll(context.Background(), []Target{{
		CertificateCommonName: "cn-1",
		Paths:                 []models.RemotePath{remotePath, publicPath, localPath},
	}})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond)
	require.Len(t, results["cn-1"], 3)

	probes := results["cn-1"]
	assert.True(t, probes[publicPath.Key()].IsReachable())
	for _, p := range []models.RemotePath{localPath, remotePath} {
		probe := probes[p.Key()]
		assert.False(t, probe.IsReachable(), p.String())
		assert.True(t, probe.Attempted(), "hung path %s must be recorded, not pending", p)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.True(t, api.cancelled[localPath.HostPort()])
	assert.True(t, api.cancelled[remotePath.HostPort()])
}

func TestProbeAllTimesOutHungPaths(t *testing.T) {
	api := newFakeAPI(map[string]behavior{
		localPath.HostPort(): {hang: true},
	})
	engine := NewEngine(api, 40*time.Millisecond, nil)

	start := time.Now()
	results := engine.ProbeAll(context.Background(), []Target{{
		CertificateCommonName: "cn-1",
		Paths:                 []models.RemotePath{localPath, publicPath},
	}})
	assert.Less(t, time.Since(start), time.Second)

	for _, probe := range results["cn-1"] {
		assert.False(t, probe.IsReachable())
		assert.True(t, probe.Attempted())
	}
	assert.Len(t, results["cn-1"], 2)
}

func TestShortCircuitDoesNotCancelOtherDevices(t *testing.T) {
	other := models.NewRemotePath(models.PathKindLocal, "192.168.1.20", 443)
	api := newFakeAPI(map[string]behavior{
		localPath.HostPort(): {delay: 5 * time.Millisecond, cn: "cn-1"},
		other.HostPort():     {delay: 120 * time.Millisecond, cn: "cn-2"},
	})
	engine := NewEngine(api, time.Second, nil)

	results := engine.ProbeAll(context.Background(), []Target{
		{CertificateCommonName: "cn-1", Paths: []models.RemotePath{localPath}},
		{CertificateCommonName: "cn-2", Paths: []models.RemotePath{other}},
	})
	assert.True(t, results["cn-1"][localPath.Key()].IsReachable())
	assert.True(t, results["cn-2"][other.Key()].IsReachable())
}

func TestProbeRequiresReadyStateAndIdentity(t *testing.T) {
	api := newFakeAPI(map[string]behavior{
		localPath.HostPort():  {state: models.DeviceStateBusy, cn: "cn-1"},
		publicPath.HostPort(): {cn: ""},
		remotePath.HostPort(): {fail: true},
	})
	engine := NewEngine(api, time.Second, nil)

	probes := engine.probeDevice(context.Background(), Target{
		CertificateCommonName: "cn-1",
		Paths:                 []models.RemotePath{localPath, publicPath, remotePath},
	})
	require.Len(t, probes, 3)
	for key, probe := range probes {
		assert.False(t, probe.IsReachable(), key)
	}
	assert.NotNil(t, probes[localPath.Key()].Status)
	assert.Nil(t, probes[remotePath.Key()].Status)
}

func TestProbeAllHonoursOuterCancellation(t *testing.T) {
	api := newFakeAPI(map[string]behavior{
		localPath.HostPort(): {hang: true},
	})
	engine := NewEngine(api, 5*time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	results := engine.ProbeAll(ctx, []Target{{CertificateCommonName: "cn-1", Paths: []models.RemotePath{localPath}}})
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, results["cn-1"][localPath.Key()].IsReachable())
}

func TestProbeAllSkipsTargetsWithoutIdentityOrPaths(t *testing.T) {
	engine := NewEngine(newFakeAPI(nil), time.Second, nil)
	results := engine.ProbeAll(context.Background(), []Target{
		{CertificateCommonName: "", Paths: []models.RemotePath{localPath}},
		{CertificateCommonName: "cn-2"},
	})
	assert.Empty(t, results)
}

func TestProbeEndpointUsesMDNSSource(t *testing.T) {
	api := newFakeAPI(map[string]behavior{"192.168.1.50:8443": {cn: "cn-9"}})
	engine := NewEngine(api, time.Second, nil)

	probe := engine.ProbeEndpoint(context.Background(), "192.168.1.50", 8443)
	assert.True(t, probe.Source.IsMDNS())
	assert.True(t, probe.IsReachable())
}
