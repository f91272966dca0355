// Package probe checks candidate device paths for liveness and identity.
package probe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"homereach/metrics"
	"homereach/models"
)

// DefaultTimeout bounds each /status and /about call.
const DefaultTimeout = 800 * time.Millisecond

// DeviceAPI is the per-endpoint device client.
type DeviceAPI interface {
	Status(ctx context.Context, hostPort string) (models.DeviceStatus, error)
	About(ctx context.Context, hostPort string) (models.DeviceAbout, error)
}

// Target is one device and its candidate paths.
type Target struct {
	CertificateCommonName string
	Paths                 []models.RemotePath
}

// Results maps certificate common name to path key to probe.
type Results map[string]map[string]models.PathProbe

// Engine probes targets concurrently.
type Engine struct {
	api     DeviceAPI
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine creates an engine. A non-positive timeout uses DefaultTimeout.
func NewEngine(api DeviceAPI, timeout time.Duration, logger *zap.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{api: api, timeout: timeout, logger: logger, now: time.Now}
}

// ProbeAll probes every target's paths. Within a device, the first
// reachable path cancels its siblings; other devices are unaffected.
// Every path of every target appears in the result, reachable or not.
// Cancelling ctx stops outstanding work and returns what was recorded.
func (e *Engine) ProbeAll(ctx context.Context, targets []Target) Results {
	results := make(Results, len(targets))
	var mu sync.Mutex

	var wg sync.WaitGroup
	for _, target := range targets {
		if target.CertificateCommonName == "" || len(target.Paths) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			probes := e.probeDevice(ctx, target)
			mu.Lock()
			results[target.CertificateCommonName] = probes
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (e *Engine) probeDevice(ctx context.Context, target Target) map[string]models.PathProbe {
	paths := models.OrderPaths(target.Paths)
	probes := make([]models.PathProbe, len(paths))

	deviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(deviceCtx)
	for i, path := range paths {
		g.Go(func() error {
			probe := e.probePath(gctx, models.PathSource(path))
			probes[i] = probe
			if probe.IsReachable() {
				e.logger.Debug("path reachable",
					zap.String("certificate_common_name", target.CertificateCommonName),
					zap.Stringer("path", path),
				)
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]models.PathProbe, len(paths))
	for i, path := range paths {
		p := probes[i]
		if !p.Attempted() {
			p = models.PathProbe{Source: models.PathSource(path), CheckedAt: e.now()}
		}
		out[path.Key()] = p
	}
	return out
}

// ProbeEndpoint probes an mDNS endpoint outside of any path set.
func (e *Engine) ProbeEndpoint(ctx context.Context, host string, port int) models.PathProbe {
	return e.probePath(ctx, models.MDNSSource(host, port))
}

// probePath runs status and about concurrently. A failed sub-call leaves
// its field nil so the probe reads as unreachable.
func (e *Engine) probePath(ctx context.Context, source models.ProbeSource) models.PathProbe {
	start := time.Now()
	hostPort := source.HostPort()

	var (
		status *models.DeviceStatus
		about  *models.DeviceAbout
		wg     sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		if s, err := e.api.Status(callCtx, hostPort); err == nil {
			status = &s
		}
	}()
	go func() {
		defer wg.Done()
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		if a, err := e.api.About(callCtx, hostPort); err == nil {
			about = &a
		}
	}()
	wg.Wait()

	probe := models.PathProbe{Source: source, Status: status, About: about, CheckedAt: e.now()}
	metrics.RecordPathProbe(kindLabel(source), outcomeLabel(ctx, probe), time.Since(start))
	return probe
}

func kindLabel(source models.ProbeSource) string {
	if source.IsMDNS() {
		return "mdns"
	}
	return string(source.Path.Kind)
}

func outcomeLabel(ctx context.Context, probe models.PathProbe) string {
	switch {
	case probe.IsReachable():
		return "reachable"
	case ctx.Err() != nil:
		return "cancelled"
	default:
		return "unreachable"
	}
}
