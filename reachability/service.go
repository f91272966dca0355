// Package reachability owns the merged device list and decides which
// network path to use for each device.
//
// All mutable device state belongs to one goroutine. Public methods hand it
// closures over a command channel; network work (directory fetches and
// probes) runs on the caller's goroutine between commands, and its results
// are applied only if no newer reload has started in the meantime.
package reachability

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"homereach/merge"
	"homereach/metrics"
	"homereach/models"
	"homereach/netwatch"
	"homereach/probe"
	"homereach/remote"
)

const (
	DefaultDebounceInterval = 300 * time.Millisecond
	DefaultPeriodicInterval = 60 * time.Second
	DefaultScheme           = "https"
)

var (
	// ErrClosed is returned once the service has been closed.
	ErrClosed = errors.New("reachability: service closed")
	// ErrSuperseded means a newer full reload replaced this one.
	ErrSuperseded = errors.New("reachability: reload superseded")
	// ErrNoEmail means no signed-in user is known.
	ErrNoEmail = errors.New("reachability: no signed-in email")
)

// Directory is the remote device directory.
type Directory interface {
	SendEmailCode(ctx context.Context, email string) (string, error)
	Authenticate(ctx context.Context, code, reference string) (string, models.TokenBundle, error)
	FetchDevices(ctx context.Context, email string) ([]models.RemoteDevice, error)
	Logout(email string) error
}

// Prober checks candidate paths and local endpoints.
type Prober interface {
	ProbeAll(ctx context.Context, targets []probe.Target) probe.Results
	ProbeEndpoint(ctx context.Context, host string, port int) models.PathProbe
}

// Discovery publishes full snapshots of locally visible devices.
type Discovery interface {
	Updates() <-chan []models.LocalDevice
}

// StateStore persists what the service needs across restarts.
type StateStore interface {
	SetLastEmail(email string) error
	LastEmail() (string, error)
	SetLastCommonName(cn string) error
	LastCommonName() (string, error)
	SaveConnectedDevice(device models.ConnectedDevice) error
	LastConnectedDevice() (models.ConnectedDevice, error)
	ClearConnectedDevices() error
}

// Options configures a Service. Directory and Prober are required.
type Options struct {
	Directory Directory
	Prober    Prober
	Discovery Discovery
	Observer  netwatch.Observer
	State     StateStore
	Logger    *zap.Logger
	Clock     clock.Clock

	DebounceInterval time.Duration
	PeriodicInterval time.Duration
	// Scheme is used to build base URLs from paths.
	Scheme string
	// Manual disables the startup and periodic reloads. One-shot callers
	// that reload explicitly set it so no background reload supersedes them.
	Manual bool

	// OnBestURLChange is called from the service goroutine when the best
	// URL of the connected device changes. It must not block or call
	// methods other than CurrentBaseURL and Devices.
	OnBestURLChange func(cn string, u *url.URL)
}

// Service is the reachability resolution orchestrator.
type Service struct {
	directory Directory
	prober    Prober
	discovery Discovery
	observer  netwatch.Observer
	state     StateStore
	logger    *zap.Logger
	clock     clock.Clock
	periodic  time.Duration
	scheme    string
	manual    bool
	onChange  func(cn string, u *url.URL)

	cmds     chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce *debouncer
	urls     *urlCache
	devices  *broadcaster[[]models.MergedDevice]
	network  *broadcaster[bool]

	startOnce sync.Once
	closeOnce sync.Once

	bgMu    sync.Mutex
	closing bool
	bgWG    sync.WaitGroup

	snapMu    sync.RWMutex
	snapshot  []models.MergedDevice
	networkUp bool

	// Owned by the loop goroutine.
	email         string
	connectedCN   string
	remote        []models.RemoteDevice
	seeded        bool
	local         []models.LocalDevice
	probes        merge.Probes
	dataGen       uint64
	fullGen       uint64
	fullCancel    context.CancelFunc
	reprobing     bool
	lastReachable *bool
}

// New creates a service. Call Start to begin processing.
func New(opts Options) (*Service, error) {
	if opts.Directory == nil {
		return nil, errors.New("reachability: directory is required")
	}
	if opts.Prober == nil {
		return nil, errors.New("reachability: prober is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = DefaultDebounceInterval
	}
	if opts.PeriodicInterval <= 0 {
		opts.PeriodicInterval = DefaultPeriodicInterval
	}
	if opts.Scheme == "" {
		opts.Scheme = DefaultScheme
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		directory: opts.Directory,
		prober:    opts.Prober,
		discovery: opts.Discovery,
		observer:  opts.Observer,
		state:     opts.State,
		logger:    opts.Logger,
		clock:     opts.Clock,
		periodic:  opts.PeriodicInterval,
		scheme:    opts.Scheme,
		manual:    opts.Manual,
		onChange:  opts.OnBestURLChange,
		cmds:      make(chan func()),
		ctx:       ctx,
		cancel:    cancel,
		urls:      newURLCache(),
		devices:   newBroadcaster[[]models.MergedDevice](),
		network:   newBroadcaster[bool](),
		probes:    make(merge.Probes),
	}
	s.debounce = newDebouncer(opts.Clock, opts.DebounceInterval, s.onTriggers)
	return s, nil
}

// Start seeds state from the store and starts the service goroutines.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.bootstrap()

		s.wg.Add(1)
		go s.loop()
		if s.manual {
			return
		}

		s.wg.Add(1)
		go s.periodicLoop()
		s.debounce.trigger(SourceStartup)
	})
}

// Close stops the service and waits for background work to finish.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.bgMu.Lock()
		s.closing = true
		s.bgMu.Unlock()

		s.debounce.stop()
		s.cancel()
		s.wg.Wait()
		s.bgWG.Wait()

		s.devices.close()
		s.network.close()
	})
	return nil
}

// bootstrap runs before the loop starts, so it may touch loop state.
func (s *Service) bootstrap() {
	if s.state != nil {
		if email, err := s.state.LastEmail(); err == nil {
			s.email = email
		}
		if cn, err := s.state.LastCommonName(); err == nil {
			s.connectedCN = cn
		}
		if snap, err := s.state.LastConnectedDevice(); err == nil && snap.CertificateCommonName != "" {
			s.remote = []models.RemoteDevice{snap.RemoteDevice()}
			s.seeded = true
			s.dataGen++
			s.logger.Info("seeded device set from last connection",
				zap.String("certificate_common_name", snap.CertificateCommonName),
				zap.Int("paths", len(snap.Paths)),
			)
		}
	}
	s.rebuild()
}

func (s *Service) loop() {
	defer s.wg.Done()

	var localUpdates <-chan []models.LocalDevice
	if s.discovery != nil {
		localUpdates = s.discovery.Updates()
	}
	var networkUpdates <-chan netwatch.State
	if s.observer != nil {
		networkUpdates = s.observer.Updates()
	}

	for {
		select {
		case fn := <-s.cmds:
			fn()
		case devices, ok := <-localUpdates:
			if !ok {
				localUpdates = nil
				continue
			}
			s.applyLocal(devices)
		case st, ok := <-networkUpdates:
			if !ok {
				networkUpdates = nil
				continue
			}
			s.applyNetwork(st)
		case <-s.ctx.Done():
			if s.fullCancel != nil {
				s.fullCancel()
				s.fullCancel = nil
			}
			return
		}
	}
}

func (s *Service) periodicLoop() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.periodic)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.debounce.trigger(SourcePeriodic)
		case <-s.ctx.Done():
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it to finish.
func (s *Service) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}

	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// NotifyForeground records that the host process became active.
func (s *Service) NotifyForeground() {
	s.debounce.trigger(SourceForeground)
}

func (s *Service) onTriggers(fired triggerSet) {
	s.bgMu.Lock()
	if s.closing {
		s.bgMu.Unlock()
		return
	}
	s.bgWG.Add(1)
	s.bgMu.Unlock()
	defer s.bgWG.Done()

	email, err := s.Email(s.ctx)
	if err != nil {
		return
	}

	if fired.needsFullReload() && email != "" {
		if _, err := s.GetMergedDevices(s.ctx, email); err != nil {
			s.logBackgroundError("background reload", err)
		}
		return
	}
	if err := s.ReprobeExistingPaths(s.ctx); err != nil {
		s.logBackgroundError("background reprobe", err)
	}
}

func (s *Service) logBackgroundError(op string, err error) {
	switch {
	case errors.Is(err, ErrClosed), errors.Is(err, ErrSuperseded), errors.Is(err, context.Canceled):
		s.logger.Debug(op+" stopped", zap.Error(err))
	case errors.Is(err, remote.ErrUnauthorized):
		s.logger.Warn(op+": directory sign-in required, keeping known devices", zap.Error(err))
	default:
		s.logger.Info(op+" degraded, keeping known devices", zap.Error(err))
	}
}

// Email returns the signed-in email, or "" if none.
func (s *Service) Email(ctx context.Context) (string, error) {
	var email string
	err := s.do(ctx, func() { email = s.email })
	return email, err
}

// GetMergedDevices fetches the directory for email, probes every known
// path and publishes the merged list. It cancels any full reload already
// in flight. When the directory fetch fails the known device set is probed
// anyway and the merged list is returned together with the fetch error.
func (s *Service) GetMergedDevices(ctx context.Context, email string) ([]models.MergedDevice, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrNoEmail
	}

	reloadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	var gen uint64
	if err := s.do(ctx, func() {
		if s.fullCancel != nil {
			s.fullCancel()
		}
		s.fullGen++
		gen = s.fullGen
		s.fullCancel = cancel
	}); err != nil {
		return nil, err
	}
	defer func() {
		_ = s.do(context.Background(), func() {
			if s.fullGen == gen {
				s.fullCancel = nil
			}
		})
	}()

	fetched, fetchErr := s.directory.FetchDevices(reloadCtx, email)
	if err := s.abandoned(ctx, reloadCtx); err != nil {
		return nil, err
	}
	if fetchErr != nil {
		s.logger.Info("directory fetch failed, probing known devices",
			zap.String("email", email),
			zap.Error(fetchErr),
		)
	}

	var (
		targets    []probe.Target
		locals     []models.LocalDevice
		superseded bool
	)
	if err := s.do(ctx, func() {
		if gen != s.fullGen {
			superseded = true
			return
		}
		if fetchErr == nil {
			s.remote = fetched
			s.seeded = false
			s.dataGen++
			if s.email != email {
				s.email = email
				s.persist("last email", func(st StateStore) error { return st.SetLastEmail(email) })
			}
		} else if s.seeded {
			s.logger.Info("directory unavailable, probing seeded device")
		}
		targets, locals = s.probeTargets()
	}); err != nil {
		return nil, err
	}
	if superseded {
		metrics.RecordReload("full", "superseded")
		return nil, ErrSuperseded
	}

	results := s.collectProbes(reloadCtx, targets, locals)
	if err := s.abandoned(ctx, reloadCtx); err != nil {
		return nil, err
	}

	var devices []models.MergedDevice
	if err := s.do(ctx, func() {
		if gen != s.fullGen {
			superseded = true
			return
		}
		s.probes = results
		s.rebuild()
		devices = s.Devices()
	}); err != nil {
		return nil, err
	}
	if superseded {
		metrics.RecordReload("full", "superseded")
		return nil, ErrSuperseded
	}

	if fetchErr != nil {
		metrics.RecordReload("full", "degraded")
		return devices, fmt.Errorf("fetch devices: %w", fetchErr)
	}
	metrics.RecordReload("full", "ok")
	return devices, nil
}

// abandoned maps a cancelled reload to the caller's error or ErrSuperseded.
func (s *Service) abandoned(ctx, reloadCtx context.Context) error {
	if reloadCtx.Err() == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	metrics.RecordReload("full", "superseded")
	return ErrSuperseded
}

// ReprobeExistingPaths re-probes the known device set without a directory
// fetch. A call made while another reprobe is running returns immediately.
func (s *Service) ReprobeExistingPaths(ctx context.Context) error {
	var (
		skip    bool
		targets []probe.Target
		locals  []models.LocalDevice
		dataGen uint64
	)
	if err := s.do(ctx, func() {
		if s.reprobing {
			skip = true
			return
		}
		s.reprobing = true
		targets, locals = s.probeTargets()
		dataGen = s.dataGen
	}); err != nil {
		return err
	}
	if skip {
		metrics.RecordReload("reprobe", "skipped")
		return nil
	}
	defer func() {
		_ = s.do(context.Background(), func() { s.reprobing = false })
	}()

	results := s.collectProbes(ctx, targets, locals)
	if err := ctx.Err(); err != nil {
		return err
	}

	stale := false
	if err := s.do(ctx, func() {
		if dataGen != s.dataGen {
			stale = true
			return
		}
		s.probes = results
		s.rebuild()
	}); err != nil {
		return err
	}
	if stale {
		metrics.RecordReload("reprobe", "superseded")
		return nil
	}
	metrics.RecordReload("reprobe", "ok")
	return nil
}

// probeTargets must run on the loop goroutine.
func (s *Service) probeTargets() ([]probe.Target, []models.LocalDevice) {
	targets := make([]probe.Target, 0, len(s.remote))
	for _, rd := range s.remote {
		if rd.CertificateCommonName == "" {
			continue
		}
		targets = append(targets, probe.Target{
			CertificateCommonName: rd.CertificateCommonName,
			Paths:                 append([]models.RemotePath(nil), rd.Paths...),
		})
	}
	locals := make([]models.LocalDevice, 0, len(s.local))
	for _, ld := range s.local {
		if ld.Identified() {
			locals = append(locals, ld)
		}
	}
	return targets, locals
}

func (s *Service) collectProbes(ctx context.Context, targets []probe.Target, locals []models.LocalDevice) merge.Probes {
	var (
		results  probe.Results
		mu       sync.Mutex
		endpoint = make(map[string]map[string]models.PathProbe)
	)

	var g errgroup.Group
	g.Go(func() error {
		results = s.prober.ProbeAll(ctx, targets)
		return nil
	})
	for _, ld := range locals {
		g.Go(func() error {
			p := s.prober.ProbeEndpoint(ctx, ld.Host, ld.Port)
			mu.Lock()
			defer mu.Unlock()
			if endpoint[ld.CertificateCommonName] == nil {
				endpoint[ld.CertificateCommonName] = make(map[string]models.PathProbe)
			}
			endpoint[ld.CertificateCommonName][p.Source.Key()] = p
			return nil
		})
	}
	_ = g.Wait()

	out := make(merge.Probes, len(results)+len(endpoint))
	for cn, byKey := range results {
		out[cn] = byKey
	}
	for cn, byKey := range endpoint {
		if out[cn] == nil {
			out[cn] = make(map[string]models.PathProbe, len(byKey))
		}
		for key, p := range byKey {
			out[cn][key] = p
		}
	}
	return out
}

func (s *Service) applyLocal(devices []models.LocalDevice) {
	s.local = append([]models.LocalDevice(nil), devices...)
	s.debounce.trigger(SourceDiscovery)
	s.rebuild()
}

func (s *Service) applyNetwork(st netwatch.State) {
	prev := s.lastReachable
	reachable := st.Reachable
	s.lastReachable = &reachable
	if prev != nil && *prev == reachable {
		return
	}
	if reachable && prev != nil {
		s.debounce.trigger(SourceNetwork)
	}

	s.snapMu.Lock()
	s.networkUp = reachable
	s.snapMu.Unlock()
	s.network.publish(reachable)
}

// rebuild must run on the loop goroutine.
func (s *Service) rebuild() {
	merged := merge.Merge(s.local, s.remote, s.probes)
	s.updateBestURLs(merged)

	reachable := 0
	for _, m := range merged {
		if m.Reachability() == models.ReachabilityReachable {
			reachable++
		}
	}
	metrics.SetDeviceCounts(len(merged), reachable)

	s.snapMu.Lock()
	s.snapshot = merged
	s.snapMu.Unlock()
	s.devices.publish(merged)
}

// updateBestURLs writes a confirmed reachable path unconditionally. The
// optimistic fallbacks only fill an empty entry, so a transient loss never
// replaces or clears the last known URL.
func (s *Service) updateBestURLs(merged []models.MergedDevice) {
	var (
		connectedURL *url.URL
		changed      bool
	)
	for _, m := range merged {
		cn := m.CertificateCommonName()
		if cn == "" {
			continue
		}
		u, confirmed := s.bestURL(m)
		if u == nil || (!confirmed && s.urls.has(cn)) {
			continue
		}
		if s.urls.set(cn, u) {
			s.logger.Debug("best url updated",
				zap.String("certificate_common_name", cn),
				zap.String("url", u.String()),
				zap.Bool("confirmed", confirmed),
			)
			if cn == s.connectedCN {
				connectedURL, changed = u, true
			}
		}
	}
	if changed && s.onChange != nil {
		s.onChange(s.connectedCN, connectedURL)
	}
}

// bestURL picks the first reachable probe in order, else the first path in
// priority order, else the local discovery endpoint. Only a probe that
// actually ran counts as confirmed.
func (s *Service) bestURL(m models.MergedDevice) (*url.URL, bool) {
	if p, ok := m.ReachableProbe(); ok && p.Attempted() {
		return p.Source.URL(s.scheme), true
	}
	if m.Remote != nil {
		if p, ok := models.DefaultPath(m.Remote.Paths); ok {
			return p.URL(s.scheme), false
		}
	}
	if m.Local != nil {
		return m.Local.URL(s.scheme), false
	}
	return nil, false
}

// CurrentBaseURL returns the best URL for cn without waiting on any reload.
func (s *Service) CurrentBaseURL(cn string) (*url.URL, bool) {
	return s.urls.get(cn)
}

// Devices returns the last published merged list.
func (s *Service) Devices() []models.MergedDevice {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return append([]models.MergedDevice(nil), s.snapshot...)
}

// NetworkReachable returns the last observed network state.
func (s *Service) NetworkReachable() bool {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.networkUp
}

// Subscribe returns a channel that receives the merged list on every
// change, starting with the current one, and a function to unsubscribe.
func (s *Service) Subscribe() (<-chan []models.MergedDevice, func()) {
	ch := s.devices.subscribe()
	select {
	case ch <- s.Devices():
	default:
	}
	return ch, func() { s.devices.unsubscribe(ch) }
}

// SubscribeReachability returns a channel that receives network
// reachability on every transition.
func (s *Service) SubscribeReachability() (<-chan bool, func()) {
	ch := s.network.subscribe()
	return ch, func() { s.network.unsubscribe(ch) }
}

// SetConnected records cn as the device in use and persists a snapshot of
// it for the next launch.
func (s *Service) SetConnected(ctx context.Context, cn string) error {
	var persistErr error
	err := s.do(ctx, func() {
		s.connectedCN = cn
		if s.state == nil {
			return
		}
		persistErr = s.state.SetLastCommonName(cn)
		if cn == "" {
			return
		}
		if snap, ok := s.connectedSnapshot(cn); ok {
			persistErr = multierr.Append(persistErr, s.state.SaveConnectedDevice(snap))
		}
	})
	return multierr.Combine(err, persistErr)
}

// connectedSnapshot must run on the loop goroutine.
func (s *Service) connectedSnapshot(cn string) (models.ConnectedDevice, bool) {
	for _, m := range s.Devices() {
		if m.CertificateCommonName() != cn {
			continue
		}
		snap := models.ConnectedDevice{CertificateCommonName: cn, ConnectedAt: s.clock.Now()}
		if m.Remote != nil {
			snap.DeviceID = m.Remote.DeviceID
			snap.FriendlyName = m.Remote.FriendlyName
			snap.Hostname = m.Remote.Hostname
			snap.Paths = append([]models.RemotePath(nil), m.Remote.Paths...)
		}
		if m.Local != nil {
			if snap.FriendlyName == "" {
				snap.FriendlyName = m.Local.Name
			}
			if len(snap.Paths) == 0 {
				snap.Paths = []models.RemotePath{models.NewRemotePath(models.PathKindLocal, m.Local.Host, m.Local.Port)}
			}
		}
		return snap, true
	}
	return models.ConnectedDevice{}, false
}

// SendEmailCode starts sign-in for email and returns the server reference.
func (s *Service) SendEmailCode(ctx context.Context, email string) (string, error) {
	return s.directory.SendEmailCode(ctx, email)
}

// ValidateEmailCode completes sign-in and returns the signed-in email.
func (s *Service) ValidateEmailCode(ctx context.Context, code, reference string) (string, error) {
	email, _, err := s.directory.Authenticate(ctx, code, reference)
	if err != nil {
		return "", err
	}
	if err := s.do(ctx, func() {
		s.email = email
		s.persist("last email", func(st StateStore) error { return st.SetLastEmail(email) })
	}); err != nil {
		return email, err
	}
	return email, nil
}

// Logout forgets the user's tokens, the directory devices, the best URLs
// and the persisted connection snapshot. Locally discovered devices stay.
func (s *Service) Logout(ctx context.Context) error {
	var email string
	var persistErr error
	err := s.do(ctx, func() {
		email = s.email
		if s.fullCancel != nil {
			s.fullCancel()
			s.fullCancel = nil
		}
		s.fullGen++
		s.dataGen++
		s.remote = nil
		s.seeded = false
		s.probes = make(merge.Probes)
		s.email = ""
		s.connectedCN = ""
		s.urls.clear()
		s.rebuild()

		if s.state != nil {
			persistErr = multierr.Combine(
				s.state.SetLastEmail(""),
				s.state.SetLastCommonName(""),
				s.state.ClearConnectedDevices(),
			)
		}
	})
	if err != nil {
		return err
	}
	if email != "" {
		persistErr = multierr.Append(persistErr, s.directory.Logout(email))
	}
	s.logger.Info("signed out", zap.String("email", email))
	return persistErr
}

// persist must run on the loop goroutine. Failures are logged only.
func (s *Service) persist(what string, fn func(StateStore) error) {
	if s.state == nil {
		return
	}
	if err := fn(s.state); err != nil {
		s.logger.Warn("persist "+what+" failed", zap.Error(err))
	}
}
