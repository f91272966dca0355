package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"homereach/metrics"
	"homereach/models"
)

type instanceState int

const (
	stateDiscovered instanceState = iota
	stateIdentifying
	stateIdentified
)

func (s instanceState) String() string {
	switch s {
	case stateIdentifying:
		return "identifying"
	case stateIdentified:
		return "identified"
	default:
		return "discovered"
	}
}

type identity struct {
	commonName string
	oobeDone   bool
}

type instance struct {
	name     string
	host     string
	port     int
	state    instanceState
	identity identity
	lastSeen time.Time
}

func (i *instance) hostPort() string {
	return models.LocalDevice{Host: i.host, Port: i.port}.HostPort()
}

func (i *instance) device() models.LocalDevice {
	d := models.LocalDevice{Name: i.name, Host: i.host, Port: i.port}
	if i.state == stateIdentified {
		d.CertificateCommonName = i.identity.commonName
		d.OOBEIsDone = i.identity.oobeDone
	}
	return d
}

type sighting struct {
	name string
	host string
	port int
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner keeps the set of locally visible devices current with periodic
// and manual mDNS browse windows.
type Scanner struct {
	cfg Config

	browse     browseFunc
	identities *lru.Cache[string, identity]

	mu        sync.RWMutex
	instances map[string]*instance
	published []models.LocalDevice

	updates chan []models.LocalDevice

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	identities, err := lru.New[string, identity](cfg.IdentityCacheSize)
	if err != nil {
		return nil, err
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		identities:      identities,
		instances:       make(map[string]*instance),
		updates:         make(chan []models.LocalDevice, 1),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops scanning and closes the updates channel.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.updates)
	})
}

// Updates delivers the full device set after every change. Only the most
// recent set is buffered.
func (s *Scanner) Updates() <-chan []models.LocalDevice {
	return s.updates
}

// Refresh runs an immediate browse window.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}
}

// Devices returns the current snapshot sorted by name.
func (s *Scanner) Devices() []models.LocalDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	var (
		collected   []*zeroconf.ServiceEntry
		collectedMu sync.Mutex
	)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if entry == nil || entry.Port <= 0 {
					continue
				}
				collectedMu.Lock()
				collected = append(collected, entry)
				collectedMu.Unlock()
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	if s.ctx.Err() != nil {
		return errors.New("scanner is stopped")
	}

	collectedMu.Lock()
	raw := collected
	collectedMu.Unlock()

	seen := make(map[string]sighting, len(raw))
	for _, entry := range raw {
		name := instanceName(entry)
		if _, dup := seen[name]; dup {
			continue
		}
		host, err := s.resolveAddress(s.ctx, entry)
		if err != nil {
			s.cfg.Logger.Debug("skipping instance",
				zap.String("instance", name),
				zap.Error(err),
			)
			continue
		}
		seen[name] = sighting{name: name, host: host, port: entry.Port}
	}

	s.applySightings(seen)

	// A timeout just means this browse window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Scanner) applySightings(seen map[string]sighting) {
	now := s.cfg.now()

	s.mu.Lock()
	var toIdentify []*instance
	for name, sight := range seen {
		inst, exists := s.instances[name]
		if !exists || inst.host != sight.host || inst.port != sight.port {
			inst = &instance{name: name, host: sight.host, port: sight.port}
			s.instances[name] = inst
		}
		inst.lastSeen = now

		if inst.state == stateDiscovered {
			if id, ok := s.identities.Get(inst.hostPort()); ok {
				inst.identity = id
				inst.state = stateIdentified
			} else {
				inst.state = stateIdentifying
				toIdentify = append(toIdentify, inst)
			}
		}
	}
	for name, inst := range s.instances {
		if now.Sub(inst.lastSeen) > s.cfg.StaleAfter {
			s.cfg.Logger.Debug("dropping stale instance",
				zap.String("instance", name),
				zap.Stringer("state", inst.state),
			)
			delete(s.instances, name)
		}
	}
	s.publishLocked()
	s.mu.Unlock()

	for _, inst := range toIdentify {
		s.wg.Add(1)
		go s.identify(inst.name, inst.host, inst.port)
	}
}

func (s *Scanner) identify(name, host string, port int) {
	defer s.wg.Done()

	hostPort := models.LocalDevice{Host: host, Port: port}.HostPort()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.IdentityTimeout)
	defer cancel()

	status, about, err := s.cfg.Identifier.Identify(ctx, hostPort)

	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[name]
	if !ok || inst.host != host || inst.port != port || inst.state != stateIdentifying {
		return
	}
	if err != nil || about.CertificateCommonName == "" || status.State != models.DeviceStateReady {
		s.cfg.Logger.Debug("identity probe failed",
			zap.String("instance", name),
			zap.String("endpoint", hostPort),
			zap.String("state", string(status.State)),
			zap.Error(err),
		)
		inst.state = stateDiscovered
		return
	}

	id := identity{commonName: about.CertificateCommonName, oobeDone: status.OOBEDone}
	s.identities.Add(hostPort, id)
	inst.identity = id
	inst.state = stateIdentified
	s.cfg.Logger.Info("local device identified",
		zap.String("instance", name),
		zap.String("endpoint", hostPort),
		zap.String("certificate_common_name", id.commonName),
	)
	s.publishLocked()
}

func (s *Scanner) snapshotLocked() []models.LocalDevice {
	out := make([]models.LocalDevice, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.device())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].HostPort() < out[j].HostPort()
	})
	return out
}

// publishLocked emits the snapshot if it differs from the last one sent.
func (s *Scanner) publishLocked() {
	next := s.snapshotLocked()
	if devicesEqual(s.published, next) {
		return
	}
	s.published = next
	metrics.SetLocalDevices(len(next))

	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- append([]models.LocalDevice(nil), next...):
	default:
	}
}

func instanceName(entry *zeroconf.ServiceEntry) string {
	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}
	return name
}

func devicesEqual(a, b []models.LocalDevice) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
