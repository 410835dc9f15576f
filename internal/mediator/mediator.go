package mediator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshcdn/internal/debuglog"
	"meshcdn/internal/kademlia"
	"meshcdn/internal/metrics"
	"meshcdn/internal/network"
	"meshcdn/internal/proto"
	"meshcdn/internal/volatile"
)

// ServiceName identifies the mediator on transports and in node profiles.
const ServiceName = "ckad_mediator"

const (
	defaultMaxConnections   = 32
	defaultDialInterval     = 1 * time.Second
	defaultAcceptInterval   = 1 * time.Second
	defaultSendInterval     = 1 * time.Second
	defaultReceiveInterval  = 1 * time.Second
	defaultComputeInterval  = 30 * time.Second
	defaultHandshakeTimeout = 20 * time.Second
	defaultAcceptWait       = 200 * time.Millisecond

	connectedAddressTTL = 3 * time.Minute
	locationTTL         = 30 * time.Minute
)

var (
	ErrStarted    = errors.New("mediator already started")
	ErrNotStarted = errors.New("mediator not started")
)

type Options struct {
	Transports     []network.Transport
	MaxConnections int

	DialInterval     time.Duration
	AcceptInterval   time.Duration
	SendInterval     time.Duration
	ReceiveInterval  time.Duration
	ComputeInterval  time.Duration
	HandshakeTimeout time.Duration
	// AcceptWait bounds each Accept call inside one accept tick.
	AcceptWait time.Duration

	// ID fixes the node id; zero draws a random one.
	ID      kademlia.NodeID
	Clock   volatile.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = defaultMaxConnections
	}
	if o.DialInterval <= 0 {
		o.DialInterval = defaultDialInterval
	}
	if o.AcceptInterval <= 0 {
		o.AcceptInterval = defaultAcceptInterval
	}
	if o.SendInterval <= 0 {
		o.SendInterval = defaultSendInterval
	}
	if o.ReceiveInterval <= 0 {
		o.ReceiveInterval = defaultReceiveInterval
	}
	if o.ComputeInterval <= 0 {
		o.ComputeInterval = defaultComputeInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.AcceptWait <= 0 {
		o.AcceptWait = defaultAcceptWait
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
}

// TagProvider enumerates the resource tags one local engine publishes or
// wants. It is called once per compute cycle and must not block.
type TagProvider interface {
	ResourceTags() []proto.ResourceTag
}

type TagProviderFunc func() []proto.ResourceTag

func (f TagProviderFunc) ResourceTags() []proto.ResourceTag {
	return f()
}

// Mediator keeps a bounded set of peer connections and gossips node profiles
// and resource locations across them.
type Mediator struct {
	opts    Options
	id      kademlia.NodeID
	log     *zap.Logger
	metrics *metrics.Metrics
	limiter *debuglog.Limiter

	// mu guards conns, cloud, connectedAddrs, pushLocations, giveLocations.
	mu             sync.Mutex
	conns          []*ConnectionStatus
	cloud          *cloudList
	connectedAddrs *volatile.Set[string]
	pushLocations  *volatile.ListMap[proto.ResourceTag, proto.NodeProfile]
	giveLocations  *volatile.ListMap[proto.ResourceTag, proto.NodeProfile]

	providersMu      sync.RWMutex
	publishProviders []TagProvider
	wantProviders    []TagProvider

	servicesMu  sync.RWMutex
	engineNames mapset.Set[string]

	runMu   sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func New(opts Options) (*Mediator, error) {
	opts.applyDefaults()
	id := opts.ID
	if id.IsZero() {
		var err error
		id, err = kademlia.NewNodeID()
		if err != nil {
			return nil, fmt.Errorf("node id: %w", err)
		}
	}
	log := debuglog.OrNop(opts.Logger).With(zap.String("component", "mediator"), zap.String("id", id.Short()))
	profileKey := func(p proto.NodeProfile) string { return p.Key() }
	return &Mediator{
		opts:           opts,
		id:             id,
		log:            log,
		metrics:        opts.Metrics,
		limiter:        debuglog.NewLimiter(),
		cloud:          newCloudList(maxCloudProfiles),
		connectedAddrs: volatile.NewSet[string](connectedAddressTTL, opts.Clock),
		pushLocations:  volatile.NewListMapFunc[proto.ResourceTag](locationTTL, opts.Clock, profileKey),
		giveLocations:  volatile.NewListMapFunc[proto.ResourceTag](locationTTL, opts.Clock, profileKey),
		engineNames:    mapset.NewSet[string](),
	}, nil
}

func (m *Mediator) ID() kademlia.NodeID {
	return m.id
}

func (m *Mediator) Metrics() *metrics.Metrics {
	return m.metrics
}

func (m *Mediator) RegisterPublishProvider(p TagProvider) {
	m.providersMu.Lock()
	defer m.providersMu.Unlock()
	m.publishProviders = append(m.publishProviders, p)
}

func (m *Mediator) RegisterWantProvider(p TagProvider) {
	m.providersMu.Lock()
	defer m.providersMu.Unlock()
	m.wantProviders = append(m.wantProviders, p)
}

func (m *Mediator) providers() (publish, want []TagProvider) {
	m.providersMu.RLock()
	defer m.providersMu.RUnlock()
	return append([]TagProvider(nil), m.publishProviders...), append([]TagProvider(nil), m.wantProviders...)
}

func (m *Mediator) setEngineNames(names mapset.Set[string]) {
	m.servicesMu.Lock()
	m.engineNames = names
	m.servicesMu.Unlock()
}

// services is the mediator's own service followed by the engine names seen
// in the last compute cycle, sorted and capped so the profile stays valid.
func (m *Mediator) services() []string {
	m.servicesMu.RLock()
	names := m.engineNames.ToSlice()
	m.servicesMu.RUnlock()
	sort.Strings(names)
	out := make([]string, 0, min(len(names)+1, proto.MaxServicesCount))
	out = append(out, ServiceName)
	for _, n := range names {
		if len(out) == proto.MaxServicesCount {
			break
		}
		if n != ServiceName {
			out = append(out, n)
		}
	}
	return out
}

// MyNodeProfile collects listen endpoints from every transport.
func (m *Mediator) MyNodeProfile(ctx context.Context) (proto.NodeProfile, error) {
	var addrs []string
	for _, t := range m.opts.Transports {
		eps, err := t.ListenEndpoints(ctx)
		if err != nil {
			return proto.NodeProfile{}, fmt.Errorf("listen endpoints: %w", err)
		}
		addrs = append(addrs, eps...)
	}
	return proto.NewNodeProfile(addrs, m.services()), nil
}

// AddCloudNodeProfiles seeds dial candidates and returns how many were new.
func (m *Mediator) AddCloudNodeProfiles(profiles ...proto.NodeProfile) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, p := range profiles {
		if p.Validate() != nil {
			continue
		}
		if m.cloud.add(p) {
			added++
		}
	}
	m.metrics.SetCloudSize(m.cloud.Len())
	return added
}

func (m *Mediator) CloudNodeProfiles() []proto.NodeProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cloud.snapshot()
}

// FindNodeProfiles returns every profile known to serve tag, from both
// pushed and given locations.
func (m *Mediator) FindNodeProfiles(tag proto.ResourceTag) []proto.NodeProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []proto.NodeProfile
	for _, src := range []*volatile.ListMap[proto.ResourceTag, proto.NodeProfile]{m.pushLocations, m.giveLocations} {
		profiles, ok := src.TryGetValue(tag)
		if !ok {
			continue
		}
		for _, p := range profiles {
			if _, dup := seen[p.Key()]; dup {
				continue
			}
			seen[p.Key()] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Start launches the dial, accept, send, receive and compute loops.
func (m *Mediator) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		return ErrStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	// a fatal loop error cancels ctx for the remaining loops
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.runLoop(ctx, "dial", m.opts.DialInterval, m.guarded("dial", m.dialTick)) })
	g.Go(func() error {
		return m.runLoop(ctx, "accept", m.opts.AcceptInterval, m.guarded("accept", m.acceptTick))
	})
	g.Go(func() error { return m.runLoop(ctx, "send", m.opts.SendInterval, m.sendTick) })
	g.Go(func() error { return m.runLoop(ctx, "receive", m.opts.ReceiveInterval, m.receiveTick) })
	g.Go(func() error { return m.runLoop(ctx, "compute", m.opts.ComputeInterval, m.computeTick) })
	m.started = true
	m.cancel = cancel
	m.group = g
	m.log.Info("mediator started", zap.Int("max_connections", m.opts.MaxConnections))
	return nil
}

// Wait blocks until every loop has exited and returns the first fatal loop
// error.
func (m *Mediator) Wait() error {
	m.runMu.Lock()
	g := m.group
	m.runMu.Unlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

// Close stops the loops, closes all connections, then the transports.
func (m *Mediator) Close() error {
	m.runMu.Lock()
	cancel, g := m.cancel, m.group
	m.runMu.Unlock()
	var loopErr error
	if cancel != nil {
		cancel()
		loopErr = g.Wait()
	}

	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, cs := range conns {
		_ = cs.conn.Close()
	}
	m.metrics.SetCurrentConns(0)

	var errs []error
	if loopErr != nil {
		errs = append(errs, loopErr)
	}
	for _, t := range m.opts.Transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
