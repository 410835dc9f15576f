package mediator

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"meshcdn/internal/kademlia"
	"meshcdn/internal/proto"
)

// profileSet keeps distinct profiles in first-seen order.
type profileSet struct {
	seen map[string]struct{}
	list []proto.NodeProfile
}

func (s *profileSet) add(ps ...proto.NodeProfile) {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	for _, p := range ps {
		k := p.Key()
		if _, ok := s.seen[k]; ok {
			continue
		}
		s.seen[k] = struct{}{}
		s.list = append(s.list, p)
	}
}

// locationMap is an insertion-ordered tag -> profiles multimap.
type locationMap struct {
	index map[proto.ResourceTag]*profileSet
	order []proto.ResourceTag
}

func newLocationMap() *locationMap {
	return &locationMap{index: make(map[proto.ResourceTag]*profileSet)}
}

func (lm *locationMap) add(tag proto.ResourceTag, ps ...proto.NodeProfile) {
	set, ok := lm.index[tag]
	if !ok {
		set = &profileSet{}
		lm.index[tag] = set
		lm.order = append(lm.order, tag)
	}
	set.add(ps...)
}

func (lm *locationMap) get(tag proto.ResourceTag) ([]proto.NodeProfile, bool) {
	set, ok := lm.index[tag]
	if !ok {
		return nil, false
	}
	return set.list, true
}

// tagSet is an insertion-ordered set of tags.
type tagSet struct {
	seen  map[proto.ResourceTag]struct{}
	order []proto.ResourceTag
}

func (s *tagSet) add(tags ...proto.ResourceTag) {
	if s.seen == nil {
		s.seen = make(map[proto.ResourceTag]struct{})
	}
	for _, t := range tags {
		if _, ok := s.seen[t]; ok {
			continue
		}
		s.seen[t] = struct{}{}
		s.order = append(s.order, t)
	}
}

// outgoing accumulates one peer's next data message.
type outgoing struct {
	cs    *ConnectionStatus
	push  []proto.ResourceLocation
	wants []proto.ResourceTag
	give  []proto.ResourceLocation
}

func (m *Mediator) computeTick(ctx context.Context) error {
	m.refresh()

	publish, want := m.collectTags()
	myProfile, err := m.MyNodeProfile(ctx)
	if err != nil {
		return fmt.Errorf("compute: %w", err)
	}

	contentLocations := newLocationMap()
	pushLocations := newLocationMap()
	wanted := &tagSet{}
	for _, tag := range publish {
		contentLocations.add(tag, myProfile)
		pushLocations.add(tag, myProfile)
	}
	wanted.add(want...)

	m.mu.Lock()
	cloud := m.cloud.snapshot()
	conns := append([]*ConnectionStatus(nil), m.conns...)
	for tag, profiles := range m.pushLocations.All() {
		contentLocations.add(tag, profiles...)
		pushLocations.add(tag, profiles...)
	}
	for tag, profiles := range m.giveLocations.All() {
		contentLocations.add(tag, profiles...)
	}
	m.mu.Unlock()

	elements := make([]kademlia.Element[*outgoing], 0, len(conns))
	for _, cs := range conns {
		elements = append(elements, kademlia.Element[*outgoing]{ID: cs.id, Value: &outgoing{cs: cs}})
		cs.mu.Lock()
		wanted.add(cs.receivedWants.Values()...)
		cs.mu.Unlock()
	}

	for _, tag := range pushLocations.order {
		profiles, _ := pushLocations.get(tag)
		for _, e := range kademlia.Search(kademlia.NodeID(tag.Hash.Value), elements, 1) {
			e.Value.push = append(e.Value.push, proto.ResourceLocation{Tag: tag, NodeProfiles: truncate(profiles, proto.MaxNodeProfilesPerLocation)})
		}
	}
	for _, tag := range wanted.order {
		for _, e := range kademlia.Search(kademlia.NodeID(tag.Hash.Value), elements, 1) {
			e.Value.wants = append(e.Value.wants, tag)
		}
	}
	for _, e := range elements {
		e.Value.cs.mu.Lock()
		asked := e.Value.cs.receivedWants.Values()
		e.Value.cs.mu.Unlock()
		for _, tag := range asked {
			profiles, ok := contentLocations.get(tag)
			if !ok {
				continue
			}
			e.Value.give = append(e.Value.give, proto.ResourceLocation{Tag: tag, NodeProfiles: truncate(profiles, proto.MaxNodeProfilesPerLocation)})
		}
	}

	pushProfiles := truncate(cloud, proto.MaxPushNodeProfilesCount)
	for _, e := range elements {
		msg := proto.DataMessage{
			PushNodeProfiles:      pushProfiles,
			PushResourceLocations: truncate(e.Value.push, proto.MaxPushResourceLocations),
			WantResourceLocations: truncate(e.Value.wants, proto.MaxWantResourceLocations),
			GiveResourceLocations: truncate(e.Value.give, proto.MaxGiveResourceLocations),
		}
		fitted, _, err := proto.FitData(msg)
		if err != nil {
			m.log.Warn("outgoing message invalid", zap.String("peer", e.Value.cs.address), zap.Error(err))
			m.metrics.IncDropByReason("encode")
			e.Value.cs.setSending(nil)
			continue
		}
		if dropped := msg.Entries() - fitted.Entries(); dropped > 0 {
			m.limiter.RateLimited(m.log, "trim:"+e.Value.cs.address, time.Minute, "outgoing message trimmed to frame size",
				zap.String("peer", e.Value.cs.address), zap.Int("dropped", dropped))
		}
		e.Value.cs.setSending(&fitted)
	}

	m.metrics.IncComputeCycles()
	m.metrics.SetCloudSize(len(cloud))
	m.log.Debug("compute cycle",
		zap.Int("peers", len(elements)),
		zap.Int("publish", len(publish)),
		zap.Int("wanted", len(wanted.order)),
		zap.Int("known_locations", len(contentLocations.order)))
	return nil
}

// refresh expires every TTL collection.
func (m *Mediator) refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectedAddrs.Refresh()
	m.pushLocations.Refresh()
	m.giveLocations.Refresh()
	for _, cs := range m.conns {
		cs.mu.Lock()
		cs.receivedWants.Refresh()
		cs.mu.Unlock()
	}
}

// collectTags polls the providers and records their engine names as
// advertised services.
func (m *Mediator) collectTags() (publish, want []proto.ResourceTag) {
	publishProviders, wantProviders := m.providers()
	names := mapset.NewSet[string]()
	for _, p := range publishProviders {
		for _, tag := range p.ResourceTags() {
			if tag.Validate() != nil {
				continue
			}
			names.Add(tag.EngineName)
			publish = append(publish, tag)
		}
	}
	for _, p := range wantProviders {
		for _, tag := range p.ResourceTags() {
			if tag.Validate() != nil {
				continue
			}
			names.Add(tag.EngineName)
			want = append(want, tag)
		}
	}
	m.setEngineNames(names)
	return publish, want
}

func truncate[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
