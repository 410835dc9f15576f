package mediator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"meshcdn/internal/network"
	"meshcdn/internal/proto"
)

func (m *Mediator) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Error("loop stopped", zap.String("loop", name), zap.Error(err))
			return fmt.Errorf("%s loop: %w", name, err)
		}
	}
}

// guarded keeps a best-effort loop alive across errors and panics.
func (m *Mediator) guarded(name string, tick func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("loop tick panicked", zap.String("loop", name), zap.Any("panic", r))
			}
		}()
		if err := tick(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("loop tick failed", zap.String("loop", name), zap.Error(err))
		}
		return nil
	}
}

func (m *Mediator) dialTick(ctx context.Context) error {
	if m.atHalfCapacity() {
		return nil
	}
	target, ok := m.pickDialTarget()
	if !ok {
		return nil
	}
	if m.dial(ctx, target) {
		m.mu.Lock()
		m.cloud.promote(target)
		m.metrics.SetCloudSize(m.cloud.Len())
		m.mu.Unlock()
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	m.mu.Lock()
	m.cloud.evict(target)
	m.metrics.SetCloudSize(m.cloud.Len())
	m.mu.Unlock()
	return nil
}

// pickDialTarget returns a random cloud profile none of whose addresses is
// connected or was dialed recently.
func (m *Mediator) pickDialTarget() (proto.NodeProfile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ignore := mapset.NewThreadUnsafeSet[string]()
	for _, cs := range m.conns {
		ignore.Add(cs.address)
	}
	ignore.Append(m.connectedAddrs.Values()...)

	candidates := m.cloud.snapshot()
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	for _, p := range candidates {
		if !ignore.ContainsAny(p.Addresses...) {
			return p, true
		}
	}
	return proto.NodeProfile{}, false
}

// dial tries every address of target over every transport until one
// handshake succeeds.
func (m *Mediator) dial(ctx context.Context, target proto.NodeProfile) bool {
	for _, addr := range target.Addresses {
		for _, t := range m.opts.Transports {
			if ctx.Err() != nil {
				return false
			}
			conn, err := t.Connect(ctx, addr, ServiceName)
			if errors.Is(err, network.ErrUnsupportedAddress) {
				continue
			}
			m.metrics.IncDialAttempt()
			if err != nil {
				m.limiter.RateLimited(m.log, "dial:"+addr, time.Minute, "connect failed", zap.String("addr", addr), zap.Error(err))
				continue
			}
			m.mu.Lock()
			m.connectedAddrs.Add(addr)
			m.mu.Unlock()
			if _, err := m.handshake(ctx, conn, addr, Dialed); err == nil {
				m.metrics.IncDialSuccess()
				return true
			}
		}
	}
	return false
}

func (m *Mediator) acceptTick(ctx context.Context) error {
	if m.atHalfCapacity() {
		return nil
	}
	for _, t := range m.opts.Transports {
		actx, cancel := context.WithTimeout(ctx, m.opts.AcceptWait)
		conn, addr, err := t.Accept(actx, ServiceName)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		m.metrics.IncAccepted()
		_, _ = m.handshake(ctx, conn, addr, Accepted)
	}
	return nil
}

func (m *Mediator) sendTick(ctx context.Context) error {
	for _, cs := range m.connections() {
		msg := cs.pending()
		if msg == nil {
			continue
		}
		payload, err := proto.EncodeData(*msg)
		if err != nil {
			m.log.Warn("dropping unencodable message", zap.String("peer", cs.address), zap.Error(err))
			m.metrics.IncDropByReason("encode")
			cs.clearSending(msg)
			continue
		}
		ok, err := cs.conn.TryEnqueue(payload)
		if err != nil {
			m.removeConnection(cs, "send", err)
			continue
		}
		if !ok {
			continue
		}
		cs.clearSending(msg)
		m.metrics.IncMessagesSent()
	}
	return nil
}

func (m *Mediator) receiveTick(ctx context.Context) error {
	for _, cs := range m.connections() {
		payload, ok, err := cs.conn.TryDequeue()
		if err != nil {
			m.removeConnection(cs, "receive", err)
			continue
		}
		if !ok {
			continue
		}
		msg, err := proto.DecodeData(payload)
		if err != nil {
			m.removeConnection(cs, "decode", err)
			continue
		}
		m.merge(cs, msg)
		m.metrics.IncMessagesReceived()
	}
	return nil
}

// merge folds one peer's data message into gossip state.
func (m *Mediator) merge(cs *ConnectionStatus, msg proto.DataMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range msg.PushNodeProfiles {
		m.cloud.add(p)
	}
	for _, loc := range msg.PushResourceLocations {
		m.pushLocations.AddRange(loc.Tag, loc.NodeProfiles)
	}
	for _, loc := range msg.GiveResourceLocations {
		m.giveLocations.AddRange(loc.Tag, loc.NodeProfiles)
	}
	m.metrics.SetCloudSize(m.cloud.Len())

	cs.mu.Lock()
	cs.receivedWants.AddRange(msg.WantResourceLocations)
	cs.mu.Unlock()
}
