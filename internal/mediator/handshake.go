package mediator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshcdn/internal/kademlia"
	"meshcdn/internal/metrics"
	"meshcdn/internal/network"
	"meshcdn/internal/proto"
)

// SupportedVersions lists the protocol versions this node speaks.
var SupportedVersions = []proto.Version{proto.Version1}

type HandshakeReason int

const (
	ReasonVersionMismatch HandshakeReason = iota + 1
	ReasonAdmissionRejected
	ReasonTimeout
	ReasonTransport
	ReasonProtocol
	ReasonCanceled
)

func (r HandshakeReason) String() string {
	switch r {
	case ReasonVersionMismatch:
		return "version_mismatch"
	case ReasonAdmissionRejected:
		return "admission_rejected"
	case ReasonTimeout:
		return "timeout"
	case ReasonTransport:
		return "transport"
	case ReasonProtocol:
		return "protocol"
	case ReasonCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type HandshakeError struct {
	Reason HandshakeReason
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err == nil {
		return "handshake: " + e.Reason.String()
	}
	return fmt.Sprintf("handshake: %s: %v", e.Reason, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// handshake negotiates a version, swaps profiles and registers the peer. On
// any failure conn is closed and nothing is retained.
func (m *Mediator) handshake(ctx context.Context, conn network.Conn, addr string, dir Direction) (*ConnectionStatus, error) {
	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	cs, err := m.runHandshake(hctx, conn, addr, dir)
	if err != nil {
		_ = conn.Close()
		var herr *HandshakeError
		if !errors.As(err, &herr) {
			herr = &HandshakeError{Reason: classify(ctx, hctx, err, ReasonTransport), Err: err}
		}
		m.metrics.IncHandshakeFailure(herr.Reason.String())
		if herr.Reason == ReasonAdmissionRejected {
			m.metrics.IncAdmissionRejected()
		}
		m.metrics.Recent().Add(metrics.Event{At: time.Now().UTC(), Kind: "handshake_" + herr.Reason.String(), Peer: addr, Detail: errString(herr.Err)})
		m.log.Debug("handshake failed", zap.String("addr", addr), zap.Stringer("direction", dir), zap.Error(herr))
		return nil, herr
	}
	m.metrics.IncHandshakeSuccess()
	m.log.Info("peer connected", zap.String("addr", addr), zap.Stringer("direction", dir), zap.String("peer", cs.id.Short()))
	return cs, nil
}

func (m *Mediator) runHandshake(ctx context.Context, conn network.Conn, addr string, dir Direction) (*ConnectionStatus, error) {
	hello, err := proto.EncodeHello(proto.HelloMessage{Versions: SupportedVersions})
	if err != nil {
		return nil, &HandshakeError{Reason: ReasonProtocol, Err: err}
	}
	payload, err := exchange(ctx, conn, hello)
	if err != nil {
		return nil, err
	}
	theirHello, err := proto.DecodeHello(payload)
	if err != nil {
		return nil, &HandshakeError{Reason: ReasonProtocol, Err: err}
	}
	version, ok := proto.NegotiateVersion(SupportedVersions, theirHello.Versions)
	if !ok {
		return nil, &HandshakeError{Reason: ReasonVersionMismatch, Err: fmt.Errorf("ours %v theirs %v", SupportedVersions, theirHello.Versions)}
	}
	if version != proto.Version1 {
		return nil, &HandshakeError{Reason: ReasonVersionMismatch, Err: fmt.Errorf("no profile exchange for version %d", version)}
	}

	myProfile, err := m.MyNodeProfile(ctx)
	if err != nil {
		return nil, &HandshakeError{Reason: ReasonTransport, Err: err}
	}
	mine, err := proto.EncodeProfile(proto.ProfileMessage{ID: m.id[:], Profile: myProfile})
	if err != nil {
		return nil, &HandshakeError{Reason: ReasonProtocol, Err: err}
	}
	payload, err = exchange(ctx, conn, mine)
	if err != nil {
		return nil, err
	}
	theirs, err := proto.DecodeProfile(payload)
	if err != nil {
		return nil, &HandshakeError{Reason: ReasonProtocol, Err: err}
	}
	id, err := kademlia.NodeIDFromBytes(theirs.ID)
	if err != nil {
		return nil, &HandshakeError{Reason: ReasonProtocol, Err: err}
	}
	if err := m.canAdd(id); err != nil {
		return nil, &HandshakeError{Reason: ReasonAdmissionRejected, Err: err}
	}

	cs := newConnectionStatus(conn, addr, dir, theirs.Profile, id, m.opts.Clock)
	m.mu.Lock()
	err = m.insertLocked(cs)
	m.mu.Unlock()
	if err != nil {
		return nil, &HandshakeError{Reason: ReasonAdmissionRejected, Err: err}
	}
	return cs, nil
}

// exchange sends ours and receives theirs at the same time, so two peers doing
// the same never wait on each other.
func exchange(ctx context.Context, conn network.Conn, ours []byte) ([]byte, error) {
	var theirs []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return conn.Enqueue(gctx, ours)
	})
	g.Go(func() error {
		payload, err := conn.Dequeue(gctx)
		if err != nil {
			return err
		}
		theirs = payload
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return theirs, nil
}

func classify(parent, hctx context.Context, err error, fallback HandshakeReason) HandshakeReason {
	switch {
	case parent.Err() != nil:
		return ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded), hctx.Err() != nil:
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, network.ErrClosed):
		return ReasonTransport
	default:
		return fallback
	}
}
