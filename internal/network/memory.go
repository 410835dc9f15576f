package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshcdn/internal/debuglog"
)

var ErrNoListener = errors.New("no listener at address")

// MemoryHub links in-process transports by name. Addresses look like
// "mem://name".
type MemoryHub struct {
	mu    sync.Mutex
	nodes map[string]*MemoryTransport
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{nodes: make(map[string]*MemoryTransport)}
}

type MemoryTransport struct {
	hub  *MemoryHub
	name string
	opts ConnOptions
	log  *zap.Logger
	disp *dispatcher
}

func (h *MemoryHub) NewTransport(name string, opts ConnOptions) (*MemoryTransport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.nodes[name]; ok {
		return nil, fmt.Errorf("memory transport %q already registered", name)
	}
	t := &MemoryTransport{
		hub:  h,
		name: name,
		opts: opts,
		log:  debuglog.OrNop(opts.Logger).With(zap.String("transport", JoinAddress(SchemeMemory, name))),
		disp: newDispatcher(),
	}
	h.nodes[name] = t
	return t, nil
}

func (h *MemoryHub) lookup(name string) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nodes[name]
}

func (t *MemoryTransport) Address() string {
	return JoinAddress(SchemeMemory, t.name)
}

func (t *MemoryTransport) Connect(ctx context.Context, addr string, serviceID string) (Conn, error) {
	scheme, name, err := SplitAddress(addr)
	if err != nil {
		return nil, err
	}
	if scheme != SchemeMemory {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAddress, addr)
	}
	target := t.hub.lookup(name)
	if target == nil {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrNoListener)
	}
	client, server := net.Pipe()
	go target.serve(server, t.Address())

	deadline := time.Now().Add(ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := writeServiceHello(client, serviceID, deadline); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newFrameConn(client, addr, t.opts, nil), nil
}

func (t *MemoryTransport) serve(server net.Conn, from string) {
	serviceID, err := readServiceHello(server, time.Now().Add(ConnectTimeout))
	if err != nil {
		t.log.Debug("inbound hello failed", zap.String("from", from), zap.Error(err))
		_ = server.Close()
		return
	}
	conn := newFrameConn(server, from, t.opts, nil)
	if err := t.disp.deliver(context.Background(), serviceID, incoming{conn: conn, addr: from}); err != nil {
		t.log.Debug("inbound dropped", zap.String("from", from), zap.Error(err))
	}
}

func (t *MemoryTransport) Accept(ctx context.Context, serviceID string) (Conn, string, error) {
	return t.disp.accept(ctx, serviceID)
}

func (t *MemoryTransport) ListenEndpoints(ctx context.Context) ([]string, error) {
	return []string{t.Address()}, nil
}

func (t *MemoryTransport) Close() error {
	t.hub.mu.Lock()
	if t.hub.nodes[t.name] == t {
		delete(t.hub.nodes, t.name)
	}
	t.hub.mu.Unlock()
	t.disp.close()
	return nil
}
