package network

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"meshcdn/internal/proto"
)

const (
	// ConnectTimeout bounds dialing plus the service hello exchange, and how
	// long an inbound connection may wait for a free accept slot.
	ConnectTimeout  = 20 * time.Second
	acceptQueueSize = 3
)

type incoming struct {
	conn Conn
	addr string
}

// dispatcher routes inbound connections to per-service accept queues.
type dispatcher struct {
	mu     sync.Mutex
	queues map[string]chan incoming
	closed chan struct{}
	once   sync.Once
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		queues: make(map[string]chan incoming),
		closed: make(chan struct{}),
	}
}

func (d *dispatcher) queue(serviceID string) chan incoming {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[serviceID]
	if !ok {
		q = make(chan incoming, acceptQueueSize)
		d.queues[serviceID] = q
	}
	return q
}

func (d *dispatcher) deliver(ctx context.Context, serviceID string, in incoming) error {
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	select {
	case d.queue(serviceID) <- in:
		return nil
	case <-d.closed:
		_ = in.conn.Close()
		return ErrClosed
	case <-ctx.Done():
		_ = in.conn.Close()
		return fmt.Errorf("accept queue %q: %w", serviceID, ctx.Err())
	}
}

func (d *dispatcher) accept(ctx context.Context, serviceID string) (Conn, string, error) {
	select {
	case in := <-d.queue(serviceID):
		return in.conn, in.addr, nil
	case <-d.closed:
		return nil, "", ErrClosed
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func (d *dispatcher) close() {
	d.once.Do(func() {
		close(d.closed)
		d.mu.Lock()
		defer d.mu.Unlock()
		for _, q := range d.queues {
			for drained := false; !drained; {
				select {
				case in := <-q:
					_ = in.conn.Close()
				default:
					drained = true
				}
			}
		}
	})
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

func writeServiceHello(w io.Writer, serviceID string, deadline time.Time) error {
	if d, ok := w.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(deadline)
		defer func() { _ = d.SetWriteDeadline(time.Time{}) }()
	}
	payload, err := proto.EncodeServiceHello(proto.ServiceHelloMessage{ServiceID: serviceID})
	if err != nil {
		return err
	}
	return proto.WriteFrame(w, payload)
}

func readServiceHello(r io.Reader, deadline time.Time) (string, error) {
	if d, ok := r.(readDeadliner); ok {
		_ = d.SetReadDeadline(deadline)
		defer func() { _ = d.SetReadDeadline(time.Time{}) }()
	}
	payload, err := proto.ReadFrameWithKindCap(r, func(k proto.Kind) int {
		if k != proto.KindServiceHello {
			return 0
		}
		return proto.MaxServiceHello
	})
	if err != nil {
		return "", fmt.Errorf("read service hello: %w", err)
	}
	m, err := proto.DecodeServiceHello(payload)
	if err != nil {
		return "", err
	}
	return m.ServiceID, nil
}
