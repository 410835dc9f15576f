package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	SchemeQUIC   = "quic"
	SchemeMemory = "mem"
)

var (
	ErrUnsupportedAddress = errors.New("unsupported address")
	ErrClosed             = errors.New("connection closed")
	ErrUnknownService     = errors.New("unknown service")
)

// Conn is a message-oriented connection. Every payload is one frame on the
// wire; ordering is preserved per direction.
type Conn interface {
	Enqueue(ctx context.Context, payload []byte) error
	Dequeue(ctx context.Context) ([]byte, error)
	// TryEnqueue reports false when the send queue is full.
	TryEnqueue(payload []byte) (bool, error)
	// TryDequeue reports false when nothing has arrived yet.
	TryDequeue() ([]byte, bool, error)
	RemoteAddr() string
	Close() error
}

// Transport dials and accepts service-tagged connections. Connect writes the
// service id as the first frame; Accept only returns connections whose
// service id matches.
type Transport interface {
	Connect(ctx context.Context, addr string, serviceID string) (Conn, error)
	Accept(ctx context.Context, serviceID string) (Conn, string, error)
	ListenEndpoints(ctx context.Context) ([]string, error)
	Close() error
}

// SplitAddress splits "scheme://rest" into its parts.
func SplitAddress(addr string) (scheme string, rest string, err error) {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok || scheme == "" || rest == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedAddress, addr)
	}
	return scheme, rest, nil
}

func JoinAddress(scheme, rest string) string {
	return scheme + "://" + rest
}
