package network

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshcdn/internal/debuglog"
	"meshcdn/internal/proto"
)

const defaultQueueSize = 8

// ConnOptions tune the per-connection pumps.
type ConnOptions struct {
	QueueSize int
	// RecvBytesPerSec throttles the reader; zero disables throttling.
	RecvBytesPerSec int
	Logger          *zap.Logger
}

// frameConn runs one reader and one writer goroutine over a byte stream and
// exposes it as bounded frame queues.
type frameConn struct {
	rwc     io.ReadWriteCloser
	remote  string
	send    chan []byte
	recv    chan []byte
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	log     *zap.Logger
	onClose func()

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newFrameConn(rwc io.ReadWriteCloser, remote string, opts ConnOptions, onClose func()) *frameConn {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &frameConn{
		rwc:     rwc,
		remote:  remote,
		send:    make(chan []byte, size),
		recv:    make(chan []byte, size),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		log:     debuglog.OrNop(opts.Logger).With(zap.String("remote", remote)),
		onClose: onClose,
	}
	if opts.RecvBytesPerSec > 0 {
		burst := max(opts.RecvBytesPerSec, proto.MaxFrameSize)
		c.limiter = rate.NewLimiter(rate.Limit(opts.RecvBytesPerSec), burst)
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *frameConn) readLoop() {
	for {
		payload, err := proto.ReadFrame(c.rwc)
		if err != nil {
			c.fail(fmt.Errorf("read frame: %w", err))
			return
		}
		if c.limiter != nil {
			if err := c.limiter.WaitN(c.ctx, len(payload)); err != nil {
				c.fail(ErrClosed)
				return
			}
		}
		select {
		case c.recv <- payload:
		case <-c.done:
			return
		}
	}
}

func (c *frameConn) writeLoop() {
	for {
		select {
		case payload := <-c.send:
			if err := proto.WriteFrame(c.rwc, payload); err != nil {
				c.fail(fmt.Errorf("write frame: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *frameConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.cancel()
		_ = c.rwc.Close()
		c.log.Debug("connection closed", zap.Error(err))
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *frameConn) closedErr() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrClosed, c.err)
}

func (c *frameConn) Enqueue(ctx context.Context, payload []byte) error {
	if err := c.closedErr(); err != nil {
		return err
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *frameConn) TryEnqueue(payload []byte) (bool, error) {
	if err := c.closedErr(); err != nil {
		return false, err
	}
	select {
	case c.send <- payload:
		return true, nil
	default:
		return false, nil
	}
}

func (c *frameConn) Dequeue(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.recv:
		return payload, nil
	case <-c.done:
		// frames that arrived before the close are still delivered
		select {
		case payload := <-c.recv:
			return payload, nil
		default:
		}
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *frameConn) TryDequeue() ([]byte, bool, error) {
	select {
	case payload := <-c.recv:
		return payload, true, nil
	default:
	}
	if err := c.closedErr(); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func (c *frameConn) RemoteAddr() string {
	return c.remote
}

func (c *frameConn) Close() error {
	c.fail(ErrClosed)
	return nil
}
