package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshcdn/internal/debuglog"
)

const (
	alpnProto            = "meshcdn-quic"
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 10 * time.Second
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a fixed certificate so every node shares one trust root.
// Peer identity is established by the mediator handshake, not by TLS.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshcdn-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: []string{alpnProto},
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

type QUICConfig struct {
	// ListenAddr is a host:port to accept on. Empty makes the transport
	// dial-only.
	ListenAddr string
	// AdvertiseAddrs override what ListenEndpoints reports.
	AdvertiseAddrs []string
	MaxConnsPerIP  int
	// AcceptRate is the number of new inbound connections admitted per
	// second. Zero disables the limit.
	AcceptRate float64
	Conn       ConnOptions
	Logger     *zap.Logger
}

// QUICTransport carries each mediator connection on one bidirectional QUIC
// stream.
type QUICTransport struct {
	cfg       QUICConfig
	log       *zap.Logger
	clientTLS *tls.Config
	listener  *quic.Listener
	disp      *dispatcher
	limiter   *ipLimiter
	acceptLim *rate.Limiter
	backoff   *dialBackoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQUICTransport(cfg QUICConfig) (*QUICTransport, error) {
	clientTLS, err := clientTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("client tls: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &QUICTransport{
		cfg:       cfg,
		log:       debuglog.OrNop(cfg.Logger).With(zap.String("transport", SchemeQUIC)),
		clientTLS: clientTLS,
		disp:      newDispatcher(),
		limiter:   newIPLimiter(cfg.MaxConnsPerIP),
		backoff:   newDialBackoff(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.Conn.Logger == nil {
		t.cfg.Conn.Logger = t.log
	}
	if cfg.AcceptRate > 0 {
		t.acceptLim = rate.NewLimiter(rate.Limit(cfg.AcceptRate), max(1, int(cfg.AcceptRate)))
	}
	if cfg.ListenAddr == "" {
		return t, nil
	}
	serverTLS, err := serverTLSConfig()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("server tls: %w", err)
	}
	listener, err := quic.ListenAddr(cfg.ListenAddr, serverTLS, quicConfig())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("quic listen %s: %w", cfg.ListenAddr, err)
	}
	t.listener = listener
	t.log.Info("quic listen ready", zap.String("addr", listener.Addr().String()))
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *QUICTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		qc, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Warn("quic accept failed", zap.Error(err))
			}
			return
		}
		remote := qc.RemoteAddr().String()
		ip := remote
		if host, _, err := net.SplitHostPort(remote); err == nil {
			ip = host
		}
		if t.acceptLim != nil && !t.acceptLim.Allow() {
			_ = qc.CloseWithError(1, "accept rate exceeded")
			continue
		}
		if !t.limiter.acquire(ip) {
			_ = qc.CloseWithError(1, "too many connections")
			continue
		}
		t.wg.Add(1)
		go t.serve(qc, ip)
	}
}

func (t *QUICTransport) serve(qc *quic.Conn, ip string) {
	defer t.wg.Done()
	from := JoinAddress(SchemeQUIC, qc.RemoteAddr().String())
	ctx, cancel := context.WithTimeout(t.ctx, ConnectTimeout)
	defer cancel()
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		t.log.Debug("accept stream failed", zap.String("from", from), zap.Error(err))
		_ = qc.CloseWithError(1, "no stream")
		t.limiter.release(ip)
		return
	}
	serviceID, err := readServiceHello(stream, time.Now().Add(ConnectTimeout))
	if err != nil {
		t.log.Debug("inbound hello failed", zap.String("from", from), zap.Error(err))
		_ = qc.CloseWithError(1, "bad hello")
		t.limiter.release(ip)
		return
	}
	conn := newFrameConn(&quicStream{conn: qc, stream: stream}, from, t.cfg.Conn, func() { t.limiter.release(ip) })
	if err := t.disp.deliver(t.ctx, serviceID, incoming{conn: conn, addr: from}); err != nil {
		t.log.Debug("inbound dropped", zap.String("from", from), zap.String("service", serviceID), zap.Error(err))
	}
}

func (t *QUICTransport) Connect(ctx context.Context, addr string, serviceID string) (Conn, error) {
	scheme, hostport, err := SplitAddress(addr)
	if err != nil {
		return nil, err
	}
	if scheme != SchemeQUIC {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAddress, addr)
	}
	if wait := t.backoff.retryAfter(addr); wait > 0 {
		return nil, fmt.Errorf("dial %s: %w (%s left)", addr, ErrBackoff, wait.Round(time.Millisecond))
	}
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	qc, err := quic.DialAddr(ctx, hostport, t.clientTLS, quicConfig())
	if err != nil {
		t.backoff.recordFailure(addr)
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(1, "open stream failed")
		t.backoff.recordFailure(addr)
		return nil, fmt.Errorf("open stream %s: %w", addr, err)
	}
	deadline, _ := ctx.Deadline()
	if err := writeServiceHello(stream, serviceID, deadline); err != nil {
		_ = qc.CloseWithError(1, "hello failed")
		t.backoff.recordFailure(addr)
		return nil, fmt.Errorf("service hello %s: %w", addr, err)
	}
	t.backoff.reset(addr)
	t.log.Debug("quic conn established", zap.String("addr", addr))
	return newFrameConn(&quicStream{conn: qc, stream: stream}, addr, t.cfg.Conn, nil), nil
}

func (t *QUICTransport) Accept(ctx context.Context, serviceID string) (Conn, string, error) {
	return t.disp.accept(ctx, serviceID)
}

func (t *QUICTransport) ListenEndpoints(ctx context.Context) ([]string, error) {
	if len(t.cfg.AdvertiseAddrs) > 0 {
		return append([]string(nil), t.cfg.AdvertiseAddrs...), nil
	}
	if t.listener == nil {
		return nil, nil
	}
	return []string{JoinAddress(SchemeQUIC, t.listener.Addr().String())}, nil
}

func (t *QUICTransport) Close() error {
	t.cancel()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.disp.close()
	t.wg.Wait()
	return err
}

type quicStream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *quicStream) SetReadDeadline(t time.Time) error  { return s.stream.SetReadDeadline(t) }
func (s *quicStream) SetWriteDeadline(t time.Time) error { return s.stream.SetWriteDeadline(t) }

func (s *quicStream) Close() error {
	s.stream.CancelRead(0)
	_ = s.stream.Close()
	return s.conn.CloseWithError(0, "closed")
}
