// Package pprofutil serves net/http/pprof on a loopback address for
// profiling a running node.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"go.uber.org/zap"

	"meshcdn/internal/debuglog"
)

const DefaultAddr = "127.0.0.1:6060"

// Server is a running pprof endpoint.
type Server struct {
	srv  *http.Server
	addr string
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Start listens on addr and serves the pprof handlers. Non-loopback binds
// are refused unless allowPublic is set.
func Start(addr string, allowPublic bool, log *zap.Logger) (*Server, error) {
	log = debuglog.OrNop(log)
	if addr == "" {
		addr = DefaultAddr
	}
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("pprof addr must be loopback unless public binds are allowed: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s := &Server{
		addr: ln.Addr().String(),
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	log.Info("pprof enabled", zap.String("url", "http://"+s.addr+"/debug/pprof/"))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("pprof server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
