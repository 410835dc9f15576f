// Package daemon wires a mediator to its transports, the local tag store and
// the node book, and keeps the status file and metrics endpoint current.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshcdn/internal/config"
	"meshcdn/internal/debuglog"
	"meshcdn/internal/mediator"
	"meshcdn/internal/metrics"
	"meshcdn/internal/network"
	"meshcdn/internal/pprofutil"
	"meshcdn/internal/proto"
	"meshcdn/internal/store"
	"meshcdn/internal/tagstore"
)

const (
	shutdownTimeout = 5 * time.Second
	// bookLoadLimit caps how many node book entries seed the cloud list.
	bookLoadLimit = 1024
)

type Options struct {
	Config  config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Transports replaces the QUIC transport built from Config.
	Transports []network.Transport
}

type Runner struct {
	Config   config.Config
	Metrics  *metrics.Metrics
	Mediator *mediator.Mediator
	Tags     *tagstore.Store
	Book     *store.NodeBook

	log         *zap.Logger
	registry    *prometheus.Registry
	metricsLn   net.Listener
	bookModTime time.Time
	closeOnce   sync.Once
}

func NewRunner(ctx context.Context, opts Options) (*Runner, error) {
	cfg := opts.Config
	if cfg.Home == "" {
		return nil, fmt.Errorf("missing home directory")
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, err
	}
	log := debuglog.OrNop(opts.Logger)
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	tags, err := tagstore.Open(ctx, cfg.TagStorePath())
	if err != nil {
		return nil, err
	}
	transports := opts.Transports
	if len(transports) == 0 {
		qt, err := network.NewQUICTransport(network.QUICConfig{
			ListenAddr:     cfg.ListenAddr,
			AdvertiseAddrs: withScheme(cfg.AdvertiseAddrs),
			MaxConnsPerIP:  cfg.MaxConnsPerIP,
			AcceptRate:     cfg.AcceptRate,
			Conn:           network.ConnOptions{RecvBytesPerSec: cfg.RecvBytesPerSec},
			Logger:         log,
		})
		if err != nil {
			_ = tags.Close()
			return nil, err
		}
		transports = []network.Transport{qt}
	}
	closeTransports := func() {
		for _, t := range transports {
			_ = t.Close()
		}
	}

	med, err := mediator.New(mediator.Options{
		Transports:       transports,
		MaxConnections:   cfg.MaxConnections,
		DialInterval:     cfg.DialInterval,
		AcceptInterval:   cfg.AcceptInterval,
		SendInterval:     cfg.SendInterval,
		ReceiveInterval:  cfg.ReceiveInterval,
		ComputeInterval:  cfg.ComputeInterval,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           log,
		Metrics:          m,
	})
	if err != nil {
		closeTransports()
		_ = tags.Close()
		return nil, err
	}
	med.RegisterPublishProvider(tags.Provider(tagstore.KindPublish, log))
	med.RegisterWantProvider(tags.Provider(tagstore.KindWant, log))

	r := &Runner{
		Config:   cfg,
		Metrics:  m,
		Mediator: med,
		Tags:     tags,
		Book:     store.New(cfg.NodeBookPath()),
		log:      log.With(zap.String("component", "daemon")),
	}
	r.seedCloud()

	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			closeTransports()
			_ = tags.Close()
			return nil, fmt.Errorf("metrics listen: %w", err)
		}
		r.metricsLn = ln
		r.registry = prometheus.NewRegistry()
		r.registry.MustRegister(
			metrics.NewCollector(m),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r, nil
}

// MetricsAddr is the bound address of the metrics endpoint, if any.
func (r *Runner) MetricsAddr() string {
	if r.metricsLn == nil {
		return ""
	}
	return r.metricsLn.Addr().String()
}

// seedCloud loads bootstrap addresses and the node book into the cloud list.
func (r *Runner) seedCloud() {
	var seeds []proto.NodeProfile
	for _, addr := range withScheme(r.Config.BootstrapAddrs) {
		seeds = append(seeds, proto.NewNodeProfile([]string{addr}, []string{mediator.ServiceName}))
	}
	added := r.Mediator.AddCloudNodeProfiles(seeds...)
	r.log.Info("bootstrap seeded", zap.Int("count", added))
	r.reloadBook()
}

// reloadBook re-reads the node book when it changed on disk so profiles
// added through the CLI reach a running node.
func (r *Runner) reloadBook() {
	fi, err := os.Stat(r.Book.Path())
	if err != nil {
		return
	}
	if !fi.ModTime().After(r.bookModTime) {
		return
	}
	profiles, err := r.Book.LoadLast(bookLoadLimit)
	if err != nil {
		r.log.Warn("node book load failed", zap.Error(err))
		return
	}
	r.bookModTime = fi.ModTime()
	if added := r.Mediator.AddCloudNodeProfiles(profiles...); added > 0 {
		r.log.Info("node book loaded", zap.Int("added", added))
	}
}

// Run starts the mediator and blocks until ctx is done or a loop fails.
// ready receives the local node profile once the node is up.
func (r *Runner) Run(ctx context.Context, ready chan<- proto.NodeProfile) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := r.Mediator.Start(ctx); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if r.metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.Serve(r.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		r.log.Info("metrics enabled", zap.String("addr", r.MetricsAddr()))
	}
	var pprofSrv *pprofutil.Server
	if r.Config.PprofAddr != "" {
		srv, err := pprofutil.Start(r.Config.PprofAddr, false, r.log)
		if err != nil {
			r.log.Warn("pprof disabled", zap.Error(err))
		} else {
			pprofSrv = srv
		}
	}

	profile, err := r.Mediator.MyNodeProfile(ctx)
	if err != nil {
		r.log.Warn("local profile unavailable", zap.Error(err))
	}
	r.log.Info("node ready",
		zap.String("node_id", r.Mediator.ID().String()),
		zap.Strings("addresses", profile.Addresses))
	if ready != nil {
		select {
		case ready <- profile:
		default:
		}
	}

	g := &errgroup.Group{}
	g.Go(func() error {
		defer cancel()
		return r.Mediator.Wait()
	})
	g.Go(func() error {
		r.statusLoop(ctx)
		return nil
	})
	runErr := g.Wait()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if pprofSrv != nil {
		_ = pprofSrv.Shutdown(shutdownCtx)
	}
	return errors.Join(runErr, r.Close())
}

func (r *Runner) statusLoop(ctx context.Context) {
	interval := r.Config.ComputeInterval
	if interval <= 0 {
		interval = time.Second
	}
	r.writeStatus(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.reloadBook()
		r.writeStatus(ctx)
	}
}

// Close stops the mediator, saves the cloud list to the node book, writes a
// final status and releases the tag store.
func (r *Runner) Close() error {
	var err error
	r.closeOnce.Do(func() {
		var errs []error
		errs = append(errs, r.Mediator.Close())
		if cloud := r.Mediator.CloudNodeProfiles(); len(cloud) > 0 {
			if cerr := r.Book.Compact(cloud); cerr != nil {
				errs = append(errs, fmt.Errorf("compact node book: %w", cerr))
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		r.writeStatus(ctx)
		cancel()
		if r.metricsLn != nil {
			_ = r.metricsLn.Close()
		}
		errs = append(errs, r.Tags.Close())
		err = errors.Join(errs...)
	})
	return err
}

// withScheme defaults bare host:port addresses to QUIC.
func withScheme(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if !strings.Contains(a, "://") {
			a = network.JoinAddress(network.SchemeQUIC, a)
		}
		out = append(out, a)
	}
	return out
}
