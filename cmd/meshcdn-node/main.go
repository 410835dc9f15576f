package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meshcdn/internal/config"
	"meshcdn/internal/daemon"
	"meshcdn/internal/debuglog"
	"meshcdn/internal/mediator"
	"meshcdn/internal/proto"
	"meshcdn/internal/store"
	"meshcdn/internal/tagstore"
)

const cliTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(stderr, "load .env: %v\n", err)
		return 1
	}
	cfg := config.FromEnv()
	switch args[0] {
	case "run":
		return runNode(cfg, args[1:], stdout, stderr)
	case "status":
		return runStatus(cfg, args[1:], stdout, stderr)
	case "add-node":
		return runAddNode(cfg, args[1:], stdout, stderr)
	case "publish", "want", "unpublish", "unwant":
		return runTagEdit(cfg, args[0], args[1:], stdout, stderr)
	case "publish-file":
		return runPublishFile(cfg, args[1:], stdout, stderr)
	case "tags":
		return runTags(cfg, args[1:], stdout, stderr)
	case "find":
		return runFind(cfg, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshcdn-node <command> [args]")
	fmt.Fprintln(w, "  run          [--listen host:port] [--advertise addrs] [--bootstrap addrs] [--metrics host:port] [--debug]")
	fmt.Fprintln(w, "  status")
	fmt.Fprintln(w, "  add-node     <addr> [addr...]")
	fmt.Fprintln(w, "  publish      <engine/hash>")
	fmt.Fprintln(w, "  publish-file --engine <name> <path>")
	fmt.Fprintln(w, "  unpublish    <engine/hash>")
	fmt.Fprintln(w, "  want         <engine/hash>")
	fmt.Fprintln(w, "  unwant       <engine/hash>")
	fmt.Fprintln(w, "  tags         [--kind publish|want]")
	fmt.Fprintln(w, "  find         <engine/hash>")
	fmt.Fprintln(w, "environment: MESH_HOME, MESH_LISTEN_ADDR, MESH_BOOTSTRAP_ADDRS, MESH_METRICS_ADDR, MESH_DEBUG=1")
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runNode(cfg config.Config, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("run", stderr)
	listen := fs.String("listen", cfg.ListenAddr, "quic listen addr (host:port)")
	advertise := fs.String("advertise", strings.Join(cfg.AdvertiseAddrs, ","), "comma separated addresses to advertise")
	bootstrap := fs.String("bootstrap", strings.Join(cfg.BootstrapAddrs, ","), "comma separated bootstrap addresses")
	metricsAddr := fs.String("metrics", cfg.MetricsAddr, "prometheus listen addr (empty disables)")
	debug := fs.Bool("debug", cfg.Debug, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg.ListenAddr = *listen
	cfg.AdvertiseAddrs = config.SplitList(*advertise)
	cfg.BootstrapAddrs = config.SplitList(*bootstrap)
	cfg.MetricsAddr = *metricsAddr
	if *debug {
		_ = os.Setenv("MESH_DEBUG", "1")
		cfg.Debug = true
	}
	log, err := debuglog.New()
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runner, err := daemon.NewRunner(ctx, daemon.Options{Config: cfg, Logger: log})
	if err != nil {
		fmt.Fprintf(stderr, "start node failed: %v\n", err)
		return 1
	}
	ready := make(chan proto.NodeProfile, 1)
	go func() {
		select {
		case p := <-ready:
			fmt.Fprintf(stdout, "READY node_id=%s addrs=%s\n", runner.Mediator.ID(), strings.Join(p.Addresses, ","))
		case <-ctx.Done():
		}
	}()
	if err := runner.Run(ctx, ready); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(cfg config.Config, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("status", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	st, err := daemon.ReadStatus(cfg.StatusPath())
	if err != nil {
		fmt.Fprintf(stderr, "status: node status unavailable: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "node %s (as of %s)\n", st.Mediator.NodeID, st.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "  addresses: %s\n", strings.Join(st.Profile.Addresses, ", "))
	fmt.Fprintf(stdout, "  services: %s\n", strings.Join(st.Profile.Services, ", "))
	fmt.Fprintf(stdout, "  connections: %d\n", len(st.Mediator.Connections))
	for _, c := range st.Mediator.Connections {
		fmt.Fprintf(stdout, "    %-8s %s %s\n", c.Direction, c.Address, c.NodeID)
	}
	fmt.Fprintf(stdout, "  cloud nodes: %d\n", st.Mediator.CloudSize)
	fmt.Fprintf(stdout, "  locations: push=%d give=%d\n", st.Mediator.PushLocations, st.Mediator.GiveLocations)
	fmt.Fprintf(stdout, "  dial: attempts=%d success=%d accepted=%d\n",
		st.Metrics.Dial.Attempts, st.Metrics.Dial.Success, st.Metrics.Dial.Accepted)
	fmt.Fprintf(stdout, "  gossip: sent=%d received=%d cycles=%d\n",
		st.Metrics.Gossip.MessagesSent, st.Metrics.Gossip.MessagesReceived, st.Metrics.Gossip.ComputeCycles)
	return 0
}

func runAddNode(cfg config.Config, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("add-node", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "missing address")
		return 1
	}
	var addrs []string
	for _, a := range fs.Args() {
		if !strings.Contains(a, "://") {
			a = "quic://" + a
		}
		addrs = append(addrs, a)
	}
	book := store.New(cfg.NodeBookPath())
	if err := book.Add(proto.NewNodeProfile(addrs, []string{mediator.ServiceName})); err != nil {
		fmt.Fprintf(stderr, "add node failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "added %s\n", strings.Join(addrs, ","))
	return 0
}

func openTags(cfg config.Config, stderr io.Writer) (*tagstore.Store, context.Context, func(), bool) {
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	s, err := tagstore.Open(ctx, cfg.TagStorePath())
	if err != nil {
		cancel()
		fmt.Fprintf(stderr, "open tag store: %v\n", err)
		return nil, nil, nil, false
	}
	return s, ctx, func() { _ = s.Close(); cancel() }, true
}

func runTagEdit(cfg config.Config, cmd string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(cmd, stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(stderr, "usage: %s <engine/hash>\n", cmd)
		return 1
	}
	tag, err := parseTag(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	s, ctx, done, ok := openTags(cfg, stderr)
	if !ok {
		return 1
	}
	defer done()

	removed := true
	switch cmd {
	case "publish":
		err = s.Publish(ctx, tag)
	case "want":
		err = s.Want(ctx, tag)
	case "unpublish":
		removed, err = s.Unpublish(ctx, tag)
	case "unwant":
		removed, err = s.Unwant(ctx, tag)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	if !removed {
		fmt.Fprintf(stdout, "%s: %s not present\n", cmd, tag)
		return 0
	}
	fmt.Fprintf(stdout, "%s %s\n", cmd, tag)
	return 0
}

func runPublishFile(cfg config.Config, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("publish-file", stderr)
	engine := fs.String("engine", "files", "engine name for the tag")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: publish-file --engine <name> <path>")
		return 1
	}
	s, ctx, done, ok := openTags(cfg, stderr)
	if !ok {
		return 1
	}
	defer done()
	tag, err := s.PublishFile(ctx, *engine, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "publish-file: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "publish %s\n", tag)
	return 0
}

func runTags(cfg config.Config, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("tags", stderr)
	kind := fs.String("kind", "", "publish or want (default both)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	s, ctx, done, ok := openTags(cfg, stderr)
	if !ok {
		return 1
	}
	defer done()
	entries, err := s.List(ctx, tagstore.Kind(*kind))
	if err != nil {
		fmt.Fprintf(stderr, "tags: %v\n", err)
		return 1
	}
	for _, e := range entries {
		line := fmt.Sprintf("%-7s %s", e.Kind, e.Tag)
		if e.Source != "" {
			line += "  " + e.Source
		}
		fmt.Fprintln(stdout, line)
	}
	return 0
}

func runFind(cfg config.Config, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("find", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: find <engine/hash>")
		return 1
	}
	tag, err := parseTag(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "find: %v\n", err)
		return 1
	}
	st, err := daemon.ReadStatus(cfg.StatusPath())
	if err != nil {
		fmt.Fprintf(stderr, "find: node status unavailable: %v\n", err)
		return 1
	}
	profiles := st.Find(tag)
	if len(profiles) == 0 {
		fmt.Fprintf(stdout, "no known locations for %s (is it wanted?)\n", tag)
		return 0
	}
	for _, p := range profiles {
		fmt.Fprintln(stdout, strings.Join(p.Addresses, ","))
	}
	return 0
}

var errBadTag = errors.New("tag must be engine/hexhash")

func parseTag(s string) (proto.ResourceTag, error) {
	engine, hash, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || engine == "" {
		return proto.ResourceTag{}, errBadTag
	}
	h, err := proto.ParseHash(hash)
	if err != nil {
		return proto.ResourceTag{}, fmt.Errorf("%w: %v", errBadTag, err)
	}
	tag := proto.ResourceTag{EngineName: engine, Hash: h}
	return tag, tag.Validate()
}
