// Package main implements the tabletkv coordinator, which tells clients
// which tablet server to use for a rowkey and keeps that answer current by
// probing every tablet on a fixed interval.
//
// Usage:
//
//	coordinator [flags] <config>
//
// The config lists every tablet with the ranges it serves
// ("ip:port,unused,a_m,n_z" per line, or YAML).
//
// Flags:
//   - -v: log every routing decision
//   - -listen: routing address; env COORDINATOR_ADDR (default ":7000")
//   - -interval: heartbeat interval; env COORDINATOR_INTERVAL (default 5s)
//   - -probe-timeout: per-node connect timeout
//   - -max-failures: failed probes before a node is taken out of routing
//   - -max-conns: concurrent client connections
//
// Example usage:
//
//	./coordinator -v cluster.conf
//	printf 'GET abcrow put\r\n' | nc localhost 7000
//	+OK RESP 127.0.0.1:5000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/tabletkv/internal/cluster"
	"github.com/dreamware/tabletkv/internal/coordinator"
	"github.com/dreamware/tabletkv/internal/lineserver"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

const (
	defaultListen   = ":7000"
	defaultInterval = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

type options struct {
	verbose      bool
	listen       string
	interval     time.Duration
	probeTimeout time.Duration
	maxFailures  int
	maxConns     int64
	configPath   string
}

func parseArgs(args []string) (options, error) {
	interval := defaultInterval
	if v := getenv("COORDINATOR_INTERVAL", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return options{}, fmt.Errorf("bad COORDINATOR_INTERVAL %q", v)
		}
		interval = d
	}

	var opts options
	fs := flag.NewFlagSet("coordinator", flag.ContinueOnError)
	fs.BoolVar(&opts.verbose, "v", false, "verbose logging")
	fs.StringVar(&opts.listen, "listen", getenv("COORDINATOR_ADDR", defaultListen), "routing listen address")
	fs.DurationVar(&opts.interval, "interval", interval, "heartbeat interval")
	fs.DurationVar(&opts.probeTimeout, "probe-timeout", 2*time.Second, "per-node connect timeout")
	fs.IntVar(&opts.maxFailures, "max-failures", 1, "failed probes before a node is marked inactive")
	fs.Int64Var(&opts.maxConns, "max-conns", lineserver.DefaultMaxConns, "maximum concurrent connections")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: coordinator [flags] <config>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if fs.NArg() != 1 {
		return options{}, errors.New("expected <config>")
	}
	opts.configPath = fs.Arg(0)
	if opts.interval <= 0 {
		return options{}, fmt.Errorf("interval must be positive, got %v", opts.interval)
	}
	return opts, nil
}

// process is a configured coordinator that has not started serving yet.
type process struct {
	ranges  *coordinator.RangeMap
	monitor *coordinator.HealthMonitor
	srv     *lineserver.Server
}

func setup(opts options) (*process, error) {
	nodes, err := cluster.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	ranges, err := coordinator.NewRangeMap(nodes)
	if err != nil {
		return nil, err
	}
	for _, r := range ranges.Ranges() {
		log.Printf("range %s: replicas %v, primary %s", r.Range, r.Replicas, r.Primary)
	}

	monitor := coordinator.NewHealthMonitor(opts.interval)
	monitor.SetTimeout(opts.probeTimeout)
	monitor.SetMaxFailures(opts.maxFailures)
	monitor.SetOnStatus(func(addr string, healthy bool) {
		if ranges.SetActive(addr, healthy) {
			log.Printf("node %s active=%v", addr, healthy)
		}
	})
	monitor.SetOnSweep(func() {
		for _, e := range ranges.ElectPrimaries() {
			if e.Primary == "" {
				log.Printf("range %s: primary %s is down and no replica is active", e.Range, e.Previous)
				continue
			}
			log.Printf("range %s: primary %q -> %s", e.Range, e.Previous, e.Primary)
		}
	})

	srv := &lineserver.Server{
		Name:     "coordinator",
		Handler:  coordinator.NewServer(ranges, opts.verbose),
		MaxConns: opts.maxConns,
		Verbose:  opts.verbose,
	}
	return &process{ranges: ranges, monitor: monitor, srv: srv}, nil
}

// run probes every node once, then serves routing queries on ln while the
// monitor keeps probing, until ctx is done or the server fails.
func (p *process) run(ctx context.Context, ln net.Listener) error {
	p.monitor.CheckNow(p.ranges.Nodes())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.monitor.Start(gctx, p.ranges.Nodes)
		return nil
	})
	g.Go(func() error {
		err := p.srv.Serve(ln)
		if errors.Is(err, lineserver.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := p.srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		p.monitor.Stop()
		return nil
	})
	return g.Wait()
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logFatal("coordinator: %v", err)
		return
	}

	p, err := setup(opts)
	if err != nil {
		logFatal("coordinator: %v", err)
		return
	}

	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		logFatal("listen: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.run(ctx, ln); err != nil {
		logFatal("coordinator: %v", err)
		return
	}
	log.Println("coordinator stopped")
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
