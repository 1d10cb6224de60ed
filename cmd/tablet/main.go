// Package main implements the tabletkv tablet server, which stores the rows
// for the ranges routed to it and answers envelope requests over TCP.
//
// Usage:
//
//	tablet [flags] <config> <index>
//
// The config file lists one node per line ("ip:port,dataDir[,range...]")
// or, for .yaml/.yml files, per entry under "nodes". The index selects this
// server's entry: it listens on that address and keeps its rows in that
// data directory.
//
// Flags:
//   - -v: log every request and connection
//   - -store: row store, "file" (default), "log" or "memory"; env TABLET_STORE
//   - -max-conns: concurrent client connections
//   - -idle-timeout: close connections idle this long
//   - -stripes: row lock stripes
//
// Example usage:
//
//	# Start node 0 of the cluster
//	./tablet -v cluster.conf 0
//
//	# Same node with the append-log store
//	TABLET_STORE=log ./tablet cluster.conf 0
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
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/tabletkv/internal/cluster"
	"github.com/dreamware/tabletkv/internal/lineserver"
	"github.com/dreamware/tabletkv/internal/storage"
	"github.com/dreamware/tabletkv/internal/tablet"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

const shutdownTimeout = 5 * time.Second

// Store kinds accepted by -store.
const (
	storeFile   = "file"
	storeLog    = "log"
	storeMemory = "memory"
)

type options struct {
	verbose     bool
	store       string
	maxConns    int64
	idleTimeout time.Duration
	stripes     int
	configPath  string
	index       int
}

func parseArgs(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("tablet", flag.ContinueOnError)
	fs.BoolVar(&opts.verbose, "v", false, "verbose logging")
	fs.StringVar(&opts.store, "store", getenv("TABLET_STORE", storeFile), "row store: file, log or memory")
	fs.Int64Var(&opts.maxConns, "max-conns", lineserver.DefaultMaxConns, "maximum concurrent connections")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", lineserver.DefaultReadTimeout, "close connections idle this long")
	fs.IntVar(&opts.stripes, "stripes", tablet.DefaultLockStripes, "row lock stripes")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: tablet [flags] <config> <index>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if fs.NArg() != 2 {
		return options{}, errors.New("expected <config> <index>")
	}
	opts.configPath = fs.Arg(0)
	index, err := strconv.Atoi(fs.Arg(1))
	if err != nil || index < 0 {
		return options{}, fmt.Errorf("bad node index %q", fs.Arg(1))
	}
	opts.index = index

	switch opts.store {
	case storeFile, storeLog, storeMemory:
	default:
		return options{}, fmt.Errorf("unknown store %q", opts.store)
	}
	return opts, nil
}

// node is a configured tablet server that has not started listening yet.
type node struct {
	cfg   cluster.NodeConfig
	store storage.RowStore
	srv   *lineserver.Server
}

// setup loads this node's configuration entry and opens its store.
func setup(opts options) (*node, error) {
	nodes, err := cluster.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.index >= len(nodes) {
		return nil, fmt.Errorf("node index %d out of range: config lists %d nodes", opts.index, len(nodes))
	}
	cfg := nodes[opts.index]
	if cfg.DataDir == "" && opts.store != storeMemory {
		return nil, fmt.Errorf("node %d (%s) has no data directory", opts.index, cfg.Addr)
	}

	store, err := openStore(opts.store, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	t := tablet.New(store, opts.stripes)
	srv := &lineserver.Server{
		Name:        "tablet[" + cfg.Addr + "]",
		Handler:     tablet.NewServer(t, cfg.Addr, opts.verbose),
		MaxConns:    opts.maxConns,
		ReadTimeout: opts.idleTimeout,
		Verbose:     opts.verbose,
	}
	stats := store.Stats()
	log.Printf("tablet[%s] %s store at %q: %d rows, %d entries", cfg.Addr, opts.store, cfg.DataDir, stats.Rows, stats.Columns)
	return &node{cfg: cfg, store: store, srv: srv}, nil
}

func openStore(kind, dir string) (storage.RowStore, error) {
	switch kind {
	case storeMemory:
		return storage.NewMemoryStore(), nil
	case storeLog:
		s, err := storage.OpenLogStore(dir)
		if err != nil {
			return nil, err
		}
		before := s.Records()
		if err := s.Compact(); err != nil {
			s.Close()
			return nil, fmt.Errorf("compact log: %w", err)
		}
		log.Printf("compacted %s: %d -> %d records", dir, before, s.Records())
		return s, nil
	default:
		return storage.OpenFileStore(dir)
	}
}

// serve runs the server on ln until ctx is done, then notifies connected
// clients and closes the store.
func (n *node) serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- n.srv.Serve(ln) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := n.store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
	if serveErr != nil && !errors.Is(serveErr, lineserver.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logFatal("tablet: %v", err)
		return
	}

	n, err := setup(opts)
	if err != nil {
		logFatal("tablet: %v", err)
		return
	}

	ln, err := net.Listen("tcp", n.cfg.Addr)
	if err != nil {
		n.store.Close()
		logFatal("listen: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.serve(ctx, ln); err != nil {
		logFatal("tablet: %v", err)
		return
	}
	log.Println("tablet stopped")
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
