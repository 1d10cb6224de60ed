// Package lineserver runs CRLF line-oriented TCP services.
//
// Both tabletkv servers speak one-line-per-message protocols over plain TCP.
// This package owns the parts they share: the accept loop, a bound on
// concurrent connection workers, per-read and per-write deadlines, and a
// shutdown that stops accepting, tells connected clients the server is going
// away and waits for workers to exit.
package lineserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dreamware/tabletkv/internal/protocol"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("lineserver: server closed")

// Defaults applied to zero-valued Server fields.
const (
	DefaultMaxConns     = 1024
	DefaultReadTimeout  = 5 * time.Minute
	DefaultWriteTimeout = 10 * time.Second
	DefaultMaxLineBytes = 1 << 20
)

// Handler serves one accepted connection. ServeConn returns when the
// session is over; the server closes the connection afterwards.
type Handler interface {
	ServeConn(ctx context.Context, c *Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Conn)

// ServeConn calls f(ctx, c).
func (f HandlerFunc) ServeConn(ctx context.Context, c *Conn) { f(ctx, c) }

// Server accepts TCP connections and hands each to Handler on its own
// goroutine, with at most MaxConns running at once.
type Server struct {
	Name         string        // used in log lines
	Handler      Handler       // serves each connection
	MaxConns     int64         // concurrent connection workers
	ReadTimeout  time.Duration // idle limit for each line read
	WriteTimeout time.Duration // limit for each line write
	MaxLineBytes int           // longest accepted request line
	Verbose      bool          // log connection lifecycle

	mu        sync.Mutex
	listener  net.Listener
	conns     map[*Conn]struct{}
	closed    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
	initOnce  sync.Once
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		s.conns = make(map[*Conn]struct{})
		s.ready = make(chan struct{})
		if s.MaxConns <= 0 {
			s.MaxConns = DefaultMaxConns
		}
		if s.ReadTimeout <= 0 {
			s.ReadTimeout = DefaultReadTimeout
		}
		if s.WriteTimeout <= 0 {
			s.WriteTimeout = DefaultWriteTimeout
		}
		if s.MaxLineBytes <= 0 {
			s.MaxLineBytes = DefaultMaxLineBytes
		}
		if s.Name == "" {
			s.Name = "server"
		}
	})
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called or Accept fails.
// It always closes ln.
func (s *Server) Serve(ln net.Listener) error {
	s.init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.markReady()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()
	s.markReady()
	defer ln.Close()

	log.Printf("%s listening on %s", s.Name, ln.Addr())

	slots := semaphore.NewWeighted(s.MaxConns)
	for {
		if err := slots.Acquire(ctx, 1); err != nil {
			return ErrServerClosed
		}
		nc, err := ln.Accept()
		if err != nil {
			slots.Release(1)
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("%s accept: %w", s.Name, err)
		}

		c := s.newConn(nc)
		if !s.track(c) {
			slots.Release(1)
			c.WriteLine(protocol.ShutdownNotice)
			nc.Close()
			return ErrServerClosed
		}

		go func() {
			defer s.wg.Done()
			defer slots.Release(1)
			defer s.untrack(c)
			s.serveConn(ctx, c)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, c *Conn) {
	if s.Verbose {
		log.Printf("%s: connection from %s", s.Name, c.RemoteAddr())
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%s: panic serving %s: %v", s.Name, c.RemoteAddr(), r)
		}
		c.Close()
		if s.Verbose {
			log.Printf("%s: connection from %s closed", s.Name, c.RemoteAddr())
		}
	}()
	s.Handler.ServeConn(ctx, c)
}

func (s *Server) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Addr returns the listening address, blocking until Serve has started or
// the server is shut down. It returns nil if Serve never ran.
func (s *Server) Addr() net.Addr {
	s.init()
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConns returns the number of connections being served.
func (s *Server) ActiveConns() int {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// track registers c and its worker; it fails once shutdown has begun.
func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Shutdown stops accepting connections, sends the shutdown notice to every
// connected client, closes their connections and waits for the workers to
// return or for ctx to expire. Requests in flight are not guaranteed to
// complete.
func (s *Server) Shutdown(ctx context.Context) error {
	s.init()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	s.markReady()

	for _, c := range conns {
		c.WriteLine(protocol.ShutdownNotice)
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("%s stopped", s.Name)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) newConn(nc net.Conn) *Conn {
	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 4096), s.MaxLineBytes)
	return &Conn{
		Conn:         nc,
		scanner:      scanner,
		readTimeout:  s.ReadTimeout,
		writeTimeout: s.WriteTimeout,
	}
}
