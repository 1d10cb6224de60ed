package coordinator

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/dreamware/tabletkv/internal/lineserver"
	"github.com/dreamware/tabletkv/internal/protocol"
)

// Server answers routing queries. It implements lineserver.Handler: each
// connection carries one "GET <rowkey> <operationType>" line and receives
// one reply line before it is closed.
type Server struct {
	Map     *RangeMap
	Verbose bool
}

// NewServer creates a routing handler over m.
func NewServer(m *RangeMap, verbose bool) *Server {
	return &Server{Map: m, Verbose: verbose}
}

// ServeConn reads one request and writes its reply.
func (s *Server) ServeConn(ctx context.Context, c *lineserver.Conn) {
	line, err := c.ReadLine()
	if err != nil {
		if !errors.Is(err, io.EOF) && s.Verbose {
			log.Printf("coordinator: read from %s: %v", c.RemoteAddr(), err)
		}
		return
	}
	reply := s.Handle(line)
	if err := c.WriteLine(reply); err != nil && s.Verbose {
		log.Printf("coordinator: write to %s: %v", c.RemoteAddr(), err)
	}
}

// Handle resolves one request line to its reply line.
func (s *Server) Handle(line string) string {
	req, err := protocol.ParseRouteRequest(line)
	if err != nil {
		if s.Verbose {
			log.Printf("coordinator: bad request %q: %v", line, err)
		}
		return protocol.RouteErrorLine(err)
	}

	route, err := s.Map.Route(req.RowKey, req.Op)
	if err != nil {
		log.Printf("coordinator: %s %q: %v", req.Op, req.RowKey, err)
		return protocol.ErrLineNoServer
	}
	if route.Degraded {
		log.Printf("coordinator: primary for %s is down, sending %s %q to replica %s",
			route.Range, req.Op, req.RowKey, route.Addr)
	}
	if s.Verbose {
		log.Printf("coordinator: %s %q -> %s", req.Op, req.RowKey, route.Addr)
	}
	return protocol.FormatRouteOK(route.Addr)
}
