package tablet

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/dreamware/tabletkv/internal/lineserver"
	"github.com/dreamware/tabletkv/internal/protocol"
	"github.com/dreamware/tabletkv/internal/storage"
)

// Server speaks the envelope protocol for one tablet. It implements
// lineserver.Handler; each connection is a sequence of request lines,
// each answered with one response line (LIST-ALL answers with a stream),
// until the client sends "quit".
type Server struct {
	Tablet  *Tablet
	Name    string // node identity for log lines, usually its address
	Verbose bool
}

// NewServer creates a connection handler for t.
func NewServer(t *Tablet, name string, verbose bool) *Server {
	return &Server{Tablet: t, Name: name, Verbose: verbose}
}

// ServeConn runs one client session.
func (s *Server) ServeConn(ctx context.Context, c *lineserver.Conn) {
	for {
		line, err := c.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && s.Verbose {
				log.Printf("tablet[%s]: read from %s: %v", s.Name, c.RemoteAddr(), err)
			}
			return
		}
		if line == protocol.QuitCommand {
			c.WriteLine(protocol.GoodbyeLine)
			return
		}
		if err := s.handleLine(c, line); err != nil {
			if s.Verbose {
				log.Printf("tablet[%s]: write to %s: %v", s.Name, c.RemoteAddr(), err)
			}
			return
		}
	}
}

func (s *Server) handleLine(c *lineserver.Conn, line string) error {
	req, err := protocol.Decode(line)
	if err != nil {
		log.Printf("tablet[%s]: bad request from %s: %v", s.Name, c.RemoteAddr(), err)
		return c.WriteLine(protocol.Encode(MalformedResponse(err)))
	}

	if s.Verbose {
		log.Printf("tablet[%s]: %s row=%q col=%q", s.Name, req.Type, req.RowKey, req.ColKey)
	}

	if req.Type == protocol.OpListAll {
		return s.listAll(c, req)
	}

	resp := s.Tablet.Execute(req)
	if resp.ErrorMessage == MsgUnsupportedOp {
		log.Printf("tablet[%s]: unsupported operation %s from %s", s.Name, req.Type, c.RemoteAddr())
	}
	if s.Verbose && resp.Status != protocol.StatusOK {
		log.Printf("tablet[%s]: %s row=%q col=%q failed: %s", s.Name, req.Type, req.RowKey, req.ColKey, resp.ErrorMessage)
	}
	return c.WriteLine(protocol.Encode(resp))
}

// listAll streams one envelope per stored entry followed by the
// end-of-stream sentinel.
func (s *Server) listAll(c *lineserver.Conn, req *protocol.Message) error {
	err := s.Tablet.ForEachRow(func(rowkey string, cols []storage.Column) error {
		for _, col := range cols {
			entry := &protocol.Message{
				Type:        protocol.OpListAll,
				RowKey:      rowkey,
				ColKey:      col.Key,
				Value:       col.Value,
				FromPrimary: req.FromPrimary,
			}
			if err := c.WriteLine(protocol.Encode(entry)); err != nil {
				return writeError{err}
			}
		}
		return nil
	})
	if err != nil {
		var we writeError
		if errors.As(err, &we) {
			return we.err
		}
		log.Printf("tablet[%s]: list-all: %v", s.Name, err)
		failed := &protocol.Message{Type: protocol.OpListAll}
		failed.Fail(err.Error())
		if werr := c.WriteLine(protocol.Encode(failed)); werr != nil {
			return werr
		}
	}
	return c.WriteLine(protocol.Encode(protocol.EndOfStream()))
}

// writeError marks a failure to write to the client, which ends the session,
// as opposed to a storage failure, which is reported in-band.
type writeError struct{ err error }

func (e writeError) Error() string { return e.err.Error() }
