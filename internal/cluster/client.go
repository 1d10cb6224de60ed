package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dreamware/tabletkv/internal/protocol"
)

// ErrServerShuttingDown is returned when a tablet announces it is going away.
var ErrServerShuttingDown = errors.New("server shutting down")

// ErrTooManyConflicts is returned by Update when every attempt lost a CPUT race.
var ErrTooManyConflicts = errors.New("too many conflicting updates")

// StatusError is an in-band failure reported by a tablet (status 1).
type StatusError struct {
	Op      protocol.OpType
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// IsStatus reports whether err is a StatusError carrying msg.
func IsStatus(err error, msg string) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Message == msg
}

// IsConflict reports whether err is a CPUT expected-value mismatch.
func IsConflict(err error) bool {
	return IsStatus(err, protocol.MsgValueMismatch)
}

const (
	defaultDialTimeout = 2 * time.Second
	defaultIOTimeout   = 5 * time.Second
	defaultAttempts    = 16
)

// Client resolves rowkeys through the coordinator and runs single
// operations against the returned tablet. It does not fail over: after a
// transport error the caller decides whether to retry, and each call asks
// the coordinator again.
type Client struct {
	Coordinator string        // coordinator "ip:port"
	DialTimeout time.Duration // per connection attempt
	IOTimeout   time.Duration // per exchange when ctx has no deadline
	MaxAttempts int           // CPUT attempts made by Update
}

// NewClient creates a client for the coordinator at addr.
func NewClient(addr string) *Client {
	return &Client{
		Coordinator: addr,
		DialTimeout: defaultDialTimeout,
		IOTimeout:   defaultIOTimeout,
		MaxAttempts: defaultAttempts,
	}
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	setDeadline(ctx, conn, c.IOTimeout)
	return conn, nil
}

func setDeadline(ctx context.Context, conn net.Conn, fallback time.Duration) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else if fallback > 0 {
		conn.SetDeadline(time.Now().Add(fallback))
	}
}

// Locate asks the coordinator which tablet serves rowkey for op
// ("get", "put", "cput", "delete").
func (c *Client) Locate(ctx context.Context, rowkey, op string) (string, error) {
	conn, err := c.dial(ctx, c.Coordinator)
	if err != nil {
		return "", fmt.Errorf("dial coordinator: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(protocol.FormatRouteRequest(rowkey, op))); err != nil {
		return "", fmt.Errorf("query coordinator: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read coordinator reply: %w", err)
	}
	return protocol.ParseRouteResponse(line)
}

// Do locates the tablet for m and executes m on it over a fresh connection.
// An in-band failure is returned as a *StatusError along with the response.
func (c *Client) Do(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	addr, err := c.Locate(ctx, m.RowKey, m.Type.RouteName())
	if err != nil {
		return nil, err
	}
	tc, err := c.DialTablet(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer tc.Close()

	resp, err := tc.Send(ctx, m)
	if err != nil {
		return nil, err
	}
	if resp.Status != protocol.StatusOK {
		return resp, &StatusError{Op: m.Type, Message: resp.ErrorMessage}
	}
	return resp, nil
}

// Get returns the value of row/col.
func (c *Client) Get(ctx context.Context, row, col string) (string, error) {
	resp, err := c.Do(ctx, &protocol.Message{Type: protocol.OpGet, RowKey: row, ColKey: col})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// Put appends value under row/col.
func (c *Client) Put(ctx context.Context, row, col, value string) error {
	_, err := c.Do(ctx, &protocol.Message{Type: protocol.OpPut, RowKey: row, ColKey: col, Value: value})
	return err
}

// CPut replaces row/col with value if it currently equals expected.
func (c *Client) CPut(ctx context.Context, row, col, expected, value string) error {
	_, err := c.Do(ctx, &protocol.Message{Type: protocol.OpCPut, RowKey: row, ColKey: col, Value: expected, Value2: value})
	return err
}

// Delete removes row/col.
func (c *Client) Delete(ctx context.Context, row, col string) error {
	_, err := c.Do(ctx, &protocol.Message{Type: protocol.OpDelete, RowKey: row, ColKey: col})
	return err
}

// Update applies fn to the current value of row/col with the GET+CPUT
// loop, retrying when another writer got there first. It returns the value
// that was stored.
func (c *Client) Update(ctx context.Context, row, col string, fn func(old string) (string, error)) (string, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		old, err := c.Get(ctx, row, col)
		if err != nil {
			return "", err
		}
		next, err := fn(old)
		if err != nil {
			return "", err
		}
		err = c.CPut(ctx, row, col, old, next)
		if err == nil {
			return next, nil
		}
		if !IsConflict(err) {
			return "", err
		}
	}
	return "", ErrTooManyConflicts
}

// TabletConn is a client session with one tablet server.
type TabletConn struct {
	conn      net.Conn
	r         *bufio.Reader
	ioTimeout time.Duration
}

// DialTablet opens a session with the tablet at addr.
func (c *Client) DialTablet(ctx context.Context, addr string) (*TabletConn, error) {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial tablet %s: %w", addr, err)
	}
	return &TabletConn{conn: conn, r: bufio.NewReader(conn), ioTimeout: c.IOTimeout}, nil
}

// Send writes m and reads one response envelope.
func (t *TabletConn) Send(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	setDeadline(ctx, t.conn, t.ioTimeout)
	if _, err := t.conn.Write([]byte(protocol.Encode(m))); err != nil {
		return nil, fmt.Errorf("send %s: %w", m.Type, err)
	}
	return t.read()
}

func (t *TabletConn) read() (*protocol.Message, error) {
	line, err := t.r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if line == protocol.ShutdownNotice {
		return nil, ErrServerShuttingDown
	}
	return protocol.Decode(line)
}

// ListAll streams every stored entry to fn until the end-of-stream marker.
func (t *TabletConn) ListAll(ctx context.Context, fn func(*protocol.Message) error) error {
	setDeadline(ctx, t.conn, t.ioTimeout)
	req := &protocol.Message{Type: protocol.OpListAll}
	if _, err := t.conn.Write([]byte(protocol.Encode(req))); err != nil {
		return fmt.Errorf("send %s: %w", req.Type, err)
	}
	// keep reading to the marker after a failure so the session stays usable
	var streamErr error
	for {
		m, err := t.read()
		if err != nil {
			return err
		}
		if m.IsEndOfStream() {
			return streamErr
		}
		if streamErr != nil {
			continue
		}
		if m.Status == protocol.StatusError {
			streamErr = &StatusError{Op: protocol.OpListAll, Message: m.ErrorMessage}
			continue
		}
		streamErr = fn(m)
	}
}

// Close ends the session with "quit" and closes the connection.
func (t *TabletConn) Close() error {
	t.conn.SetDeadline(time.Now().Add(time.Second))
	if _, err := t.conn.Write([]byte(protocol.QuitCommand + protocol.CRLF)); err == nil {
		t.r.ReadString('\n')
	}
	return t.conn.Close()
}
