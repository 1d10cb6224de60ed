package lineserver

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dreamware/tabletkv/internal/protocol"
)

// Conn is a server-side connection that reads and writes whole lines.
// Writes are serialized so a shutdown notice never interleaves with a reply.
type Conn struct {
	net.Conn

	scanner      *bufio.Scanner
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// ReadLine returns the next line without its CRLF. It returns io.EOF when
// the peer closes the connection and an error when the read deadline passes
// or the line exceeds the server's limit.
func (c *Conn) ReadLine() (string, error) {
	if c.readTimeout > 0 {
		c.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return protocol.TrimEOL(c.scanner.Text()), nil
}

// WriteLine writes line, which must already carry its CRLF.
func (c *Conn) WriteLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := io.WriteString(c.Conn, line)
	return err
}

// Close closes the underlying connection once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.Conn.Close() })
	return err
}
