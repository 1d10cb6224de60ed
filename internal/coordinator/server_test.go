package coordinator

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tabletkv/internal/lineserver"
	"github.com/dreamware/tabletkv/internal/protocol"
)

func TestServerHandle(t *testing.T) {
	m := newTestMap(t)
	m.SetPicker(func(int) int { return 0 })
	activateAll(m)
	s := NewServer(m, true)

	tests := []struct {
		name string
		line string
		want string
	}{
		{name: "write to primary", line: "GET abcrow put", want: "+OK RESP " + nodeA + "\r\n"},
		{name: "read", line: "GET zoo get", want: "+OK RESP " + nodeB + "\r\n"},
		{name: "lowercase verb", line: "get abcrow cput", want: "+OK RESP " + nodeA + "\r\n"},
		{name: "uncovered key", line: "GET 9lives put", want: protocol.ErrLineNoServer},
		{name: "missing op", line: "GET abcrow", want: protocol.ErrLineParamNotImpl},
		{name: "extra param", line: "GET abcrow put now", want: protocol.ErrLineParamNotImpl},
		{name: "unknown verb", line: "SET abcrow put", want: protocol.ErrLineNotRecognized},
		{name: "blank", line: "", want: protocol.ErrLineNotRecognized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Handle(tt.line))
		})
	}
}

func TestServerHandleNoActiveNode(t *testing.T) {
	s := NewServer(newTestMap(t), false)
	assert.Equal(t, protocol.ErrLineNoServer, s.Handle("GET abcrow put"))
	assert.Equal(t, protocol.ErrLineNoServer, s.Handle("GET abcrow get"))
}

func TestServerOneShot(t *testing.T) {
	m := newTestMap(t)
	activateAll(m)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &lineserver.Server{Name: "coordinator", Handler: NewServer(m, false)}
	go srv.Serve(ln)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Write([]byte(protocol.FormatRouteRequest("abcrow", "put")))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	addr, err := protocol.ParseRouteResponse(line)
	require.NoError(t, err)
	assert.Equal(t, nodeA, addr)

	// the coordinator closes the connection after one reply
	_, err = r.ReadString('\n')
	assert.Error(t, err)
}
