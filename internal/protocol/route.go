package protocol

import (
	"errors"
	"strings"
)

// Session-level lines shared by both servers.
const (
	QuitCommand    = "quit"
	GoodbyeLine    = "+OK Goodbye!" + CRLF
	ShutdownNotice = "-ERR Server shutting down" + CRLF
)

// Coordinator error replies.
const (
	ErrLineNoServer        = "-ERR No server for this range" + CRLF
	ErrLineParamNotImpl    = "-ERR Command parameter not implemented" + CRLF
	ErrLineNotRecognized   = "-ERR Command not recognized" + CRLF
	routeOKPrefix          = "+OK RESP "
	routeVerb              = "GET"
	routeRequestParamCount = 2
)

var (
	// ErrNotRecognized means the request verb was missing or unknown.
	ErrNotRecognized = errors.New("command not recognized")
	// ErrParamNotImplemented means the verb was known but its parameters were not.
	ErrParamNotImplemented = errors.New("command parameter not implemented")
	// ErrNoServer is the client-side form of "-ERR No server for this range".
	ErrNoServer = errors.New("no server for this range")
)

// RouteRequest asks the coordinator which node serves RowKey for Op.
type RouteRequest struct {
	RowKey string
	Op     string
}

// IsRead reports whether the request may be served by any active replica.
func (r RouteRequest) IsRead() bool {
	return r.Op == OpGet.RouteName()
}

// ParseRouteRequest parses "GET <rowkey> <operationType>".
func ParseRouteRequest(line string) (RouteRequest, error) {
	fields := strings.Fields(TrimEOL(line))
	if len(fields) == 0 || !strings.EqualFold(fields[0], routeVerb) {
		return RouteRequest{}, ErrNotRecognized
	}
	if len(fields)-1 != routeRequestParamCount {
		return RouteRequest{}, ErrParamNotImplemented
	}
	return RouteRequest{RowKey: fields[1], Op: strings.ToLower(fields[2])}, nil
}

// FormatRouteRequest renders a routing query line.
func FormatRouteRequest(rowkey, op string) string {
	return routeVerb + " " + rowkey + " " + op + CRLF
}

// FormatRouteOK renders the success reply carrying a node address.
func FormatRouteOK(addr string) string {
	return routeOKPrefix + addr + CRLF
}

// RouteErrorLine maps a routing error to its reply line.
func RouteErrorLine(err error) string {
	switch {
	case errors.Is(err, ErrNotRecognized):
		return ErrLineNotRecognized
	case errors.Is(err, ErrParamNotImplemented):
		return ErrLineParamNotImpl
	default:
		return ErrLineNoServer
	}
}

// ParseRouteResponse extracts the address from a coordinator reply.
func ParseRouteResponse(line string) (string, error) {
	line = TrimEOL(line)
	switch {
	case strings.HasPrefix(line, routeOKPrefix):
		addr := strings.TrimSpace(strings.TrimPrefix(line, routeOKPrefix))
		if addr == "" {
			return "", ErrNotRecognized
		}
		return addr, nil
	case line+CRLF == ErrLineNoServer:
		return "", ErrNoServer
	case line+CRLF == ErrLineParamNotImpl:
		return "", ErrParamNotImplemented
	default:
		return "", ErrNotRecognized
	}
}
