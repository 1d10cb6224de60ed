// Package protocol defines the wire formats spoken by tabletkv processes:
// the pipe-delimited envelope exchanged with tablet servers and the
// one-line routing protocol of the coordinator.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// OpType identifies the operation carried by a Message.
type OpType int

const (
	OpGet     OpType = 1
	OpPut     OpType = 2
	OpDelete  OpType = 3
	OpCPut    OpType = 4
	OpSuspend OpType = 5
	OpRevive  OpType = 6
	OpListAll OpType = 10
)

// Status values carried in a response envelope.
const (
	StatusOK    = 0 // operation succeeded
	StatusError = 1 // application error, see ErrorMessage
	StatusEnd   = 2 // end of a LIST-ALL stream
)

// In-band error messages carried in ErrorMessage with StatusError.
const (
	MsgRowNotFound   = "Rowkey does not exist"
	MsgColNotFound   = "Colkey does not exist"
	MsgValueMismatch = "Old value does not match"
	MsgSuspended     = "Server is suspended"
	MsgUnsupportedOp = "Unsupported operation"
)

// TerminateKey marks the final envelope of a LIST-ALL stream.
const TerminateKey = "terminate"

// fieldCount is the number of pipe-separated fields in an encoded envelope.
const fieldCount = 8

// ErrMalformed is returned by Decode for lines that are not valid envelopes.
var ErrMalformed = errors.New("malformed envelope")

func (t OpType) String() string {
	switch t {
	case OpGet:
		return "GET"
	case OpPut:
		return "PUT"
	case OpDelete:
		return "DELETE"
	case OpCPut:
		return "CPUT"
	case OpSuspend:
		return "SUSPEND"
	case OpRevive:
		return "REVIVE"
	case OpListAll:
		return "LIST-ALL"
	default:
		return fmt.Sprintf("OP(%d)", int(t))
	}
}

// RouteName is the operation name used when asking the coordinator for a
// node, e.g. "get" or "cput".
func (t OpType) RouteName() string {
	return strings.ToLower(t.String())
}

// Message is the request/response envelope. The caller builds it, the
// tablet mutates it in place and sends it back.
//
// For CPUT, Value holds the expected current value and Value2 the
// replacement.
type Message struct {
	Type         OpType
	RowKey       string
	ColKey       string
	Value        string
	Value2       string
	Status       int
	FromPrimary  bool
	ErrorMessage string
}

// Fail marks m as an application error.
func (m *Message) Fail(msg string) {
	m.Status = StatusError
	m.ErrorMessage = msg
}

// Succeed marks m as successful and clears any previous error text.
func (m *Message) Succeed() {
	m.Status = StatusOK
	m.ErrorMessage = ""
}

// IsEndOfStream reports whether m terminates a LIST-ALL stream. Only the
// status marks the end; a stored row may itself be keyed "terminate".
func (m *Message) IsEndOfStream() bool {
	return m.Status == StatusEnd
}

// EndOfStream returns the sentinel envelope closing a LIST-ALL stream.
func EndOfStream() *Message {
	return &Message{
		Type:   OpListAll,
		RowKey: TerminateKey,
		ColKey: TerminateKey,
		Status: StatusEnd,
	}
}

// Encode renders m as a single CRLF-terminated line.
func Encode(m *Message) string {
	primary := "0"
	if m.FromPrimary {
		primary = "1"
	}
	fields := []string{
		strconv.Itoa(int(m.Type)),
		Escape(m.RowKey),
		Escape(m.ColKey),
		Escape(m.Value),
		Escape(m.Value2),
		strconv.Itoa(m.Status),
		primary,
		Escape(m.ErrorMessage),
	}
	return strings.Join(fields, "|") + CRLF
}

// Decode parses one envelope line. The trailing CRLF is optional.
func Decode(line string) (*Message, error) {
	line = TrimEOL(line)
	fields := strings.Split(line, "|")
	if len(fields) != fieldCount {
		return nil, fmt.Errorf("%w: want %d fields, got %d", ErrMalformed, fieldCount, len(fields))
	}

	typ, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad type %q", ErrMalformed, fields[0])
	}
	status, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil, fmt.Errorf("%w: bad status %q", ErrMalformed, fields[5])
	}

	m := &Message{Type: OpType(typ), Status: status}
	switch fields[6] {
	case "1", "true":
		m.FromPrimary = true
	case "0", "false", "":
	default:
		return nil, fmt.Errorf("%w: bad isFromPrimary %q", ErrMalformed, fields[6])
	}

	targets := []*string{&m.RowKey, &m.ColKey, &m.Value, &m.Value2}
	for i, dst := range targets {
		if *dst, err = Unescape(fields[i+1]); err != nil {
			return nil, err
		}
	}
	if m.ErrorMessage, err = Unescape(fields[7]); err != nil {
		return nil, err
	}
	return m, nil
}
