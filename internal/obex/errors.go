package obex

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why a transfer failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindServiceNotFound
	KindConnectionRejected
	KindProtocolViolation
	KindUnsupportedMediaType
	KindUnsupportedOperation
	KindAborted
	KindDeclined
	KindTransportFailure
	KindIOFailure
)

func (k Kind) String() string {
	switch k {
	case KindServiceNotFound:
		return "service not found"
	case KindConnectionRejected:
		return "connection rejected"
	case KindProtocolViolation:
		return "protocol violation"
	case KindUnsupportedMediaType:
		return "unsupported media type"
	case KindUnsupportedOperation:
		return "unsupported operation"
	case KindAborted:
		return "aborted"
	case KindDeclined:
		return "declined"
	case KindTransportFailure:
		return "transport failure"
	case KindIOFailure:
		return "i/o failure"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by the engines. Code holds the raw
// opcode or response byte that triggered the failure, when there was one.
type Error struct {
	Kind    Kind
	Op      string
	Code    byte
	HasCode bool
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("obex: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.HasCode {
		fmt.Fprintf(&b, " (code 0x%02X)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind so callers can write
// errors.Is(err, &obex.Error{Kind: obex.KindDeclined}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func codeError(kind Kind, op string, code byte, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, HasCode: true, Err: err}
}

// transportError classifies an I/O failure on the link. An error that is
// already classified is returned unchanged.
func transportError(op string, err error) error {
	var oe *Error
	if errors.As(err, &oe) {
		return err
	}
	return newError(KindTransportFailure, op, err)
}

var (
	// ErrMalformedHeader is returned when a header declares a length shorter
	// than its own prefix.
	ErrMalformedHeader = errors.New("malformed header length")
	// ErrMalformedPacket is returned when a packet declares a length shorter
	// than its own prefix.
	ErrMalformedPacket = errors.New("malformed packet length")
	// ErrPacketTooLarge is returned when a packet does not fit its 16-bit length field
	// or the negotiated maximum packet size.
	ErrPacketTooLarge = errors.New("packet too large")
)

// IncompleteError reports that decoding needs Need more bytes. For Body and
// End-of-Body headers the partial payload was returned alongside it and Need
// is exactly the remaining payload count.
type IncompleteError struct {
	Need int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("need %d more bytes", e.Need)
}
