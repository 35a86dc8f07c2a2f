package obex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// MaxPacketSize is the largest packet this profile sends or advertises.
	MaxPacketSize = 8192
	// prefixLen is the opcode (or response code) byte plus the 2-byte packet length.
	prefixLen = 3
	// minPacketSize is the smallest maximum packet length a peer may advertise.
	minPacketSize = 255

	version10 = 0x10
)

// Packet is an opcode (or response code) followed by an ordered header list.
type Packet struct {
	Code    byte
	Headers []Header
}

// NewRequest starts a request packet.
func NewRequest(op Opcode, headers ...Header) *Packet {
	return &Packet{Code: byte(op), Headers: headers}
}

// NewResponse starts a response packet.
func NewResponse(rc ResponseCode, headers ...Header) *Packet {
	return &Packet{Code: byte(rc), Headers: headers}
}

// Len is the value of the packet's length field: the prefix plus every header's
// declared length.
func (p *Packet) Len() int {
	n := prefixLen
	for _, h := range p.Headers {
		n += h.Len()
	}
	return n
}

// MarshalBinary builds the wire form with the length field computed from the
// final header set.
func (p *Packet) MarshalBinary() ([]byte, error) {
	total := p.Len()
	if total > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, total)
	}
	buf := make([]byte, 0, total)
	buf = append(buf, p.Code)
	buf = binary.BigEndian.AppendUint16(buf, uint16(total))
	for _, h := range p.Headers {
		buf = h.AppendTo(buf)
	}
	return buf, nil
}

// WriteTo writes the marshalled packet to w.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ParsePrefix parses the 3-byte opcode and length prefix of a packet. A length
// below the prefix size is a protocol violation wrapping ErrMalformedPacket.
func ParsePrefix(b []byte) (code byte, length int, err error) {
	const op = "parse packet"
	if len(b) < prefixLen {
		return 0, 0, newError(KindProtocolViolation, op, fmt.Errorf("%w: prefix needs %d bytes, got %d", ErrMalformedPacket, prefixLen, len(b)))
	}
	length = int(binary.BigEndian.Uint16(b[1:3]))
	if length < prefixLen {
		return b[0], length, codeError(KindProtocolViolation, op, b[0], fmt.Errorf("%w: declared length %d is shorter than its prefix", ErrMalformedPacket, length))
	}
	return b[0], length, nil
}

// ReadPrefix blocks until the 3-byte prefix of the next packet has been read.
// The returned length includes the prefix.
func ReadPrefix(r io.Reader) (code byte, length int, err error) {
	var b [prefixLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, 0, err
	}
	return ParsePrefix(b[:])
}

// discard drops n bytes from r, for the unread tail of a packet.
func discard(r io.Reader, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, int64(n))
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// shortResponse is the fixed 3-byte response with no headers.
func shortResponse(rc ResponseCode) []byte {
	return []byte{byte(rc), 0x00, prefixLen}
}

// connectPacket is the fixed 7-byte CONNECT request or response shape:
// code, length, OBEX version 1.0, flags, maximum packet length.
func connectPacket(code byte) []byte {
	b := []byte{code, 0x00, 0x07, version10, 0x00}
	return binary.BigEndian.AppendUint16(b, MaxPacketSize)
}

// readResponse reads one response packet, keeps its code and length and drops
// any headers.
func readResponse(r io.Reader) (ResponseCode, int, error) {
	code, length, err := ReadPrefix(r)
	if err != nil {
		return 0, 0, err
	}
	return ResponseCode(code), length, discard(r, length-prefixLen)
}
