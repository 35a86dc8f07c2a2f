package obex

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ConnectionID is the optional session identifier a peer grants on CONNECT.
// A zero value means none was granted and it must not be echoed.
type ConnectionID struct {
	ID    uint32
	Valid bool
}

// header returns the Connection-ID header to echo, if any.
func (c ConnectionID) header() []Header {
	if !c.Valid {
		return nil
	}
	return []Header{ConnectionIDHeader(c.ID)}
}

// ConnectResult is what the initiator learns from a successful CONNECT.
type ConnectResult struct {
	ConnectionID ConnectionID
	// MaxPacket is the peer's advertised maximum packet length, 0 if it sent none.
	MaxPacket int
	// size is the length of the response packet.
	size int
}

// Connect performs the initiating side of the CONNECT exchange on rw.
func Connect(rw io.ReadWriter) (ConnectResult, error) {
	const op = "connect"
	if _, err := rw.Write(connectPacket(byte(OpConnect))); err != nil {
		return ConnectResult{}, transportError(op, err)
	}
	code, length, err := ReadPrefix(rw)
	if err != nil {
		return ConnectResult{}, transportError(op, err)
	}
	if ResponseCode(code) != RespSuccess {
		// Drain what the peer sent so the link is left at a packet boundary.
		_ = discard(rw, length-prefixLen)
		return ConnectResult{}, codeError(KindConnectionRejected, op, code,
			fmt.Errorf("peer answered %s", ResponseCode(code)))
	}
	rest := make([]byte, length-prefixLen)
	if _, err := io.ReadFull(rw, rest); err != nil {
		return ConnectResult{}, transportError(op, err)
	}
	res, err := parseConnectResponse(rest)
	res.size = length
	return res, err
}

// parseConnectResponse reads version, flags and maximum packet length, then
// looks for a Connection-ID header. Peers that send a bare 3-byte success are
// tolerated.
func parseConnectResponse(b []byte) (ConnectResult, error) {
	var res ConnectResult
	if len(b) < 4 {
		return res, nil
	}
	res.MaxPacket = int(binary.BigEndian.Uint16(b[2:4]))
	headers, err := DecodeHeaders(b[4:])
	if err != nil {
		return res, newError(KindProtocolViolation, "connect", err)
	}
	for _, h := range headers {
		if h.ID == HeaderConnectionID {
			res.ConnectionID = ConnectionID{ID: h.Value, Valid: true}
			break
		}
	}
	return res, nil
}

// AcceptConnect performs the responding side of the CONNECT exchange. It never
// allocates a connection id.
func AcceptConnect(rw io.ReadWriter) error {
	const op = "accept connect"
	code, length, err := ReadPrefix(rw)
	if err != nil {
		return transportError(op, err)
	}
	if length > MaxPacketSize {
		_, _ = rw.Write(connectPacket(byte(RespBadRequest)))
		return newError(KindProtocolViolation, op, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, length))
	}
	if err := discard(rw, length-prefixLen); err != nil {
		return transportError(op, err)
	}
	if Opcode(code) != OpConnect {
		if _, err := rw.Write(connectPacket(byte(RespBadRequest))); err != nil {
			return transportError(op, err)
		}
		return codeError(KindProtocolViolation, op, code, fmt.Errorf("expected %s, got %s", OpConnect, Opcode(code)))
	}
	if _, err := rw.Write(connectPacket(byte(RespSuccess))); err != nil {
		return transportError(op, err)
	}
	return nil
}
