package obex

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// scriptConn replays a fixed inbound byte stream and records what is written.
type scriptConn struct {
	io.Reader
	out bytes.Buffer
}

func (c *scriptConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func newScriptConn(in ...[]byte) *scriptConn {
	return &scriptConn{Reader: bytes.NewReader(bytes.Join(in, nil))}
}

// fakePeer answers every request the way a push server would, queuing the
// response as soon as the request is written.
type fakePeer struct {
	sent        bytes.Buffer
	pending     bytes.Buffer
	connectResp []byte
	putResp     ResponseCode
	finalResp   ResponseCode
	// putRaw, when set, replaces the PUT response bytes.
	putRaw []byte
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		connectResp: connectPacket(byte(RespSuccess)),
		putResp:     RespContinue,
		finalResp:   RespSuccess,
	}
}

func (p *fakePeer) Write(b []byte) (int, error) {
	p.sent.Write(b)
	switch Opcode(b[0]) {
	case OpConnect:
		p.pending.Write(p.connectResp)
	case OpPut:
		if p.putRaw != nil {
			p.pending.Write(p.putRaw)
			break
		}
		p.pending.Write(shortResponse(p.putResp))
	case OpPutFinal:
		p.pending.Write(shortResponse(p.finalResp))
	}
	return len(b), nil
}

func (p *fakePeer) Read(b []byte) (int, error) { return p.pending.Read(b) }

type rawPacket struct {
	code byte
	// rest is everything after the 3-byte prefix.
	rest []byte
}

func splitPackets(t *testing.T, b []byte) []rawPacket {
	t.Helper()
	var out []rawPacket
	for len(b) > 0 {
		if len(b) < prefixLen {
			t.Fatalf("dangling %d bytes", len(b))
		}
		n := int(binary.BigEndian.Uint16(b[1:3]))
		if n < prefixLen || n > len(b) {
			t.Fatalf("bad packet length %d with %d bytes left", n, len(b))
		}
		out = append(out, rawPacket{code: b[0], rest: b[prefixLen:n]})
		b = b[n:]
	}
	return out
}

func mustPacket(t *testing.T, p *Packet) []byte {
	t.Helper()
	b, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func mustName(t *testing.T, name string) Header {
	t.Helper()
	h, err := NameHeader(name)
	if err != nil {
		t.Fatalf("name header: %v", err)
	}
	return h
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

// bodyOf concatenates the Body and End-of-Body payloads of a PUT packet.
func bodyOf(t *testing.T, p rawPacket) ([]Header, []byte) {
	t.Helper()
	hs, err := DecodeHeaders(p.rest)
	if err != nil {
		t.Fatalf("decode headers of 0x%02X: %v", p.code, err)
	}
	var body []byte
	for _, h := range hs {
		if h.ID.IsBody() {
			body = append(body, h.Data...)
		}
	}
	return hs, body
}
