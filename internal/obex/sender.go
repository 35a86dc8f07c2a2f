package obex

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Sender pushes one object over an already established link. A Sender is
// single use and must not be shared between goroutines.
type Sender struct {
	Conn io.ReadWriter
	// MaxPacket caps outbound packets. Zero means MaxPacketSize. The peer's
	// advertised maximum lowers it further.
	MaxPacket int
	Progress  ProgressFunc
	Observer  Observer
}

// Send connects, streams src as a PUT sequence and waits for the final
// Success. src must yield exactly req.Size bytes for progress to be exact; the
// wire format itself does not depend on it.
func (s *Sender) Send(ctx context.Context, req TransferRequest, src io.Reader) error {
	res, err := Connect(s.Conn)
	if err != nil {
		return err
	}
	s.observe(Outbound, byte(OpConnect), len(connectPacket(byte(OpConnect))))
	s.observe(Inbound, byte(RespSuccess), res.size)

	maxPacket := s.packetLimit(res.MaxPacket)
	meta, err := req.metadata(res.ConnectionID)
	if err != nil {
		return newError(KindProtocolViolation, "build metadata", err)
	}
	later := res.ConnectionID.header()

	buf := make([]byte, maxPacket)
	var sent uint64
	for chunk := 0; ; chunk++ {
		if err := ctx.Err(); err != nil {
			return newError(KindTransportFailure, "send", err)
		}
		headers := later
		if chunk == 0 {
			headers = meta
		}
		room := maxPacket - packetOverhead(headers)
		if room <= 0 {
			return newError(KindProtocolViolation, "send", fmt.Errorf("%w: metadata leaves no room for body in %d byte packets", ErrPacketTooLarge, maxPacket))
		}

		n, rerr := io.ReadFull(src, buf[:room])
		exhausted := errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF)
		if rerr != nil && !exhausted {
			return newError(KindIOFailure, "read source", rerr)
		}
		// The first packet always goes out so the metadata is sent exactly once.
		if n == 0 && chunk > 0 {
			break
		}

		pkt := NewRequest(OpPut, headers...)
		if n > 0 {
			pkt.Headers = append(pkt.Headers[:len(headers):len(headers)], BodyHeader(buf[:n]))
		}
		if err := s.exchange(pkt, RespContinue); err != nil {
			return err
		}
		sent += uint64(n)
		if req.Size > 0 && sent < req.Size {
			s.report(float64(sent) / float64(req.Size))
		}
		if exhausted {
			break
		}
	}

	final := NewRequest(OpPutFinal, later...)
	final.Headers = append(final.Headers[:len(later):len(later)], EndOfBodyHeader(nil))
	if err := s.exchange(final, RespSuccess); err != nil {
		return err
	}
	s.report(1)
	return nil
}

// exchange writes one request and checks the single response it earns.
func (s *Sender) exchange(pkt *Packet, want ResponseCode) error {
	op := Opcode(pkt.Code).String()
	b, err := pkt.MarshalBinary()
	if err != nil {
		return newError(KindProtocolViolation, op, err)
	}
	if _, err := s.Conn.Write(b); err != nil {
		return transportError(op, err)
	}
	s.observe(Outbound, pkt.Code, len(b))
	got, size, err := readResponse(s.Conn)
	if err != nil {
		return transportError(op, err)
	}
	s.observe(Inbound, byte(got), size)
	return checkResponse(op, got, want)
}

func checkResponse(op string, got, want ResponseCode) error {
	switch got {
	case want:
		return nil
	case RespUnsupportedMediaType:
		return codeError(KindUnsupportedMediaType, op, byte(got), errors.New("peer rejected the content type"))
	default:
		return codeError(KindProtocolViolation, op, byte(got), fmt.Errorf("expected %s, got %s", want, got))
	}
}

func (s *Sender) packetLimit(peer int) int {
	limit := s.MaxPacket
	if limit <= 0 || limit > MaxPacketSize {
		limit = MaxPacketSize
	}
	if peer >= minPacketSize && peer < limit {
		limit = peer
	}
	return limit
}

// packetOverhead is the size of a PUT packet carrying headers plus an empty Body header.
func packetOverhead(headers []Header) int {
	n := prefixLen + headerPrefixLen
	for _, h := range headers {
		n += h.Len()
	}
	return n
}

func (s *Sender) report(f float64) {
	if s.Progress != nil {
		s.Progress(f)
	}
}

func (s *Sender) observe(dir Direction, code byte, size int) {
	if s.Observer != nil {
		s.Observer.ObservePacket(dir, code, size)
	}
}
