package obex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// DefaultMaxObjectSize bounds an inbound object when Receiver.MaxObjectSize is zero.
	DefaultMaxObjectSize = 1 << 30
	// maxPrealloc caps the buffer reserved up front from an advisory Length header.
	maxPrealloc = 1 << 20
)

// ErrObjectTooLarge is returned when an inbound body outgrows the configured limit.
var ErrObjectTooLarge = errors.New("object exceeds size limit")

// DecisionFunc is asked once per inbound object, after its first packet, whether
// to take it. The receive loop is suspended until it returns.
type DecisionFunc func(ctx context.Context, name string, size uint64) (bool, error)

// Receiver accepts one inbound object over an already established link.
// A Receiver is single use.
type Receiver struct {
	Conn io.ReadWriter
	// Decide gates the transfer; nil accepts everything.
	Decide        DecisionFunc
	Progress      ProgressFunc
	Observer      Observer
	MaxObjectSize int64
}

// receiveState is the in-progress object.
type receiveState struct {
	name    string
	mime    string
	size    uint64
	content []byte
	limit   int64
	scratch []byte
	report  func(float64)
}

// Receive answers CONNECT and then reads PUT packets until PutFinal, an ABORT,
// a rejected request, or a failure. The returned file is only non-nil on
// success.
func (r *Receiver) Receive(ctx context.Context) (*ReceivedFile, error) {
	if err := AcceptConnect(r.Conn); err != nil {
		return nil, err
	}
	st := &receiveState{
		limit:   r.MaxObjectSize,
		scratch: make([]byte, MaxPacketSize),
		report:  r.report,
	}
	if st.limit <= 0 {
		st.limit = DefaultMaxObjectSize
	}

	for first := true; ; first = false {
		code, length, err := ReadPrefix(r.Conn)
		if err != nil {
			if errors.Is(err, ErrMalformedPacket) {
				_ = r.respond(RespBadRequest)
			}
			return nil, transportError("read packet", err)
		}
		op := Opcode(code)

		switch op {
		case OpPut, OpPutFinal:
		case OpAbort:
			if err := r.refuse(length, RespSuccess); err != nil {
				return nil, transportError(op.String(), err)
			}
			return nil, newError(KindAborted, op.String(), errors.New("peer aborted the transfer"))
		case OpGet:
			if err := r.refuse(length, RespNotFound); err != nil {
				return nil, transportError(op.String(), err)
			}
			return nil, codeError(KindUnsupportedOperation, op.String(), code, errors.New("push only"))
		default:
			_ = r.refuse(length, RespBadRequest)
			return nil, codeError(KindProtocolViolation, "read packet", code, fmt.Errorf("unexpected %s", op))
		}

		if length > MaxPacketSize {
			_ = r.refuse(length, RespBadRequest)
			return nil, codeError(KindProtocolViolation, op.String(), code, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, length))
		}
		if err := st.readPacket(r.Conn, length-prefixLen); err != nil {
			if errors.Is(err, ErrObjectTooLarge) {
				_, _ = r.Conn.Write(shortResponse(RespBadRequest))
			}
			return nil, err
		}
		r.observe(Inbound, code, length)

		if first {
			if err := r.decide(ctx, st); err != nil {
				return nil, err
			}
		}

		if op == OpPut {
			if err := r.respond(RespContinue); err != nil {
				return nil, err
			}
			continue
		}
		if err := r.respond(RespSuccess); err != nil {
			return nil, err
		}
		r.report(1)
		return st.finish(), nil
	}
}

// decide suspends the loop on the caller's decision. Anything other than a
// clean accept is answered with Forbidden before returning.
func (r *Receiver) decide(ctx context.Context, st *receiveState) error {
	accept, err := true, error(nil)
	if r.Decide != nil {
		accept, err = r.Decide(ctx, trimName(st.name), st.size)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if accept && err == nil {
		return nil
	}
	if werr := r.respond(RespForbidden); werr != nil {
		return werr
	}
	if err == nil {
		err = errors.New("transfer declined")
	}
	return newError(KindDeclined, "decide", err)
}

// refuse drains the rest of a packet that will not be processed and answers it.
func (r *Receiver) refuse(length int, rc ResponseCode) error {
	if err := discard(r.Conn, length-prefixLen); err != nil {
		return err
	}
	_, err := r.Conn.Write(shortResponse(rc))
	if err == nil {
		r.observe(Outbound, byte(rc), prefixLen)
	}
	return err
}

func (r *Receiver) respond(rc ResponseCode) error {
	if _, err := r.Conn.Write(shortResponse(rc)); err != nil {
		return transportError("respond "+rc.String(), err)
	}
	r.observe(Outbound, byte(rc), prefixLen)
	return nil
}

func (r *Receiver) report(f float64) {
	if r.Progress != nil {
		r.Progress(f)
	}
}

func (r *Receiver) observe(dir Direction, code byte, size int) {
	if r.Observer != nil {
		r.Observer.ObservePacket(dir, code, size)
	}
}

// readPacket consumes exactly size header bytes from src, decoding headers as
// the transport delivers them. A Body that straddles reads is appended as it
// arrives and the remainder is requested exactly, so nothing past the packet
// boundary is ever read.
func (st *receiveState) readPacket(src io.Reader, size int) error {
	const op = "read headers"
	lr := &io.LimitedReader{R: src, N: int64(size)}
	buf := st.scratch
	start, end := 0, 0
	for {
		for start < end {
			h, used, err := DecodeHeader(buf[start:end])
			if err == nil {
				if err := st.apply(h); err != nil {
					return err
				}
				start += used
				continue
			}
			var inc *IncompleteError
			if !errors.As(err, &inc) {
				return newError(KindProtocolViolation, op, err)
			}
			if int64(inc.Need) > lr.N {
				return newError(KindProtocolViolation, op, fmt.Errorf("%s header runs past the packet end", HeaderID(buf[start])))
			}
			if used == 0 {
				break
			}
			if err := st.appendBody(h.Data); err != nil {
				return err
			}
			start, end = 0, 0
			if err := st.readBody(lr, inc.Need); err != nil {
				return err
			}
		}
		if lr.N == 0 {
			if start < end {
				return newError(KindProtocolViolation, op, errors.New("trailing bytes after last header"))
			}
			return nil
		}
		if start > 0 {
			end = copy(buf, buf[start:end])
			start = 0
		}
		n, err := lr.Read(buf[end:])
		end += n
		if err != nil && lr.N > 0 {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return transportError(op, err)
		}
	}
}

// readBody pulls exactly need payload bytes, reporting progress as they land.
func (st *receiveState) readBody(src io.Reader, need int) error {
	for need > 0 {
		chunk := st.scratch
		if need < len(chunk) {
			chunk = chunk[:need]
		}
		n, err := src.Read(chunk)
		if n > 0 {
			if aerr := st.appendBody(chunk[:n]); aerr != nil {
				return aerr
			}
			need -= n
		}
		if err != nil && need > 0 {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return transportError("read body", err)
		}
	}
	return nil
}

func (st *receiveState) apply(h Header) error {
	switch h.ID {
	case HeaderName:
		name, err := h.Text()
		if err != nil {
			return newError(KindProtocolViolation, "read headers", err)
		}
		st.name = name
	case HeaderType:
		st.mime = h.ASCII()
	case HeaderLength:
		st.size = uint64(h.Value)
		if st.content == nil {
			st.content = make([]byte, 0, min(st.size, maxPrealloc))
		}
	case HeaderBody, HeaderEndOfBody:
		return st.appendBody(h.Data)
	}
	return nil
}

func (st *receiveState) appendBody(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if int64(len(st.content))+int64(len(b)) > st.limit {
		return newError(KindProtocolViolation, "read body", fmt.Errorf("%w (%d bytes)", ErrObjectTooLarge, st.limit))
	}
	st.content = append(st.content, b...)
	// The Length header is advisory: without it there is no fraction to report.
	if st.size > 0 {
		st.report(min(float64(len(st.content))/float64(st.size), 1))
	}
	return nil
}

func (st *receiveState) finish() *ReceivedFile {
	content := st.content
	if content == nil {
		content = []byte{}
	}
	return &ReceivedFile{
		Name:    trimName(st.name),
		Type:    st.mime,
		Size:    st.size,
		Content: content,
	}
}

func trimName(s string) string { return strings.TrimSuffix(s, "\x00") }
