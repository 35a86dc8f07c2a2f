package obex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/text/encoding/unicode"
)

// headerPrefixLen is the id byte plus the 2-byte length of a length-prefixed header.
const headerPrefixLen = 3

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// Header is a single OBEX header. Length-prefixed headers (Name, Type, Body,
// End-of-Body and unknown text/byte headers) keep their payload in Data.
// Four-byte headers (Length, Connection-ID) keep it in Value and single byte
// headers keep it in Value's low byte.
type Header struct {
	ID    HeaderID
	Data  []byte
	Value uint32
}

// NameHeader encodes name as null terminated UTF-16BE. An empty name yields an
// empty Name header, which OBEX uses for "no name".
func NameHeader(name string) (Header, error) {
	if name == "" {
		return Header{ID: HeaderName}, nil
	}
	enc, err := utf16be.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return Header{}, fmt.Errorf("encode name %q: %w", name, err)
	}
	return Header{ID: HeaderName, Data: append(enc, 0, 0)}, nil
}

// TypeHeader holds a null terminated ASCII MIME type.
func TypeHeader(mime string) Header {
	data := make([]byte, 0, len(mime)+1)
	data = append(data, mime...)
	return Header{ID: HeaderType, Data: append(data, 0)}
}

func LengthHeader(n uint32) Header { return Header{ID: HeaderLength, Value: n} }

func ConnectionIDHeader(id uint32) Header { return Header{ID: HeaderConnectionID, Value: id} }

func BodyHeader(b []byte) Header { return Header{ID: HeaderBody, Data: b} }

func EndOfBodyHeader(b []byte) Header { return Header{ID: HeaderEndOfBody, Data: b} }

// Len is the header's declared length on the wire, prefix included.
func (h Header) Len() int {
	switch h.ID.encoding() {
	case encodingUint32:
		return 5
	case encodingByte:
		return 2
	default:
		return headerPrefixLen + len(h.Data)
	}
}

// AppendTo appends the wire encoding of h to dst.
func (h Header) AppendTo(dst []byte) []byte {
	dst = append(dst, byte(h.ID))
	switch h.ID.encoding() {
	case encodingUint32:
		return binary.BigEndian.AppendUint32(dst, h.Value)
	case encodingByte:
		return append(dst, byte(h.Value))
	default:
		dst = binary.BigEndian.AppendUint16(dst, uint16(h.Len()))
		return append(dst, h.Data...)
	}
}

// Text decodes a Name header. The trailing null code unit, if present, is kept.
func (h Header) Text() (string, error) {
	if len(h.Data)%2 != 0 {
		return "", fmt.Errorf("%s header has odd length %d", h.ID, len(h.Data))
	}
	s, err := utf16be.NewDecoder().Bytes(h.Data)
	if err != nil {
		return "", fmt.Errorf("decode %s header: %w", h.ID, err)
	}
	return string(s), nil
}

// ASCII decodes a Type header, dropping the null terminator.
func (h Header) ASCII() string {
	b := h.Data
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}

// DecodeHeader decodes the header at the start of b and returns it with the
// number of bytes consumed.
//
// When b ends before the header does, an *IncompleteError is returned. For
// Body and End-of-Body headers the bytes that are available are returned as a
// partial header, all of b is consumed and Need is exactly the missing payload
// count. For every other header nothing is consumed and the caller should
// retry once at least Need more bytes are buffered.
func DecodeHeader(b []byte) (Header, int, error) {
	if len(b) == 0 {
		return Header{}, 0, &IncompleteError{Need: 1}
	}
	id := HeaderID(b[0])
	switch id.encoding() {
	case encodingUint32:
		if len(b) < 5 {
			return Header{}, 0, &IncompleteError{Need: 5 - len(b)}
		}
		return Header{ID: id, Value: binary.BigEndian.Uint32(b[1:5])}, 5, nil
	case encodingByte:
		if len(b) < 2 {
			return Header{}, 0, &IncompleteError{Need: 1}
		}
		return Header{ID: id, Value: uint32(b[1])}, 2, nil
	}

	if len(b) < headerPrefixLen {
		return Header{}, 0, &IncompleteError{Need: headerPrefixLen - len(b)}
	}
	declared := int(binary.BigEndian.Uint16(b[1:3]))
	if declared < headerPrefixLen {
		return Header{}, 0, fmt.Errorf("%s: %w (%d)", id, ErrMalformedHeader, declared)
	}
	if len(b) >= declared {
		return Header{ID: id, Data: b[headerPrefixLen:declared]}, declared, nil
	}
	missing := declared - len(b)
	if id.IsBody() {
		return Header{ID: id, Data: b[headerPrefixLen:]}, len(b), &IncompleteError{Need: missing}
	}
	return Header{}, 0, &IncompleteError{Need: missing}
}

// DecodeHeaders walks a fully buffered header stream.
func DecodeHeaders(b []byte) ([]Header, error) {
	var out []Header
	for len(b) > 0 {
		h, n, err := DecodeHeader(b)
		if err != nil {
			var inc *IncompleteError
			if errors.As(err, &inc) {
				return out, fmt.Errorf("truncated %s header: %w", HeaderID(b[0]), err)
			}
			return out, err
		}
		out = append(out, h)
		b = b[n:]
	}
	return out, nil
}

// sizeHeader returns a Length header for size, or false when size does not fit
// the 32-bit field and the header must be omitted.
func sizeHeader(size uint64) (Header, bool) {
	if size > math.MaxUint32 {
		return Header{}, false
	}
	return LengthHeader(uint32(size)), true
}
