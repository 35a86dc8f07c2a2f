package obex

import "fmt"

// Opcode is the first byte of an OBEX request packet.
type Opcode byte

const (
	OpPut      Opcode = 0x02
	OpGet      Opcode = 0x03
	OpConnect  Opcode = 0x80
	OpPutFinal Opcode = 0x82
	OpAbort    Opcode = 0xFF
)

func (op Opcode) String() string {
	switch op {
	case OpPut:
		return "PUT"
	case OpGet:
		return "GET"
	case OpConnect:
		return "CONNECT"
	case OpPutFinal:
		return "PUT(final)"
	case OpAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("opcode(0x%02X)", byte(op))
	}
}

// ResponseCode is the first byte of an OBEX response packet. It occupies the
// same slot as Opcode but is read from the requester's side.
type ResponseCode byte

const (
	RespNotFound             ResponseCode = 0x44
	RespContinue             ResponseCode = 0x90
	RespSuccess              ResponseCode = 0xA0
	RespBadRequest           ResponseCode = 0xC0
	RespForbidden            ResponseCode = 0xC3
	RespUnsupportedMediaType ResponseCode = 0xCF
)

func (rc ResponseCode) String() string {
	switch rc {
	case RespNotFound:
		return "Not Found"
	case RespContinue:
		return "Continue"
	case RespSuccess:
		return "Success"
	case RespBadRequest:
		return "Bad Request"
	case RespForbidden:
		return "Forbidden"
	case RespUnsupportedMediaType:
		return "Unsupported Media Type"
	default:
		return fmt.Sprintf("response(0x%02X)", byte(rc))
	}
}

// HeaderID identifies a header inside a packet. The two high bits encode how
// the header's payload is framed.
type HeaderID byte

const (
	HeaderName         HeaderID = 0x01
	HeaderType         HeaderID = 0x42
	HeaderBody         HeaderID = 0x48
	HeaderEndOfBody    HeaderID = 0x49
	HeaderLength       HeaderID = 0xC3
	HeaderConnectionID HeaderID = 0xCB
)

const (
	encodingMask    = 0xC0
	encodingUnicode = 0x00 // null terminated UTF-16BE, length prefixed
	encodingBytes   = 0x40 // byte sequence, length prefixed
	encodingByte    = 0x80 // single byte
	encodingUint32  = 0xC0 // four byte big endian
)

func (id HeaderID) encoding() byte { return byte(id) & encodingMask }

// Known reports whether id is one of the headers this package interprets.
func (id HeaderID) Known() bool {
	switch id {
	case HeaderName, HeaderType, HeaderBody, HeaderEndOfBody, HeaderLength, HeaderConnectionID:
		return true
	}
	return false
}

func (id HeaderID) String() string {
	switch id {
	case HeaderName:
		return "Name"
	case HeaderType:
		return "Type"
	case HeaderBody:
		return "Body"
	case HeaderEndOfBody:
		return "End-of-Body"
	case HeaderLength:
		return "Length"
	case HeaderConnectionID:
		return "Connection-ID"
	default:
		return fmt.Sprintf("header(0x%02X)", byte(id))
	}
}

// IsBody reports whether the header carries object content.
func (id HeaderID) IsBody() bool { return id == HeaderBody || id == HeaderEndOfBody }
