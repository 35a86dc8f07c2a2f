package obex

import (
	"bytes"
	"errors"
	"testing"
)

func TestPacketLengthField(t *testing.T) {
	p := NewRequest(OpPut, mustName(t, "a.txt"), LengthHeader(3), TypeHeader("text/plain"), BodyHeader([]byte("abc")))
	b := mustPacket(t, p)
	if len(b) != p.Len() {
		t.Fatalf("expected %d bytes, got %d", p.Len(), len(b))
	}
	code, length, err := ParsePrefix(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Opcode(code) != OpPut || length != len(b) {
		t.Fatalf("expected PUT of %d bytes, got 0x%02X of %d", len(b), code, length)
	}
	want := 3 + 15 + 5 + 14 + 6
	if length != want {
		t.Fatalf("expected length %d, got %d", want, length)
	}
}

func TestEndOfBodyPacketShape(t *testing.T) {
	got := mustPacket(t, NewRequest(OpPutFinal, EndOfBodyHeader(nil)))
	want := []byte{0x82, 0x00, 0x06, 0x49, 0x00, 0x03}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected % X, got % X", want, got)
	}
}

func TestPacketTooLarge(t *testing.T) {
	p := NewRequest(OpPut, BodyHeader(make([]byte, 70000)))
	if _, err := p.MarshalBinary(); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
}

func TestParsePrefixRejectsShortLength(t *testing.T) {
	for _, b := range [][]byte{{0x02, 0x00, 0x02}, {0x90, 0x00, 0x00}, {0x02, 0x00}} {
		_, _, err := ParsePrefix(b)
		if !errors.Is(err, ErrMalformedPacket) || KindOf(err) != KindProtocolViolation {
			t.Fatalf("% X: expected malformed packet protocol violation, got %v", b, err)
		}
	}
}

func TestReadPrefixLeavesHeaders(t *testing.T) {
	r := bytes.NewReader([]byte{0xA0, 0x00, 0x05, 0xAA, 0xBB})
	code, length, err := ReadPrefix(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ResponseCode(code) != RespSuccess || length != 5 {
		t.Fatalf("expected Success/5, got 0x%02X/%d", code, length)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 unread bytes, got %d", r.Len())
	}
}

func TestConnectPacketShape(t *testing.T) {
	want := []byte{0x80, 0x00, 0x07, 0x10, 0x00, 0x20, 0x00}
	if got := connectPacket(byte(OpConnect)); !bytes.Equal(got, want) {
		t.Fatalf("expected % X, got % X", want, got)
	}
}

func TestResponseCodeStrings(t *testing.T) {
	for rc, want := range map[ResponseCode]string{
		RespContinue:             "Continue",
		RespSuccess:              "Success",
		RespForbidden:            "Forbidden",
		RespUnsupportedMediaType: "Unsupported Media Type",
		ResponseCode(0xD0):       "response(0xD0)",
	} {
		if rc.String() != want {
			t.Errorf("expected %q, got %q", want, rc.String())
		}
	}
}
