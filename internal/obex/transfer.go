package obex

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ProgressFunc receives the completed fraction of a transfer in [0, 1].
type ProgressFunc func(fraction float64)

// Direction tells an Observer which way a packet travelled.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

// Observer is notified of every packet an engine writes or reads.
type Observer interface {
	ObservePacket(dir Direction, code byte, size int)
}

// SpoofNameMode selects what the Name header carries when a send is spoofed.
type SpoofNameMode int

const (
	// SpoofBaseName sends the file name without its extension.
	SpoofBaseName SpoofNameMode = iota
	// SpoofExtension sends only the extension, dot included.
	SpoofExtension
)

func (m SpoofNameMode) String() string {
	if m == SpoofExtension {
		return "extension"
	}
	return "basename"
}

// ParseSpoofNameMode accepts "basename" (or "") and "extension".
func ParseSpoofNameMode(s string) (SpoofNameMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "basename":
		return SpoofBaseName, nil
	case "extension":
		return SpoofExtension, nil
	default:
		return 0, fmt.Errorf("unknown spoof name mode %q", s)
	}
}

// spoofedType replaces the real MIME type on spoofed sends.
const spoofedType = "text/plain"

// TransferRequest describes one outbound object. It is not modified during a send.
type TransferRequest struct {
	FileName  string
	Size      uint64
	MimeType  string
	Spoof     bool
	SpoofName SpoofNameMode
}

func (r TransferRequest) wireName() string {
	name := r.FileName
	if name != "" {
		name = filepath.Base(name)
	}
	if !r.Spoof {
		return name
	}
	ext := filepath.Ext(name)
	if r.SpoofName == SpoofExtension {
		return ext
	}
	return strings.TrimSuffix(name, ext)
}

func (r TransferRequest) wireType() string {
	if r.Spoof {
		return spoofedType
	}
	return r.MimeType
}

// metadata builds the headers of the first PUT packet. Connection-ID must lead
// the packet when present.
func (r TransferRequest) metadata(conn ConnectionID) ([]Header, error) {
	headers := conn.header()
	name, err := NameHeader(r.wireName())
	if err != nil {
		return nil, err
	}
	headers = append(headers, name)
	if h, ok := sizeHeader(r.Size); ok {
		headers = append(headers, h)
	}
	if t := r.wireType(); t != "" {
		headers = append(headers, TypeHeader(t))
	}
	return headers, nil
}

// ReceivedFile is an inbound object handed to the caller once complete.
type ReceivedFile struct {
	Name string
	Type string
	// Size is the advisory Length header value, 0 when the peer sent none.
	Size    uint64
	Content []byte
}
