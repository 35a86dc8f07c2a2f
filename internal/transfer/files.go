package transfer

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"bluetooth-obex/internal/obex"
)

const (
	defaultMime     = "application/octet-stream"
	defaultBaseName = "received"
	maxCollisions   = 1000
)

// Source is a local file opened for sending.
type Source struct {
	*os.File
	Name string
	Size uint64
	Mime string
}

// OpenSource opens path for reading and gathers the metadata a PUT needs.
func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioFailure("open source", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioFailure("stat source", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, ioFailure("open source", fmt.Errorf("%s is a directory", path))
	}
	name := filepath.Base(path)
	return &Source{File: f, Name: name, Size: uint64(info.Size()), Mime: MimeForName(name)}, nil
}

// MimeForName guesses a MIME type from the extension, without parameters.
func MimeForName(name string) string {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if t == "" {
		return defaultMime
	}
	if media, _, err := mime.ParseMediaType(t); err == nil {
		return media
	}
	return defaultMime
}

// SaveReceived writes f into dir under a sanitized version of its name and
// returns the path. Existing files are never overwritten; a numbered variant
// such as "photo (1).jpg" is used instead.
func SaveReceived(dir string, f *obex.ReceivedFile) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", ioFailure("create receive dir", err)
	}
	name := SanitizeName(f.Name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < maxCollisions; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", ioFailure("create file", err)
		}
		if err := writeAll(out, f.Content); err != nil {
			os.Remove(path)
			return "", ioFailure("write file", err)
		}
		return path, nil
	}
	return "", ioFailure("create file", fmt.Errorf("too many files named %q in %s", name, dir))
}

func writeAll(out *os.File, content []byte) error {
	_, werr := out.Write(content)
	cerr := out.Close()
	return errors.Join(werr, cerr)
}

// SanitizeName reduces a peer supplied name to a safe base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimRight(name, "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7F:
			return -1
		case strings.ContainsRune(`<>:"|?*`, r):
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.Trim(name, ".") == "" {
		return defaultBaseName
	}
	return name
}

func ioFailure(op string, err error) error {
	return &obex.Error{Kind: obex.KindIOFailure, Op: op, Err: err}
}
