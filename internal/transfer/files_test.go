package transfer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"bluetooth-obex/internal/obex"
)

func TestSanitizeName(t *testing.T) {
	for in, want := range map[string]string{
		"report.pdf":           "report.pdf",
		"../../etc/passwd":     "passwd",
		`C:\Users\me\cat.jpg`:  "cat.jpg",
		"dir/":                 "dir",
		"we<ird>:na|me?.txt":   "we_ird__na_me_.txt",
		"bell\x07.txt":         "bell.txt",
		"":                     "received",
		"..":                   "received",
		"/":                    "received",
		"  spaced name.doc  ": "spaced name.doc",
	} {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestSaveReceivedNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	for i, want := range []string{"photo.jpg", "photo (1).jpg", "photo (2).jpg"} {
		content := []byte{byte(i)}
		path, err := SaveReceived(dir, &obex.ReceivedFile{Name: "photo.jpg", Content: content})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if filepath.Base(path) != want {
			t.Fatalf("save %d: expected %s, got %s", i, want, filepath.Base(path))
		}
		got, err := os.ReadFile(path)
		if err != nil || len(got) != 1 || got[0] != byte(i) {
			t.Fatalf("save %d: unexpected content %v (%v)", i, got, err)
		}
	}
}

func TestSaveReceivedEmptyAndNested(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	path, err := SaveReceived(dir, &obex.ReceivedFile{Name: "../escape.txt", Content: []byte{}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if path != filepath.Join(dir, "escape.txt") {
		t.Fatalf("expected the file inside %s, got %s", dir, path)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() != 0 {
		t.Fatalf("expected an empty file, got %v (%v)", info, err)
	}
}

func TestSaveReceivedUnwritableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := SaveReceived(filepath.Join(file, "sub"), &obex.ReceivedFile{Name: "x"})
	if obex.KindOf(err) != obex.KindIOFailure {
		t.Fatalf("expected i/o failure, got %v", err)
	}
}

func TestOpenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Notes.TXT")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	src, err := OpenSource(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()
	if src.Name != "Notes.TXT" || src.Size != 5 || src.Mime != "text/plain" {
		t.Fatalf("unexpected source %+v", src)
	}

	_, err = OpenSource(filepath.Dir(path))
	if obex.KindOf(err) != obex.KindIOFailure {
		t.Fatalf("expected i/o failure for a directory, got %v", err)
	}
	_, err = OpenSource(filepath.Join(filepath.Dir(path), "missing"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
}

func TestMimeForName(t *testing.T) {
	for name, want := range map[string]string{
		"a.txt":       "text/plain",
		"b.PNG":       "image/png",
		"c.unknownxx": "application/octet-stream",
		"noext":       "application/octet-stream",
	} {
		if got := MimeForName(name); got != want {
			t.Errorf("MimeForName(%q): expected %q, got %q", name, want, got)
		}
	}
}
