package encode

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/odvcencio/treepush/pkg/object"
)

func TestEncodeBase64(t *testing.T) {
	fsys := fstest.MapFS{"a.txt": {Data: []byte("hello"), Mode: 0o644}}

	b, err := Encode(fsys, "a.txt")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if b.Encoding != EncodingBase64 {
		t.Fatalf("Encoding = %q", b.Encoding)
	}
	if b.Content != "aGVsbG8=" {
		t.Fatalf("Content = %q", b.Content)
	}
	if b.Digest != "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0" {
		t.Fatalf("Digest = %s", b.Digest)
	}
	if b.Size != 5 || b.Mode != object.TreeModeFile {
		t.Fatalf("Size = %d, Mode = %s", b.Size, b.Mode)
	}
	raw, err := b.Decode()
	if err != nil || string(raw) != "hello" {
		t.Fatalf("Decode = %q, %v", raw, err)
	}
}

func TestEncodeBinaryRoundTrip(t *testing.T) {
	data := []byte{0x00, 0xff, 0x10, '\n', 0x80}
	b := FromBytes("bin", data)
	raw, err := b.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(raw) != string(data) {
		t.Fatalf("Decode = %v, want %v", raw, data)
	}
}

func TestInspectExecutableMode(t *testing.T) {
	fsys := fstest.MapFS{"run.sh": {Data: []byte("#!/bin/sh\n"), Mode: 0o755}}

	info, err := Inspect(fsys, "run.sh")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Mode != object.TreeModeExecutable {
		t.Fatalf("Mode = %s, want %s", info.Mode, object.TreeModeExecutable)
	}
}

func TestEncodeMissingFileIsReadError(t *testing.T) {
	_, err := Encode(fstest.MapFS{}, "gone.txt")
	var re *ReadError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *ReadError", err)
	}
	if re.Path != "gone.txt" {
		t.Fatalf("Path = %q", re.Path)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestEncodeRejectsDirectory(t *testing.T) {
	fsys := fstest.MapFS{"d/x": {Data: []byte("x")}}
	_, err := Encode(fsys, "d")
	var re *ReadError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *ReadError", err)
	}
}

func TestEncodeDanglingSymlink(t *testing.T) {
	dir := t.TempDir()
	if err := os.Symlink("missing", filepath.Join(dir, "dangling")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	_, err := Encode(os.DirFS(dir), "dangling")
	var re *ReadError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *ReadError", err)
	}
}

func TestEncodeFollowsSymlink(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "target"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("target", filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	b, err := Encode(os.DirFS(dir), "link")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if b.Digest != object.HashBlob([]byte("hello")) {
		t.Fatalf("Digest = %s", b.Digest)
	}
}
