// Package encode turns files into the transfer form expected by the object
// store's blob creation call.
package encode

import (
	"encoding/base64"
	"fmt"
	"io/fs"

	"github.com/odvcencio/treepush/pkg/object"
)

// EncodingBase64 is the only transfer encoding produced.
const EncodingBase64 = "base64"

// ReadError reports a file that could not be read.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Info describes a readable file.
type Info struct {
	Path   string
	Mode   string
	Size   int64
	Digest object.Hash
}

// Blob is a file in transfer form.
type Blob struct {
	Info
	Encoding string
	Content  string
}

// Decode returns the raw bytes carried by b.
func (b *Blob) Decode() ([]byte, error) {
	if b.Encoding != EncodingBase64 {
		return nil, fmt.Errorf("unsupported blob encoding %q", b.Encoding)
	}
	data, err := base64.StdEncoding.DecodeString(b.Content)
	if err != nil {
		return nil, fmt.Errorf("decode blob %s: %w", b.Path, err)
	}
	return data, nil
}

// Inspect stats and reads the file at path, following symlinks, and returns
// its mode, size and blob digest. The content is not retained.
func Inspect(fsys fs.FS, path string) (Info, error) {
	info, _, err := read(fsys, path)
	return info, err
}

// Encode reads the file at path and returns it base64-encoded.
func Encode(fsys fs.FS, path string) (*Blob, error) {
	info, data, err := read(fsys, path)
	if err != nil {
		return nil, err
	}
	return &Blob{
		Info:     info,
		Encoding: EncodingBase64,
		Content:  base64.StdEncoding.EncodeToString(data),
	}, nil
}

// FromBytes builds a Blob for in-memory content.
func FromBytes(path string, data []byte) *Blob {
	return &Blob{
		Info: Info{
			Path:   path,
			Mode:   object.TreeModeFile,
			Size:   int64(len(data)),
			Digest: object.HashBlob(data),
		},
		Encoding: EncodingBase64,
		Content:  base64.StdEncoding.EncodeToString(data),
	}
}

func read(fsys fs.FS, path string) (Info, []byte, error) {
	st, err := fs.Stat(fsys, path)
	if err != nil {
		return Info{}, nil, &ReadError{Path: path, Err: err}
	}
	if !st.Mode().IsRegular() {
		return Info{}, nil, &ReadError{Path: path, Err: fmt.Errorf("not a regular file (%s)", st.Mode().Type())}
	}
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return Info{}, nil, &ReadError{Path: path, Err: err}
	}
	return Info{
		Path:   path,
		Mode:   object.ModeFromFileInfo(st),
		Size:   int64(len(data)),
		Digest: object.HashBlob(data),
	}, data, nil
}
