package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNothingToPublish is returned when no file survives collection and
// preflight. Stores reject empty trees.
var ErrNothingToPublish = errors.New("nothing to publish")

// BlobError reports a file whose blob could not be stored in strict mode.
type BlobError struct {
	Path string
	Err  error
}

func (e *BlobError) Error() string {
	return fmt.Sprintf("blob %s: %v", e.Path, e.Err)
}

func (e *BlobError) Unwrap() error { return e.Err }

// TreeCreationError reports a tree the store did not accept. Dir is the
// directory being composed, empty for the root.
type TreeCreationError struct {
	Dir string
	Err error
}

func (e *TreeCreationError) Error() string {
	if e.Dir == "" {
		return fmt.Sprintf("create root tree: %v", e.Err)
	}
	return fmt.Sprintf("create tree %s: %v", e.Dir, e.Err)
}

func (e *TreeCreationError) Unwrap() error { return e.Err }

// Warning operations.
const (
	OpRead = "read"
	OpBlob = "blob"
)

// Warning records a file dropped from a best-effort snapshot.
type Warning struct {
	Path string
	Op   string
	Err  error
}

func (w Warning) String() string {
	return fmt.Sprintf("%s %s: %v", w.Op, w.Path, w.Err)
}

// MarshalJSON renders the error as its message.
func (w Warning) MarshalJSON() ([]byte, error) {
	msg := ""
	if w.Err != nil {
		msg = w.Err.Error()
	}
	return json.Marshal(struct {
		Path  string `json:"path"`
		Op    string `json:"op"`
		Error string `json:"error"`
	}{w.Path, w.Op, msg})
}
