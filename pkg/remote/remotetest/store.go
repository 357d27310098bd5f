package remotetest

import (
	"context"
	"io/fs"
	"sync"

	"github.com/odvcencio/treepush/pkg/encode"
	"github.com/odvcencio/treepush/pkg/object"
	"github.com/odvcencio/treepush/pkg/remote"
)

// Store operation names used by RecordingStore.
const (
	OpCreateBlob       = "CreateBlob"
	OpCreateTree       = "CreateTree"
	OpResolveReference = "ResolveReference"
	OpCreateCommit     = "CreateCommit"
	OpUpdateReference  = "UpdateReference"
)

// RecordingStore wraps a remote.Store, counting calls and failing chosen
// ones before they reach the wrapped store.
type RecordingStore struct {
	remote.Store

	mu        sync.Mutex
	calls     map[string]int
	failOp    map[string]error
	failBlobs map[string]error
	trees     [][]object.TreeEntry
}

// NewRecordingStore wraps s.
func NewRecordingStore(s remote.Store) *RecordingStore {
	return &RecordingStore{
		Store:     s,
		calls:     make(map[string]int),
		failOp:    make(map[string]error),
		failBlobs: make(map[string]error),
	}
}

// FailOp makes every call of op return err.
func (r *RecordingStore) FailOp(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOp[op] = err
}

// FailBlob makes CreateBlob return err for the file at path.
func (r *RecordingStore) FailBlob(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failBlobs[path] = err
}

// Calls returns how many times op was attempted.
func (r *RecordingStore) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Mutations returns the number of attempted writes of any kind.
func (r *RecordingStore) Mutations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[OpCreateBlob] + r.calls[OpCreateTree] + r.calls[OpCreateCommit] + r.calls[OpUpdateReference]
}

// Trees returns the entries of every CreateTree call, in call order.
func (r *RecordingStore) Trees() [][]object.TreeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]object.TreeEntry(nil), r.trees...)
}

func (r *RecordingStore) record(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[op]++
	return r.failOp[op]
}

func (r *RecordingStore) CreateBlob(ctx context.Context, b *encode.Blob) (object.Hash, error) {
	if err := r.record(OpCreateBlob); err != nil {
		return "", err
	}
	r.mu.Lock()
	err := r.failBlobs[b.Path]
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	return r.Store.CreateBlob(ctx, b)
}

func (r *RecordingStore) CreateTree(ctx context.Context, entries []object.TreeEntry) (object.Hash, error) {
	if err := r.record(OpCreateTree); err != nil {
		return "", err
	}
	r.mu.Lock()
	r.trees = append(r.trees, append([]object.TreeEntry(nil), entries...))
	r.mu.Unlock()
	return r.Store.CreateTree(ctx, entries)
}

func (r *RecordingStore) ResolveReference(ctx context.Context, name string) (object.Hash, bool, error) {
	if err := r.record(OpResolveReference); err != nil {
		return "", false, err
	}
	return r.Store.ResolveReference(ctx, name)
}

func (r *RecordingStore) CreateCommit(ctx context.Context, c *object.Commit) (object.Hash, error) {
	if err := r.record(OpCreateCommit); err != nil {
		return "", err
	}
	return r.Store.CreateCommit(ctx, c)
}

func (r *RecordingStore) UpdateReference(ctx context.Context, name string, h object.Hash, force bool) error {
	if err := r.record(OpUpdateReference); err != nil {
		return err
	}
	return r.Store.UpdateReference(ctx, name, h, force)
}

// FailingFS wraps a file system so that opening chosen paths fails.
type FailingFS struct {
	fs.FS
	Fail map[string]error
}

// Open opens name, or fails with the error registered for it.
func (f FailingFS) Open(name string) (fs.File, error) {
	if err, ok := f.Fail[name]; ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return f.FS.Open(name)
}
