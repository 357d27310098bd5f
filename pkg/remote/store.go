package remote

import (
	"context"

	"github.com/odvcencio/treepush/pkg/encode"
	"github.com/odvcencio/treepush/pkg/object"
)

// Store is the set of object-store primitives a publish consumes. Client and
// DirStore both implement it.
type Store interface {
	CreateBlob(ctx context.Context, b *encode.Blob) (object.Hash, error)
	CreateTree(ctx context.Context, entries []object.TreeEntry) (object.Hash, error)
	ResolveReference(ctx context.Context, name string) (object.Hash, bool, error)
	CreateCommit(ctx context.Context, c *object.Commit) (object.Hash, error)
	UpdateReference(ctx context.Context, name string, h object.Hash, force bool) error
}

var (
	_ Store = (*Client)(nil)
	_ Store = (*DirStore)(nil)
)

// Open returns the store named by a remote URL: a DirStore for file:// endpoints
// and a Client otherwise.
func Open(raw string, opts ClientOptions) (Store, Endpoint, error) {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		return nil, Endpoint{}, err
	}
	if ep.IsLocal() {
		return NewDirStore(ep.Dir, DirStoreOptions{Logger: opts.Logger}), ep, nil
	}
	c, err := NewClient(ep, opts)
	if err != nil {
		return nil, Endpoint{}, err
	}
	return c, ep, nil
}
