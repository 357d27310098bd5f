package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/odvcencio/treepush/pkg/encode"
	"github.com/odvcencio/treepush/pkg/object"
	"github.com/sirupsen/logrus"
)

// DirStoreOptions configures a DirStore.
type DirStoreOptions struct {
	// Hierarchical rejects tree entries whose path contains a slash, the
	// way stores with strict tree semantics do.
	Hierarchical bool
	Logger       logrus.FieldLogger
	// Now supplies commit timestamps for commits without an identity.
	Now func() time.Time
}

// DirStore is a content-addressed object store in a local directory with a
// 2-character fan-out layout: objects/ab/cdef0123... Objects are stored
// zstd-compressed in git's serialization, so digests match a git remote.
// References are plain files under refs/.
type DirStore struct {
	root string
	opts DirStoreOptions
	log  logrus.FieldLogger

	refMu sync.Mutex
}

// NewDirStore creates a DirStore rooted at root. Directories are created
// lazily on first write.
func NewDirStore(root string, opts DirStoreOptions) *DirStore {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &DirStore{root: root, opts: opts, log: opts.Logger.WithField("store", root)}
}

// Root returns the store directory.
func (s *DirStore) Root() string {
	return s.root
}

func (s *DirStore) objectPath(h object.Hash) string {
	return filepath.Join(s.root, "objects", string(h[:2]), string(h[2:]))
}

// Has reports whether the store contains an object with the given hash.
func (s *DirStore) Has(h object.Hash) bool {
	if object.ValidateHash(h) != nil {
		return false
	}
	_, err := os.Stat(s.objectPath(h))
	return err == nil
}

// write stores an object and reports whether it was newly created.
func (s *DirStore) write(objType object.ObjectType, data []byte) (object.Hash, bool, error) {
	h := object.HashObject(objType, data)
	if s.Has(h) {
		return h, false, nil
	}

	packed, err := packObject(objType, data)
	if err != nil {
		return "", false, fmt.Errorf("object write compress: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.objectPath(h)), 0o755); err != nil {
		return "", false, fmt.Errorf("object write mkdir: %w", err)
	}
	if err := renameio.WriteFile(s.objectPath(h), packed, 0o644); err != nil {
		return "", false, fmt.Errorf("object write: %w", err)
	}
	return h, true, nil
}

// Read retrieves an object by hash, returning its type and raw content.
func (s *DirStore) Read(h object.Hash) (object.ObjectType, []byte, error) {
	if err := object.ValidateHash(h); err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	packed, err := os.ReadFile(s.objectPath(h))
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	objType, data, err := unpackObject(packed)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	return objType, data, nil
}

// ReadTree reads and parses a tree object.
func (s *DirStore) ReadTree(h object.Hash) ([]object.TreeEntry, error) {
	objType, data, err := s.Read(h)
	if err != nil {
		return nil, err
	}
	if objType != object.TypeTree {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", h, objType, object.TypeTree)
	}
	return object.UnmarshalTree(data)
}

// ReadCommit reads and parses a commit object.
func (s *DirStore) ReadCommit(h object.Hash) (*object.Commit, error) {
	objType, data, err := s.Read(h)
	if err != nil {
		return nil, err
	}
	if objType != object.TypeCommit {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", h, objType, object.TypeCommit)
	}
	return object.UnmarshalCommit(data)
}

// CreateBlob stores the decoded content of b.
func (s *DirStore) CreateBlob(ctx context.Context, b *encode.Blob) (object.Hash, error) {
	if err := ctx.Err(); err != nil {
		return "", &ObjectCreateError{Type: object.TypeBlob, Path: b.Path, Err: err}
	}
	data, err := b.Decode()
	if err != nil {
		return "", &ObjectCreateError{Type: object.TypeBlob, Path: b.Path, Err: err}
	}
	h, created, err := s.write(object.TypeBlob, data)
	if err != nil {
		return "", &ObjectCreateError{Type: object.TypeBlob, Path: b.Path, Err: err}
	}
	if b.Digest != "" && h != b.Digest {
		return "", &ObjectCreateError{
			Type: object.TypeBlob,
			Path: b.Path,
			Err:  fmt.Errorf("digest mismatch (store %s, local %s)", h, b.Digest),
		}
	}
	s.log.WithFields(logrus.Fields{"path": b.Path, "digest": h, "created": created}).Debug("blob stored")
	return h, nil
}

// CreateTree stores one tree. Every entry must reference an object already
// in the store.
func (s *DirStore) CreateTree(ctx context.Context, entries []object.TreeEntry) (object.Hash, error) {
	if err := ctx.Err(); err != nil {
		return "", &ObjectCreateError{Type: object.TypeTree, Err: err}
	}
	if len(entries) == 0 {
		return "", &ObjectCreateError{Type: object.TypeTree, Err: errors.New("tree has no entries")}
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Path == "" || strings.HasPrefix(e.Path, "/") {
			return "", &ObjectCreateError{Type: object.TypeTree, Err: fmt.Errorf("invalid entry path %q", e.Path)}
		}
		if s.opts.Hierarchical && strings.Contains(e.Path, "/") {
			return "", &ObjectCreateError{Type: object.TypeTree, Err: fmt.Errorf("entry path %q is not a single segment", e.Path)}
		}
		if _, dup := seen[e.Path]; dup {
			return "", &ObjectCreateError{Type: object.TypeTree, Err: fmt.Errorf("duplicate entry %q", e.Path)}
		}
		seen[e.Path] = struct{}{}
		if !s.Has(e.Hash) {
			return "", &ObjectCreateError{Type: object.TypeTree, Err: fmt.Errorf("entry %q references missing object %s", e.Path, e.Hash)}
		}
	}

	data, err := object.MarshalTree(entries)
	if err != nil {
		return "", &ObjectCreateError{Type: object.TypeTree, Err: err}
	}
	h, _, err := s.write(object.TypeTree, data)
	if err != nil {
		return "", &ObjectCreateError{Type: object.TypeTree, Err: err}
	}
	return h, nil
}

// CreateCommit stores one commit. A commit without an identity gets
// object.DefaultSignature stamped with the current time.
func (s *DirStore) CreateCommit(ctx context.Context, c *object.Commit) (object.Hash, error) {
	if err := ctx.Err(); err != nil {
		return "", &ObjectCreateError{Type: object.TypeCommit, Err: err}
	}
	if !s.Has(c.Tree) {
		return "", &ObjectCreateError{Type: object.TypeCommit, Err: fmt.Errorf("tree %s not found", c.Tree)}
	}
	for _, p := range c.Parents {
		if !s.Has(p) {
			return "", &ObjectCreateError{Type: object.TypeCommit, Err: fmt.Errorf("parent %s not found", p)}
		}
	}

	stamped := *c
	if stamped.Author == nil {
		author := object.DefaultSignature
		author.When = s.opts.Now().UTC().Truncate(time.Second)
		stamped.Author = &author
	}
	h, _, err := s.write(object.TypeCommit, object.MarshalCommit(&stamped))
	if err != nil {
		return "", &ObjectCreateError{Type: object.TypeCommit, Err: err}
	}
	return h, nil
}

func (s *DirStore) refPath(ref string) string {
	return filepath.Join(s.root, "refs", filepath.FromSlash(ref))
}

// ResolveReference reads refs/<ref>. A missing file means the reference does
// not exist.
func (s *DirStore) ResolveReference(ctx context.Context, name string) (object.Hash, bool, error) {
	ref, err := NormalizeRef(name)
	if err != nil {
		return "", false, &ReferenceResolutionError{Ref: name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return "", false, &ReferenceResolutionError{Ref: ref, Err: err}
	}
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.readRef(ref)
}

func (s *DirStore) readRef(ref string) (object.Hash, bool, error) {
	data, err := os.ReadFile(s.refPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, &ReferenceResolutionError{Ref: ref, Err: err}
	}
	h := object.Hash(strings.TrimSpace(string(data)))
	if err := object.ValidateHash(h); err != nil {
		return "", false, &ReferenceResolutionError{Ref: ref, Err: err}
	}
	return h, true, nil
}

// UpdateReference atomically points refs/<ref> at h. Without force the move
// must be a fast-forward by one commit: h must list the current tip as a
// parent.
func (s *DirStore) UpdateReference(ctx context.Context, name string, h object.Hash, force bool) error {
	ref, err := NormalizeRef(name)
	if err != nil {
		return &ReferenceUpdateError{Ref: name, Target: h, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &ReferenceUpdateError{Ref: ref, Target: h, Err: err}
	}
	commit, err := s.ReadCommit(h)
	if err != nil {
		return &ReferenceUpdateError{Ref: ref, Target: h, Err: err}
	}

	s.refMu.Lock()
	defer s.refMu.Unlock()

	current, exists, err := s.readRef(ref)
	if err != nil {
		return &ReferenceUpdateError{Ref: ref, Target: h, Err: err}
	}
	if exists && current == h {
		return nil
	}
	if exists && !force && !containsHash(commit.Parents, current) {
		return &ReferenceUpdateError{Ref: ref, Target: h, Err: fmt.Errorf("non-fast-forward (current %s)", current.Short())}
	}

	if err := os.MkdirAll(filepath.Dir(s.refPath(ref)), 0o755); err != nil {
		return &ReferenceUpdateError{Ref: ref, Target: h, Err: err}
	}
	if err := renameio.WriteFile(s.refPath(ref), []byte(string(h)+"\n"), 0o644); err != nil {
		return &ReferenceUpdateError{Ref: ref, Target: h, Err: err}
	}
	s.log.WithFields(logrus.Fields{"ref": ref, "old": current, "new": h}).Debug("ref updated")
	return nil
}

func containsHash(hs []object.Hash, h object.Hash) bool {
	for _, x := range hs {
		if x == h {
			return true
		}
	}
	return false
}
