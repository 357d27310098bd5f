// Package snapshot turns a directory into stored blobs and a tree.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/odvcencio/treepush/pkg/collect"
	"github.com/odvcencio/treepush/pkg/encode"
	"github.com/odvcencio/treepush/pkg/object"
	"github.com/sirupsen/logrus"
)

// DefaultConcurrency is the number of blob upload workers.
const DefaultConcurrency = 4

// Store is the part of an object store a snapshot writes to.
type Store interface {
	CreateBlob(ctx context.Context, b *encode.Blob) (object.Hash, error)
	CreateTree(ctx context.Context, entries []object.TreeEntry) (object.Hash, error)
}

// Layout selects how tree entries are composed.
type Layout string

const (
	// LayoutNested creates one tree per directory with single-segment names.
	LayoutNested Layout = "nested"
	// LayoutFlat creates a single tree whose entries carry full paths.
	LayoutFlat Layout = "flat"
)

// ParseLayout parses a layout name. The empty string selects LayoutNested.
func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(strings.TrimSpace(s))) {
	case "", LayoutNested:
		return LayoutNested, nil
	case LayoutFlat:
		return LayoutFlat, nil
	default:
		return "", fmt.Errorf("unknown tree layout %q (want nested or flat)", s)
	}
}

// Options configures a Builder.
type Options struct {
	Concurrency int
	BestEffort  bool
	Layout      Layout
	Collect     collect.Options
	Logger      logrus.FieldLogger

	// OnBlob is called after each blob is stored.
	OnBlob func(info encode.Info, h object.Hash)
	// OnWarning is called for each file dropped in best-effort mode.
	OnWarning func(w Warning)
}

// Plan is the set of files that passed preflight.
type Plan struct {
	Files    []encode.Info
	Warnings []Warning
}

// Snapshot is a stored directory.
type Snapshot struct {
	Tree     object.Hash
	Entries  map[string]object.Hash
	Files    []encode.Info
	Warnings []Warning
}

// Builder stores a directory's files as blobs and composes them into a tree.
// A Builder is used for one snapshot at a time.
type Builder struct {
	store Store
	opts  Options
	log   logrus.FieldLogger
}

// NewBuilder returns a Builder writing to store.
func NewBuilder(store Store, opts Options) *Builder {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Layout == "" {
		opts.Layout = LayoutNested
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	return &Builder{store: store, opts: opts, log: opts.Logger}
}

// Build runs Preflight, Upload and Compose.
func (b *Builder) Build(ctx context.Context, fsys fs.FS) (*Snapshot, error) {
	plan, err := b.Preflight(fsys)
	if err != nil {
		return nil, err
	}
	snap, err := b.Upload(ctx, fsys, plan)
	if err != nil {
		return nil, err
	}
	if err := b.Compose(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Preflight collects the files of fsys and reads each once, before anything
// is written to the store. In strict mode the first unreadable file is
// returned as an *encode.ReadError.
func (b *Builder) Preflight(fsys fs.FS) (*Plan, error) {
	files, err := collect.Collect(fsys, b.opts.Collect)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Files: make([]encode.Info, 0, len(files))}
	for _, f := range files {
		info, err := encode.Inspect(fsys, f.Path)
		if err != nil {
			if !b.opts.BestEffort {
				return nil, err
			}
			plan.Warnings = append(plan.Warnings, b.warn(f.Path, OpRead, err))
			continue
		}
		plan.Files = append(plan.Files, info)
	}
	if len(plan.Files) == 0 {
		return nil, ErrNothingToPublish
	}
	b.log.WithFields(logrus.Fields{"files": len(plan.Files), "dropped": len(plan.Warnings)}).Debug("preflight complete")
	return plan, nil
}

type blobResult struct {
	info encode.Info
	hash object.Hash
	op   string
	err  error
}

// accumulator maps each path to its stored digest. Every path has exactly
// one writer.
type accumulator struct {
	mu      sync.Mutex
	entries map[string]object.Hash
	files   map[string]encode.Info
}

func (a *accumulator) put(info encode.Info, h object.Hash) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.entries[info.Path]; dup {
		return fmt.Errorf("path %s stored twice", info.Path)
	}
	a.entries[info.Path] = h
	a.files[info.Path] = info
	return nil
}

// Upload encodes and stores every planned file using a bounded worker pool.
// It returns after every worker has finished. In strict mode the first
// failure cancels the remaining uploads and is returned as a *BlobError.
func (b *Builder) Upload(ctx context.Context, fsys fs.FS, plan *Plan) (*Snapshot, error) {
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	acc := &accumulator{
		entries: make(map[string]object.Hash, len(plan.Files)),
		files:   make(map[string]encode.Info, len(plan.Files)),
	}
	jobs := make(chan encode.Info)
	results := make(chan blobResult, len(plan.Files))

	workers := b.opts.Concurrency
	if workers > len(plan.Files) {
		workers = len(plan.Files)
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for info := range jobs {
				results <- b.uploadOne(uploadCtx, fsys, info, acc)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, info := range plan.Files {
			select {
			case jobs <- info:
			case <-uploadCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	warnings := append([]Warning(nil), plan.Warnings...)
	var firstErr error
	for res := range results {
		if res.err == nil {
			if b.opts.OnBlob != nil {
				b.opts.OnBlob(res.info, res.hash)
			}
			continue
		}
		if !b.opts.BestEffort || ctx.Err() != nil {
			if firstErr == nil {
				firstErr = &BlobError{Path: res.info.Path, Err: res.err}
				cancel()
			}
			continue
		}
		warnings = append(warnings, b.warn(res.info.Path, res.op, res.err))
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(acc.entries) == 0 {
		return nil, ErrNothingToPublish
	}

	snap := &Snapshot{
		Entries:  acc.entries,
		Files:    make([]encode.Info, 0, len(acc.files)),
		Warnings: warnings,
	}
	for _, info := range acc.files {
		snap.Files = append(snap.Files, info)
	}
	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].Path < snap.Files[j].Path })
	sort.SliceStable(snap.Warnings, func(i, j int) bool { return snap.Warnings[i].Path < snap.Warnings[j].Path })
	return snap, nil
}

func (b *Builder) uploadOne(ctx context.Context, fsys fs.FS, planned encode.Info, acc *accumulator) blobResult {
	if err := ctx.Err(); err != nil {
		return blobResult{info: planned, op: OpBlob, err: err}
	}
	blob, err := encode.Encode(fsys, planned.Path)
	if err != nil {
		return blobResult{info: planned, op: OpRead, err: err}
	}
	if blob.Digest != planned.Digest {
		b.log.WithField("path", planned.Path).Debug("file changed since preflight")
	}
	h, err := b.store.CreateBlob(ctx, blob)
	if err != nil {
		return blobResult{info: blob.Info, op: OpBlob, err: err}
	}
	if err := acc.put(blob.Info, h); err != nil {
		return blobResult{info: blob.Info, op: OpBlob, err: err}
	}
	b.log.WithFields(logrus.Fields{"path": blob.Path, "digest": h}).Debug("blob stored")
	return blobResult{info: blob.Info, hash: h}
}

func (b *Builder) warn(path, op string, err error) Warning {
	w := Warning{Path: path, Op: op, Err: err}
	b.log.WithFields(logrus.Fields{"path": path, "op": op}).WithError(err).Warn("file dropped")
	if b.opts.OnWarning != nil {
		b.opts.OnWarning(w)
	}
	return w
}

// Compose creates the tree for snap's entries and records its digest.
func (b *Builder) Compose(ctx context.Context, snap *Snapshot) error {
	if len(snap.Entries) == 0 {
		return ErrNothingToPublish
	}
	modes := make(map[string]string, len(snap.Files))
	for _, info := range snap.Files {
		modes[info.Path] = info.Mode
	}

	var (
		h   object.Hash
		err error
	)
	switch b.opts.Layout {
	case LayoutFlat:
		h, err = b.composeFlat(ctx, snap.Entries, modes)
	default:
		h, err = b.composeDir(ctx, snap.Entries, modes, "")
	}
	if err != nil {
		var treeErr *TreeCreationError
		if !errors.As(err, &treeErr) {
			err = &TreeCreationError{Err: err}
		}
		return err
	}
	snap.Tree = h
	b.log.WithFields(logrus.Fields{"tree": h, "layout": b.opts.Layout}).Debug("tree created")
	return nil
}

func (b *Builder) composeFlat(ctx context.Context, entries map[string]object.Hash, modes map[string]string) (object.Hash, error) {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	tree := make([]object.TreeEntry, 0, len(paths))
	for _, p := range paths {
		tree = append(tree, object.TreeEntry{
			Path: p,
			Mode: object.NormalizeFileMode(modes[p]),
			Type: object.TypeBlob,
			Hash: entries[p],
		})
	}
	h, err := b.store.CreateTree(ctx, tree)
	if err != nil {
		return "", &TreeCreationError{Err: err}
	}
	return h, nil
}

// composeDir creates the tree for the directory prefix, creating its
// subtrees first.
func (b *Builder) composeDir(ctx context.Context, entries map[string]object.Hash, modes map[string]string, prefix string) (object.Hash, error) {
	files := make(map[string]string)     // name -> full path
	subdirs := make(map[string]struct{}) // immediate child dir names

	for p := range entries {
		rel := p
		if prefix != "" {
			if !strings.HasPrefix(p, prefix+"/") {
				continue
			}
			rel = p[len(prefix)+1:]
		}
		if slash := strings.IndexByte(rel, '/'); slash >= 0 {
			subdirs[rel[:slash]] = struct{}{}
		} else {
			files[rel] = p
		}
	}

	names := make([]string, 0, len(files)+len(subdirs))
	for name := range files {
		names = append(names, name)
	}
	for name := range subdirs {
		if _, isFile := files[name]; isFile {
			return "", &TreeCreationError{Dir: prefix, Err: fmt.Errorf("%q is both a file and a directory", name)}
		}
		names = append(names, name)
	}
	sort.Strings(names)

	tree := make([]object.TreeEntry, 0, len(names))
	for _, name := range names {
		if full, isFile := files[name]; isFile {
			tree = append(tree, object.TreeEntry{
				Path: name,
				Mode: object.NormalizeFileMode(modes[full]),
				Type: object.TypeBlob,
				Hash: entries[full],
			})
			continue
		}
		childPrefix := name
		if prefix != "" {
			childPrefix = prefix + "/" + name
		}
		sub, err := b.composeDir(ctx, entries, modes, childPrefix)
		if err != nil {
			return "", err
		}
		tree = append(tree, object.TreeEntry{
			Path: name,
			Mode: object.TreeModeDir,
			Type: object.TypeTree,
			Hash: sub,
		})
	}

	h, err := b.store.CreateTree(ctx, tree)
	if err != nil {
		return "", &TreeCreationError{Dir: prefix, Err: err}
	}
	b.log.WithFields(logrus.Fields{"dir": prefix, "tree": h}).Debug("subtree created")
	return h, nil
}
