// Package publish drives a directory through blob, tree, commit and
// reference creation so that it appears on the remote as one commit.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/odvcencio/treepush/pkg/collect"
	"github.com/odvcencio/treepush/pkg/encode"
	"github.com/odvcencio/treepush/pkg/object"
	"github.com/odvcencio/treepush/pkg/remote"
	"github.com/odvcencio/treepush/pkg/snapshot"
	"github.com/sirupsen/logrus"
)

// Store is the object store a publish writes to.
type Store interface {
	CreateBlob(ctx context.Context, b *encode.Blob) (object.Hash, error)
	CreateTree(ctx context.Context, entries []object.TreeEntry) (object.Hash, error)
	ResolveReference(ctx context.Context, name string) (object.Hash, bool, error)
	CreateCommit(ctx context.Context, c *object.Commit) (object.Hash, error)
	UpdateReference(ctx context.Context, name string, h object.Hash, force bool) error
}

// CommitSigner returns an armored signature over a commit's canonical
// payload.
type CommitSigner func(payload []byte) (string, error)

// Reporter observes a publish. Calls are made from a single goroutine.
type Reporter interface {
	Phase(p Phase)
	Blob(info encode.Info, h object.Hash)
	Warning(w snapshot.Warning)
}

// Config describes one publish.
type Config struct {
	// Root is the directory to publish. FS, when set, is used instead.
	Root string
	FS   fs.FS

	Reference string
	Message   string

	BestEffort  bool
	Layout      snapshot.Layout
	Concurrency int
	Collect     collect.Options

	Author    *object.Signature
	Committer *object.Signature
	Signer    CommitSigner

	// Now stamps identities that carry no time. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks that c names a source, a reference and a message.
func (c *Config) Validate() error {
	if c.FS == nil && strings.TrimSpace(c.Root) == "" {
		return errors.New("publish root is required")
	}
	if _, err := remote.NormalizeRef(c.Reference); err != nil {
		return err
	}
	if strings.TrimSpace(c.Message) == "" {
		return errors.New("commit message is required")
	}
	if _, err := snapshot.ParseLayout(string(c.Layout)); err != nil {
		return err
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	return nil
}

// Result describes a finished or failed publish.
type Result struct {
	Reference string                 `json:"reference"`
	Commit    object.Hash            `json:"commit,omitempty"`
	Tree      object.Hash            `json:"tree,omitempty"`
	Parent    object.Hash            `json:"parent,omitempty"`
	Blobs     int                    `json:"blobs"`
	Entries   map[string]object.Hash `json:"entries,omitempty"`
	Warnings  []snapshot.Warning     `json:"warnings,omitempty"`
	Partial   bool                   `json:"partial"`
	Phases    []Phase                `json:"phases"`
	Error     string                 `json:"error,omitempty"`
}

// Driver runs publishes against one store.
type Driver struct {
	store    Store
	reporter Reporter
	log      logrus.FieldLogger
}

// NewDriver returns a Driver. reporter and log may be nil.
func NewDriver(store Store, reporter Reporter, log logrus.FieldLogger) *Driver {
	if reporter == nil {
		reporter = nopReporter{}
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Driver{store: store, reporter: reporter, log: log}
}

// Publish stores cfg's directory as a commit on cfg.Reference. The result is
// non-nil even on failure and records how far the publish got. Errors are
// *PhaseError.
func (d *Driver) Publish(ctx context.Context, cfg Config) (*Result, error) {
	res := &Result{Reference: cfg.Reference}
	run := &run{d: d, res: res}

	run.enter(PhaseStart)
	if err := cfg.Validate(); err != nil {
		return res, run.fail(err)
	}
	ref, _ := remote.NormalizeRef(cfg.Reference)
	res.Reference = "refs/" + ref
	log := d.log.WithField("ref", res.Reference)

	fsys := cfg.FS
	if fsys == nil {
		fsys = os.DirFS(cfg.Root)
	}
	builder := snapshot.NewBuilder(d.store, snapshot.Options{
		Concurrency: cfg.Concurrency,
		BestEffort:  cfg.BestEffort,
		Layout:      cfg.Layout,
		Collect:     cfg.Collect,
		Logger:      log,
		OnBlob:      d.reporter.Blob,
		OnWarning:   d.reporter.Warning,
	})

	run.enter(PhaseCollecting)
	plan, err := builder.Preflight(fsys)
	if err != nil {
		return res, run.fail(err)
	}

	run.enter(PhaseCreatingBlobs)
	snap, err := builder.Upload(ctx, fsys, plan)
	if err != nil {
		return res, run.fail(err)
	}
	res.Blobs = len(snap.Entries)
	res.Entries = snap.Entries
	res.Warnings = snap.Warnings
	res.Partial = len(snap.Warnings) > 0

	run.enter(PhaseCreatingTree)
	if err := builder.Compose(ctx, snap); err != nil {
		return res, run.fail(err)
	}
	res.Tree = snap.Tree

	run.enter(PhaseResolvingParent)
	parents := []object.Hash{}
	tip, exists, err := d.store.ResolveReference(ctx, ref)
	if err != nil {
		return res, run.fail(err)
	}
	if exists {
		parents = append(parents, tip)
		res.Parent = tip
	}
	log.WithFields(logrus.Fields{"parent": tip, "exists": exists}).Debug("parent resolved")

	run.enter(PhaseCreatingCommit)
	commit, err := buildCommit(cfg, snap.Tree, parents)
	if err != nil {
		return res, run.fail(err)
	}
	h, err := d.store.CreateCommit(ctx, commit)
	if err != nil {
		return res, run.fail(err)
	}
	res.Commit = h

	run.enter(PhaseUpdatingReference)
	if err := d.store.UpdateReference(ctx, ref, h, true); err != nil {
		return res, run.fail(err)
	}

	run.enter(PhaseDone)
	log.WithFields(logrus.Fields{"commit": h, "tree": snap.Tree, "blobs": res.Blobs}).Info("published")
	return res, nil
}

// buildCommit assembles the commit and signs it when a signer is set. A
// signed commit always carries an identity, since the signature covers it.
// Identity times are normalized to UTC.
func buildCommit(cfg Config, tree object.Hash, parents []object.Hash) (*object.Commit, error) {
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	stamp := func(s *object.Signature) *object.Signature {
		if s == nil {
			return nil
		}
		out := *s
		if out.When.IsZero() {
			out.When = now()
		}
		out.When = out.When.UTC().Truncate(time.Second)
		return &out
	}

	c := &object.Commit{
		Message:   cfg.Message,
		Tree:      tree,
		Parents:   parents,
		Author:    stamp(cfg.Author),
		Committer: stamp(cfg.Committer),
	}
	if cfg.Signer == nil {
		return c, nil
	}
	if c.Author == nil {
		c.Author = stamp(&object.DefaultSignature)
	}
	if c.Committer == nil {
		c.Committer = c.Author
	}
	sig, err := cfg.Signer(object.CommitSigningPayload(c))
	if err != nil {
		return nil, fmt.Errorf("sign commit: %w", err)
	}
	c.Signature = sig
	return c, nil
}

type run struct {
	d     *Driver
	res   *Result
	phase Phase
}

func (r *run) enter(p Phase) {
	r.phase = p
	r.res.Phases = append(r.res.Phases, p)
	r.d.reporter.Phase(p)
	r.d.log.WithField("phase", p).Debug("phase")
}

func (r *run) fail(err error) error {
	perr := &PhaseError{Phase: r.phase, Err: err}
	r.res.Error = perr.Error()
	r.res.Phases = append(r.res.Phases, PhaseFailed)
	r.d.reporter.Phase(PhaseFailed)
	r.d.log.WithField("phase", r.phase).WithError(err).Debug("publish failed")
	return perr
}

type nopReporter struct{}

func (nopReporter) Phase(Phase)                   {}
func (nopReporter) Blob(encode.Info, object.Hash) {}
func (nopReporter) Warning(snapshot.Warning)      {}
