package remote_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/odvcencio/treepush/pkg/encode"
	"github.com/odvcencio/treepush/pkg/object"
	"github.com/odvcencio/treepush/pkg/remote"
	"github.com/odvcencio/treepush/pkg/remote/remotetest"
)

func newTestClient(t *testing.T, srv *remotetest.Server, token string) *remote.Client {
	t.Helper()
	ep, err := remote.ParseEndpoint(srv.RemoteURL())
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	c, err := remote.NewClient(ep, remote.ClientOptions{
		Token:       token,
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClientCreateBlob(t *testing.T) {
	srv := remotetest.NewServer(t, "alice", "proj")
	c := newTestClient(t, srv, "")

	blob := encode.FromBytes("hello.txt", []byte("hello"))
	h, err := c.CreateBlob(context.Background(), blob)
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	if h != "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0" {
		t.Fatalf("CreateBlob digest = %s", h)
	}
	if !srv.Store.Has(h) {
		t.Fatalf("store missing blob %s", h)
	}
}

func TestClientCreateBlobDuplicate(t *testing.T) {
	for _, omitSHA := range []bool{false, true} {
		srv := remotetest.NewServer(t, "alice", "proj")
		srv.DuplicateBlobs = true
		srv.OmitDuplicateSHA = omitSHA
		c := newTestClient(t, srv, "")

		blob := encode.FromBytes("a.txt", []byte("same"))
		first, err := c.CreateBlob(context.Background(), blob)
		if err != nil {
			t.Fatalf("first CreateBlob: %v", err)
		}
		second, err := c.CreateBlob(context.Background(), blob)
		if err != nil {
			t.Fatalf("duplicate CreateBlob (omit sha %v): %v", omitSHA, err)
		}
		if first != second {
			t.Fatalf("duplicate digest = %s, want %s", second, first)
		}
	}
}

func TestClientCreateBlobDigestMismatch(t *testing.T) {
	srv := remotetest.NewServer(t, "alice", "proj")
	c := newTestClient(t, srv, "")

	blob := encode.FromBytes("a.txt", []byte("content"))
	blob.Digest = object.HashBlob([]byte("other content"))
	_, err := c.CreateBlob(context.Background(), blob)
	var createErr *remote.ObjectCreateError
	if !errors.As(err, &createErr) {
		t.Fatalf("CreateBlob error = %v, want ObjectCreateError", err)
	}
	if createErr.Path != "a.txt" || createErr.Type != object.TypeBlob {
		t.Fatalf("ObjectCreateError = %+v", createErr)
	}
}

func TestClientCreateBlobRejected(t *testing.T) {
	srv := remotetest.NewServer(t, "alice", "proj")
	srv.Fail(remotetest.RouteCreateBlob, http.StatusForbidden)
	c := newTestClient(t, srv, "")

	_, err := c.CreateBlob(context.Background(), encode.FromBytes("a.txt", []byte("x")))
	var createErr *remote.ObjectCreateError
	if !errors.As(err, &createErr) {
		t.Fatalf("CreateBlob error = %v, want ObjectCreateError", err)
	}
	if createErr.Status != http.StatusForbidden {
		t.Fatalf("Status = %d, want 403", createErr.Status)
	}
	var remoteErr *remote.RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.Message == "" {
		t.Fatalf("expected structured RemoteError, got %v", err)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	srv := remotetest.NewServer(t, "alice", "proj")
	srv.Fail(remotetest.RouteCreateBlob, http.StatusBadGateway)
	c := newTestClient(t, srv, "")

	if _, err := c.CreateBlob(context.Background(), encode.FromBytes("a.txt", []byte("x"))); err != nil {
		t.Fatalf("CreateBlob after one 502: %v", err)
	}
	if got := srv.Calls(remotetest.RouteCreateBlob); got != 2 {
		t.Fatalf("blob calls = %d, want 2", got)
	}
}

func TestClientSendsAuthorization(t *testing.T) {
	srv := remotetest.NewServer(t, "alice", "proj")
	srv.Token = "s3cret"

	if _, err := newTestClient(t, srv, "wrong").CreateBlob(context.Background(), encode.FromBytes("a", []byte("a"))); err == nil {
		t.Fatal("expected bad credentials error")
	}
	if _, err := newTestClient(t, srv, "s3cret").CreateBlob(context.Background(), encode.FromBytes("a", []byte("a"))); err != nil {
		t.Fatalf("CreateBlob with token: %v", err)
	}
}

func TestClientCreateTree(t *testing.T) {
	srv := remotetest.NewServer(t, "alice", "proj")
	c := newTestClient(t, srv, "")
	ctx := context.Background()

	h, err := c.CreateBlob(ctx, encode.FromBytes("a.txt", []byte("hello")))
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	tree, err := c.CreateTree(ctx, []object.TreeEntry{
		{Path: "a.txt", Mode: object.TreeModeFile, Type: object.TypeBlob, Hash: h},
		{Path: "b/c.txt", Mode: object.TreeModeExecutable, Type: object.TypeBlob, Hash: h},
	})
	if err != nil {
		t.Fatalf("CreateTree: %v", err)
	}
	entries, err := srv.Store.ReadTree(tree)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("tree entries = %d, want 2", len(entries))
	}

	sent := srv.Trees()
	if len(sent) != 1 || sent[0][1].Path != "b/c.txt" || sent[0][1].Mode != "100755" || sent[0][1].Type != "blob" {
		t.Fatalf("tree request = %+v", sent)
	}
}

func TestClientCreateTreeMissingObject(t *testing.T) {
	srv := remotetest.NewServer(t, "alice", "proj")
	c := newTestClient(t, srv, "")

	_, err := c.CreateTree(context.Background(), []object.TreeEntry{
		{Path: "a.txt", Type: object.TypeBlob, Hash: object.HashBlob([]byte("never uploaded"))},
	})
	var createErr *remote.ObjectCreateError
	if !errors.As(err, &createErr) || createErr.Type != object.TypeTree {
		t.Fatalf("CreateTree error = %v, want tree ObjectCreateError", err)
	}
	if createErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("Status = %d, want 422", createErr.Status)
	}
}

func TestClientResolveReferenceAbsent(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusConflict} {
		srv := remotetest.NewServer(t, "alice", "proj")
		srv.Fail(remotetest.RouteGetRef, status)
		c := newTestClient(t, srv, "")

		h, ok, err := c.ResolveReference(context.Background(), "main")
		if err != nil {
			t.Fatalf("ResolveReference with %d: %v", status, err)
		}
		if ok || h != "" {
			t.Fatalf("ResolveReference with %d = %s, %v; want absent", status, h, ok)
		}
	}
}

func TestClientResolveReferenceError(t *testing.T) {
	srv := remotetest.NewServer(t, "alice", "proj")
	srv.Fail(remotetest.RouteGetRef, http.StatusForbidden)
	c := newTestClient(t, srv, "")

	_, _, err := c.ResolveReference(context.Background(), "main")
	var refErr *remote.ReferenceResolutionError
	if !errors.As(err, &refErr) {
		t.Fatalf("ResolveReference error = %v, want ReferenceResolutionError", err)
	}
	if refErr.Ref != "heads/main" || refErr.Status != http.StatusForbidden {
		t.Fatalf("ReferenceResolutionError = %+v", refErr)
	}
}

// commitFixture stores one blob and tree through c and returns the tree.
func commitFixture(t *testing.T, c *remote.Client, content string) object.Hash {
	t.Helper()
	ctx := context.Background()
	h, err := c.CreateBlob(ctx, encode.FromBytes("f.txt", []byte(content)))
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	tree, err := c.CreateTree(ctx, []object.TreeEntry{{Path: "f.txt", Type: object.TypeBlob, Hash: h}})
	if err != nil {
		t.Fatalf("CreateTree: %v", err)
	}
	return tree
}

func TestClientCommitAndCreateReference(t *testing.T) {
	srv := remotetest.NewServer(t, "alice", "proj")
	c := newTestClient(t, srv, "")
	ctx := context.Background()

	tree := commitFixture(t, c, "v1")
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	commit, err := c.CreateCommit(ctx, &object.Commit{
		Message:   "initial",
		Tree:      tree,
		Author:    &object.Signature{Name: "Alice", Email: "alice@example.com", When: when},
		Committer: &object.Signature{Name: "Alice", Email: "alice@example.com", When: when},
	})
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}

	sent := srv.Commits()
	if len(sent) != 1 {
		t.Fatalf("commit requests = %d, want 1", len(sent))
	}
	if sent[0].Parents == nil || len(sent[0].Parents) != 0 {
		t.Fatalf("initial commit parents = %#v, want empty list", sent[0].Parents)
	}
	if sent[0].Author == nil || sent[0].Author.Date != "2024-05-01T12:00:00Z" {
		t.Fatalf("author = %+v", sent[0].Author)
	}

	// The branch does not exist yet: PATCH fails and the client creates it.
	if err := c.UpdateReference(ctx, "main", commit, false); err != nil {
		t.Fatalf("UpdateReference: %v", err)
	}
	if got := srv.Calls(remotetest.RouteCreateRef); got != 1 {
		t.Fatalf("create ref calls = %d, want 1", got)
	}
	if tip, ok := srv.Ref(t, "main"); !ok || tip != commit {
		t.Fatalf("main = %s (%v), want %s", tip, ok, commit)
	}

	parent, ok, err := c.ResolveReference(ctx, "refs/heads/main")
	if err != nil || !ok || parent != commit {
		t.Fatalf("ResolveReference = %s, %v, %v", parent, ok, err)
	}

	tree2 := commitFixture(t, c, "v2")
	next, err := c.CreateCommit(ctx, &object.Commit{Message: "second", Tree: tree2, Parents: []object.Hash{parent}})
	if err != nil {
		t.Fatalf("CreateCommit second: %v", err)
	}
	if err := c.UpdateReference(ctx, "main", next, false); err != nil {
		t.Fatalf("UpdateReference second: %v", err)
	}
	if tip, _ := srv.Ref(t, "main"); tip != next {
		t.Fatalf("main = %s, want %s", tip, next)
	}
	if got := srv.Calls(remotetest.RouteCreateRef); got != 1 {
		t.Fatalf("create ref calls = %d, want 1", got)
	}
}

func TestClientCreateCommitKeepsZoneOffset(t *testing.T) {
	srv := remotetest.NewServer(t, "alice", "proj")
	c := newTestClient(t, srv, "")

	when := time.Date(2024, 5, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	id := &object.Signature{Name: "Alice", Email: "alice@example.com", When: when}
	commit := &object.Commit{Message: "zoned", Tree: commitFixture(t, c, "z"), Author: id, Committer: id}
	h, err := c.CreateCommit(context.Background(), commit)
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}

	sent := srv.Commits()
	if len(sent) != 1 || sent[0].Author == nil || sent[0].Author.Date != "2024-05-01T14:00:00+02:00" {
		t.Fatalf("commit requests = %+v", sent)
	}
	if want := object.HashObject(object.TypeCommit, object.MarshalCommit(commit)); h != want {
		t.Fatalf("stored commit = %s, want %s (local serialization)", h, want)
	}
}

func TestClientUpdateReferenceAlreadyAtTarget(t *testing.T) {
	srv := remotetest.NewServer(t, "alice", "proj")
	c := newTestClient(t, srv, "")
	ctx := context.Background()

	commit, err := c.CreateCommit(ctx, &object.Commit{Message: "m", Tree: commitFixture(t, c, "x")})
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	srv.SetRef(t, "main", commit)
	srv.Fail(remotetest.RouteUpdateRef, http.StatusUnprocessableEntity)

	if err := c.UpdateReference(ctx, "main", commit, false); err != nil {
		t.Fatalf("UpdateReference to current tip: %v", err)
	}
}

func TestClientUpdateReferenceRejected(t *testing.T) {
	srv := remotetest.NewServer(t, "alice", "proj")
	c := newTestClient(t, srv, "")
	ctx := context.Background()

	first, err := c.CreateCommit(ctx, &object.Commit{Message: "one", Tree: commitFixture(t, c, "1")})
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	unrelated, err := c.CreateCommit(ctx, &object.Commit{Message: "two", Tree: commitFixture(t, c, "2")})
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	srv.SetRef(t, "main", first)

	err = c.UpdateReference(ctx, "main", unrelated, false)
	var updErr *remote.ReferenceUpdateError
	if !errors.As(err, &updErr) {
		t.Fatalf("UpdateReference error = %v, want ReferenceUpdateError", err)
	}
	if updErr.Target != unrelated || updErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("ReferenceUpdateError = %+v", updErr)
	}
	if tip, _ := srv.Ref(t, "main"); tip != first {
		t.Fatalf("main moved to %s after rejected update", tip)
	}

	if err := c.UpdateReference(ctx, "main", unrelated, true); err != nil {
		t.Fatalf("forced UpdateReference: %v", err)
	}
}

func TestClientUpdateReferenceServerError(t *testing.T) {
	srv := remotetest.NewServer(t, "alice", "proj")
	c := newTestClient(t, srv, "")
	ctx := context.Background()

	commit, err := c.CreateCommit(ctx, &object.Commit{Message: "m", Tree: commitFixture(t, c, "x")})
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	srv.Fail(remotetest.RouteUpdateRef, http.StatusForbidden)

	err = c.UpdateReference(ctx, "main", commit, false)
	var updErr *remote.ReferenceUpdateError
	if !errors.As(err, &updErr) || updErr.Status != http.StatusForbidden {
		t.Fatalf("UpdateReference error = %v, want 403 ReferenceUpdateError", err)
	}
	if _, ok := srv.Ref(t, "main"); ok {
		t.Fatal("main exists after failed update")
	}
}

func TestNewClientRejectsLocalEndpoint(t *testing.T) {
	ep, err := remote.ParseEndpoint("file:///tmp/store")
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	if _, err := remote.NewClient(ep, remote.ClientOptions{}); err == nil {
		t.Fatal("expected error for local endpoint")
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	store, ep, err := remote.Open("file://"+dir, remote.ClientOptions{})
	if err != nil {
		t.Fatalf("Open file: %v", err)
	}
	if _, ok := store.(*remote.DirStore); !ok || !ep.IsLocal() {
		t.Fatalf("Open file = %T, %+v", store, ep)
	}

	store, ep, err = remote.Open("github:alice/proj", remote.ClientOptions{})
	if err != nil {
		t.Fatalf("Open github: %v", err)
	}
	if _, ok := store.(*remote.Client); !ok || ep.Owner != "alice" {
		t.Fatalf("Open github = %T, %+v", store, ep)
	}
}
