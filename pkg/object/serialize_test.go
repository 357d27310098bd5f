package object

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestMarshalTreeSortsLikeGit(t *testing.T) {
	blob := HashBlob([]byte("x"))
	entries := []TreeEntry{
		{Path: "foo.txt", Type: TypeBlob, Mode: TreeModeFile, Hash: blob},
		{Path: "foo", Type: TypeTree, Hash: blob},
		{Path: "a", Type: TypeBlob, Mode: TreeModeExecutable, Hash: blob},
	}
	data, err := MarshalTree(entries)
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}

	// "foo.txt" sorts before "foo/" because '.' < '/'.
	a := bytes.Index(data, []byte("100755 a\x00"))
	txt := bytes.Index(data, []byte("100644 foo.txt\x00"))
	dir := bytes.Index(data, []byte("40000 foo\x00"))
	if a < 0 || txt < 0 || dir < 0 {
		t.Fatalf("missing entry in %q", data)
	}
	if !(a < txt && txt < dir) {
		t.Fatalf("order a=%d foo.txt=%d foo=%d", a, txt, dir)
	}
}

func TestMarshalTreeRejectsBadHash(t *testing.T) {
	_, err := MarshalTree([]TreeEntry{{Path: "a", Type: TypeBlob, Hash: "nothex"}})
	if err == nil {
		t.Fatal("expected error for invalid hash")
	}
}

func TestMarshalCommit(t *testing.T) {
	when := time.Unix(1700000000, 0).UTC()
	c := &Commit{
		Message: "init\n\n- first line\n",
		Tree:    "4b825dc642cb6eb9a060e54bf8d69288fbee4904",
		Parents: []Hash{"b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0"},
		Author:  &Signature{Name: "Alice", Email: "alice@example.com", When: when},
	}
	got := string(MarshalCommit(c))
	want := "tree 4b825dc642cb6eb9a060e54bf8d69288fbee4904\n" +
		"parent b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0\n" +
		"author Alice <alice@example.com> 1700000000 +0000\n" +
		"committer Alice <alice@example.com> 1700000000 +0000\n" +
		"\n" +
		"init\n\n- first line\n"
	if got != want {
		t.Fatalf("MarshalCommit:\n%s\nwant:\n%s", got, want)
	}
}

func TestCommitSigningPayloadExcludesSignature(t *testing.T) {
	c := &Commit{
		Message:   "msg",
		Tree:      "4b825dc642cb6eb9a060e54bf8d69288fbee4904",
		Author:    &Signature{Name: "A", Email: "a@example.com", When: time.Unix(1, 0).UTC()},
		Signature: "-----BEGIN SSH SIGNATURE-----\nabc\n-----END SSH SIGNATURE-----",
	}
	signed := string(MarshalCommit(c))
	if !strings.Contains(signed, "gpgsig -----BEGIN SSH SIGNATURE-----\n abc\n -----END SSH SIGNATURE-----\n") {
		t.Fatalf("signed commit missing gpgsig header:\n%s", signed)
	}
	payload := string(CommitSigningPayload(c))
	if strings.Contains(payload, "gpgsig") {
		t.Fatalf("payload contains signature:\n%s", payload)
	}
	if c.Signature == "" {
		t.Fatal("CommitSigningPayload mutated the commit")
	}
}

func TestUnmarshalTreeRoundTrip(t *testing.T) {
	blob := HashBlob([]byte("x"))
	in := []TreeEntry{
		{Path: "a.txt", Type: TypeBlob, Mode: TreeModeFile, Hash: blob},
		{Path: "b", Type: TypeTree, Mode: TreeModeDir, Hash: blob},
		{Path: "run.sh", Type: TypeBlob, Mode: TreeModeExecutable, Hash: blob},
	}
	data, err := MarshalTree(in)
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}
	out, err := UnmarshalTree(data)
	if err != nil {
		t.Fatalf("UnmarshalTree: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("entries = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestUnmarshalCommit(t *testing.T) {
	c := &Commit{
		Message:   "subject\n\nbody\n",
		Tree:      "4b825dc642cb6eb9a060e54bf8d69288fbee4904",
		Parents:   []Hash{"b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0"},
		Author:    &Signature{Name: "A", Email: "a@example.com", When: time.Unix(5, 0).UTC()},
		Signature: "line1\nline2",
	}
	got, err := UnmarshalCommit(MarshalCommit(c))
	if err != nil {
		t.Fatalf("UnmarshalCommit: %v", err)
	}
	if got.Tree != c.Tree || got.Message != c.Message || got.Signature != c.Signature {
		t.Fatalf("UnmarshalCommit = %+v", got)
	}
	if len(got.Parents) != 1 || got.Parents[0] != c.Parents[0] {
		t.Fatalf("Parents = %v", got.Parents)
	}
	if got.Author == nil || got.Author.Name != "A" || got.Author.Email != "a@example.com" || got.Author.When.Unix() != 5 {
		t.Fatalf("Author = %+v", got.Author)
	}
	if got.Committer == nil || got.Committer.Email != "a@example.com" {
		t.Fatalf("Committer = %+v", got.Committer)
	}
}

func TestUnmarshalCommitMalformedIdentity(t *testing.T) {
	data := []byte("tree 4b825dc642cb6eb9a060e54bf8d69288fbee4904\nauthor nobody\n\nmsg")
	if _, err := UnmarshalCommit(data); err == nil {
		t.Fatal("expected error for malformed author")
	}
}
