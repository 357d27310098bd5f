package object

import "time"

// Hash is a 40-character hex-encoded git object id.
type Hash string

// Short returns the first 8 characters of h for display.
func (h Hash) Short() string {
	if len(h) > 8 {
		return string(h[:8])
	}
	return string(h)
}

// ObjectType identifies the kind of object stored.
type ObjectType string

const (
	TypeBlob   ObjectType = "blob"
	TypeTree   ObjectType = "tree"
	TypeCommit ObjectType = "commit"
)

const (
	// Tree mode constants in the form accepted by the git data API.
	TreeModeDir        = "040000"
	TreeModeFile       = "100644"
	TreeModeExecutable = "100755"
)

// TreeEntry is one entry in a tree object. Path is a single segment for
// nested trees and a full slash-separated relative path for flat trees.
type TreeEntry struct {
	Path string
	Mode string
	Type ObjectType
	Hash Hash
}

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Commit is the payload of a commit object.
type Commit struct {
	Message   string
	Tree      Hash
	Parents   []Hash
	Author    *Signature
	Committer *Signature
	Signature string
}
