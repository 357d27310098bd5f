package object

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MarshalTree serializes entries in git's binary tree format:
//
//	<mode> <name>\0<20-byte id>
//
// Entries are sorted the way git sorts them, with subtrees compared as if
// their name carried a trailing slash.
func MarshalTree(entries []TreeEntry) ([]byte, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return treeSortKey(sorted[i]) < treeSortKey(sorted[j])
	})

	var buf bytes.Buffer
	for _, e := range sorted {
		raw, err := hex.DecodeString(string(e.Hash))
		if err != nil || len(raw) != 20 {
			return nil, fmt.Errorf("marshal tree: entry %q: invalid hash %q", e.Path, e.Hash)
		}
		fmt.Fprintf(&buf, "%s %s\x00", strings.TrimLeft(treeModeOrDefault(e), "0"), e.Path)
		buf.Write(raw)
	}
	return buf.Bytes(), nil
}

func treeSortKey(e TreeEntry) string {
	if e.Type == TypeTree {
		return e.Path + "/"
	}
	return e.Path
}

func treeModeOrDefault(e TreeEntry) string {
	if e.Type == TypeTree {
		return TreeModeDir
	}
	if strings.TrimSpace(e.Mode) == "" {
		return TreeModeFile
	}
	return e.Mode
}

// MarshalCommit serializes c in git's commit format. The signature, when
// present, is emitted as a gpgsig header with continuation lines.
//
//	tree H
//	parent H     (zero or more)
//	author A
//	committer C
//	gpgsig S     (optional)
//
//	message
func MarshalCommit(c *Commit) []byte {
	author, committer := c.identities()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", formatSignature(author))
	fmt.Fprintf(&buf, "committer %s\n", formatSignature(committer))
	if sig := strings.TrimRight(c.Signature, "\n"); sig != "" {
		buf.WriteString("gpgsig ")
		buf.WriteString(strings.ReplaceAll(sig, "\n", "\n "))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// CommitSigningPayload returns the canonical bytes that are signed for a
// commit. The payload excludes the signature itself.
func CommitSigningPayload(c *Commit) []byte {
	if c == nil {
		return nil
	}
	unsigned := *c
	unsigned.Signature = ""
	return MarshalCommit(&unsigned)
}

// identities returns the author and committer, defaulting the committer to
// the author and the author to DefaultSignature.
func (c *Commit) identities() (Signature, Signature) {
	author := DefaultSignature
	if c.Author != nil {
		author = *c.Author
	}
	committer := author
	if c.Committer != nil {
		committer = *c.Committer
	}
	return author, committer
}

// DefaultSignature is used when a commit carries no identity.
var DefaultSignature = Signature{Name: "treepush", Email: "treepush@localhost"}

func formatSignature(s Signature) string {
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When.Unix(), s.When.Format("-0700"))
}

// UnmarshalTree parses git's binary tree format.
func UnmarshalTree(data []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("unmarshal tree: missing mode separator")
		}
		mode := string(data[:sp])
		data = data[sp+1:]

		nul := bytes.IndexByte(data, 0)
		if nul < 0 || len(data) < nul+21 {
			return nil, fmt.Errorf("unmarshal tree: truncated entry")
		}
		name := string(data[:nul])
		id := hex.EncodeToString(data[nul+1 : nul+21])
		data = data[nul+21:]

		e := TreeEntry{Path: name, Type: TypeBlob, Mode: mode, Hash: Hash(id)}
		if mode == strings.TrimLeft(TreeModeDir, "0") {
			e.Type = TypeTree
			e.Mode = TreeModeDir
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// UnmarshalCommit parses a serialized commit.
func UnmarshalCommit(data []byte) (*Commit, error) {
	idx := bytes.Index(data, []byte("\n\n"))
	if idx < 0 {
		return nil, fmt.Errorf("unmarshal commit: missing header/message separator")
	}
	c := &Commit{Message: string(data[idx+2:])}

	var sig []string
	for _, line := range strings.Split(string(data[:idx]), "\n") {
		if strings.HasPrefix(line, " ") && sig != nil {
			sig = append(sig, line[1:])
			continue
		}
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("unmarshal commit: malformed header line %q", line)
		}
		switch key {
		case "tree":
			c.Tree = Hash(val)
		case "parent":
			c.Parents = append(c.Parents, Hash(val))
		case "author", "committer":
			id, err := parseSignature(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: %s: %w", key, err)
			}
			if key == "author" {
				c.Author = id
			} else {
				c.Committer = id
			}
		case "gpgsig":
			sig = []string{val}
		}
	}
	if sig != nil {
		c.Signature = strings.Join(sig, "\n")
	}
	return c, nil
}

// parseSignature parses "Name <email> 1700000000 +0100".
func parseSignature(s string) (*Signature, error) {
	lt := strings.IndexByte(s, '<')
	gt := strings.LastIndexByte(s, '>')
	if lt < 0 || gt < lt {
		return nil, fmt.Errorf("malformed identity %q", s)
	}
	sig := &Signature{
		Name:  strings.TrimSpace(s[:lt]),
		Email: s[lt+1 : gt],
	}
	fields := strings.Fields(s[gt+1:])
	if len(fields) != 2 {
		return nil, fmt.Errorf("malformed identity date %q", s[gt+1:])
	}
	secs, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed identity time %q", fields[0])
	}
	zone, err := time.Parse("-0700", fields[1])
	if err != nil {
		return nil, fmt.Errorf("malformed identity zone %q", fields[1])
	}
	sig.When = time.Unix(secs, 0).In(zone.Location())
	return sig, nil
}
