package remote

import (
	"fmt"
	"sort"
	"strings"

	"github.com/odvcencio/treepush/pkg/object"
)

// Reachability is the object closure of a set of roots.
type Reachability struct {
	Objects map[object.Hash]object.ObjectType
	// Missing lists referenced objects absent from the store, sorted.
	Missing []object.Hash
}

// Reachable walks commit parents, commit trees and tree entries from roots.
// Objects that are referenced but absent are reported rather than failing
// the walk.
func (s *DirStore) Reachable(roots []object.Hash) (*Reachability, error) {
	roots = uniqueNormalizedHashes(roots)
	out := &Reachability{Objects: make(map[object.Hash]object.ObjectType, len(roots))}
	missing := make(map[object.Hash]struct{})

	stack := append([]object.Hash(nil), roots...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := out.Objects[h]; ok {
			continue
		}
		if !s.Has(h) {
			missing[h] = struct{}{}
			continue
		}

		objType, data, err := s.Read(h)
		if err != nil {
			return nil, fmt.Errorf("reachable read %s: %w", h, err)
		}
		out.Objects[h] = objType
		refs, err := referencedHashes(objType, data)
		if err != nil {
			return nil, fmt.Errorf("reachable parse %s (%s): %w", h, objType, err)
		}
		stack = append(stack, refs...)
	}

	for h := range missing {
		out.Missing = append(out.Missing, h)
	}
	sort.Slice(out.Missing, func(i, j int) bool { return out.Missing[i] < out.Missing[j] })
	return out, nil
}

func referencedHashes(objType object.ObjectType, data []byte) ([]object.Hash, error) {
	switch objType {
	case object.TypeBlob:
		return nil, nil
	case object.TypeCommit:
		commit, err := object.UnmarshalCommit(data)
		if err != nil {
			return nil, err
		}
		refs := make([]object.Hash, 0, 1+len(commit.Parents))
		refs = append(refs, commit.Tree)
		refs = append(refs, commit.Parents...)
		return refs, nil
	case object.TypeTree:
		entries, err := object.UnmarshalTree(data)
		if err != nil {
			return nil, err
		}
		refs := make([]object.Hash, 0, len(entries))
		for _, e := range entries {
			refs = append(refs, e.Hash)
		}
		return refs, nil
	default:
		return nil, fmt.Errorf("unsupported object type %q", objType)
	}
}

func uniqueNormalizedHashes(in []object.Hash) []object.Hash {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[object.Hash]struct{}, len(in))
	out := make([]object.Hash, 0, len(in))
	for _, h := range in {
		h = object.Hash(strings.TrimSpace(string(h)))
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
