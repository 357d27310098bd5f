package object

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

// HashObject computes the git object id of data, i.e. the SHA-1 of the
// envelope "type len\0content".
func HashObject(objType ObjectType, data []byte) Hash {
	return Hash(plumbing.ComputeHash(plumbingType(objType), data).String())
}

// HashBlob is HashObject(TypeBlob, data).
func HashBlob(data []byte) Hash {
	return HashObject(TypeBlob, data)
}

// ValidateHash checks that h is a 40-character lowercase hex object id.
func ValidateHash(h Hash) error {
	s := strings.TrimSpace(string(h))
	if s == "" {
		return fmt.Errorf("hash is empty")
	}
	if len(s) != 40 {
		return fmt.Errorf("hash length %d, expected 40", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("hash contains non-hex characters: %w", err)
	}
	return nil
}

func plumbingType(t ObjectType) plumbing.ObjectType {
	switch t {
	case TypeTree:
		return plumbing.TreeObject
	case TypeCommit:
		return plumbing.CommitObject
	default:
		return plumbing.BlobObject
	}
}
