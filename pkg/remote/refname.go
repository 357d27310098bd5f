package remote

import (
	"fmt"
	"strings"
)

// NormalizeRef converts a branch or ref name into the form used in git-data
// URLs, e.g. "main", "heads/main" and "refs/heads/main" all become
// "heads/main". Tags are accepted as "refs/tags/x" or "tags/x".
func NormalizeRef(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("reference name is required")
	}
	full := strings.HasPrefix(name, "refs/")
	name = strings.TrimPrefix(name, "refs/")

	var kind, short string
	switch {
	case strings.HasPrefix(name, "heads/"):
		kind, short = "heads", strings.TrimPrefix(name, "heads/")
	case strings.HasPrefix(name, "tags/"):
		kind, short = "tags", strings.TrimPrefix(name, "tags/")
	case full:
		return "", fmt.Errorf("unsupported ref %q (only refs/heads/* and refs/tags/* are supported)", "refs/"+name)
	default:
		kind, short = "heads", name
	}
	if err := validateRefSegment(short); err != nil {
		return "", fmt.Errorf("invalid reference %q: %w", name, err)
	}
	return kind + "/" + short, nil
}

func validateRefSegment(s string) error {
	if s == "" {
		return fmt.Errorf("empty name")
	}
	if strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") || strings.Contains(s, "//") {
		return fmt.Errorf("malformed path")
	}
	if strings.Contains(s, "..") || strings.HasSuffix(s, ".lock") {
		return fmt.Errorf("forbidden sequence")
	}
	if strings.ContainsAny(s, " ~^:?*[\\") {
		return fmt.Errorf("forbidden character")
	}
	return nil
}
