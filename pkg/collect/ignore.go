package collect

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	gitignore "github.com/denormal/go-gitignore"
)

// DefaultControlDirs are version-control metadata directories that are never
// published.
var DefaultControlDirs = []string{".git"}

// IgnoreChecker determines if a path should be left out of a snapshot.
type IgnoreChecker struct {
	controlDirs map[string]struct{}
	excluded    map[string]struct{}
	patterns    gitignore.GitIgnore
}

// NewIgnoreChecker creates an IgnoreChecker for fsys. Control directories are
// matched by exact path segment. If ignoreFile is non-empty and exists at the
// root of fsys, its gitignore-style patterns are applied as well.
func NewIgnoreChecker(fsys fs.FS, controlDirs []string, ignoreFile string) (*IgnoreChecker, error) {
	ic := &IgnoreChecker{
		controlDirs: make(map[string]struct{}, len(controlDirs)),
		excluded:    make(map[string]struct{}),
	}
	for _, name := range controlDirs {
		name = strings.Trim(strings.TrimSpace(name), "/")
		if name != "" {
			ic.controlDirs[name] = struct{}{}
		}
	}

	ignoreFile = strings.TrimSpace(ignoreFile)
	if ignoreFile == "" {
		return ic, nil
	}
	data, err := fs.ReadFile(fsys, ignoreFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ic, nil
		}
		return nil, fmt.Errorf("read ignore file %q: %w", ignoreFile, err)
	}
	ic.patterns = gitignore.New(bytes.NewReader(data), "/", func(gitignore.Error) bool { return true })
	return ic, nil
}

// Exclude always skips the given paths, relative to the root.
func (ic *IgnoreChecker) Exclude(paths ...string) {
	for _, p := range paths {
		p = path.Clean(strings.TrimPrefix(strings.TrimSpace(p), "/"))
		if p != "" && p != "." {
			ic.excluded[p] = struct{}{}
		}
	}
}

// IsControlDir reports whether the last segment of rel names a control directory.
func (ic *IgnoreChecker) IsControlDir(rel string) bool {
	_, ok := ic.controlDirs[path.Base(rel)]
	return ok
}

// IsIgnored checks whether a slash-separated path relative to the root should
// be skipped. A control name is skipped even as a plain file, since git
// worktrees and submodules use a .git file.
func (ic *IgnoreChecker) IsIgnored(rel string, isDir bool) bool {
	if ic.IsControlDir(rel) {
		return true
	}
	if _, ok := ic.excluded[rel]; ok {
		return true
	}
	for _, seg := range strings.Split(path.Dir(rel), "/") {
		if _, ok := ic.controlDirs[seg]; ok {
			return true
		}
	}
	if ic.patterns == nil {
		return false
	}
	m := ic.patterns.Relative(rel, isDir)
	return m != nil && m.Ignore()
}
