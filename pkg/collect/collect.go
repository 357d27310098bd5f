// Package collect enumerates the files of a directory tree that make up a
// snapshot.
package collect

import (
	"fmt"
	"io/fs"
	"sort"
)

// Options configures Collect.
type Options struct {
	// ControlDirs lists directory names pruned wherever they appear.
	// Nil means DefaultControlDirs.
	ControlDirs []string
	// IgnoreFile is a gitignore-style pattern file at the root. Empty disables it.
	IgnoreFile string
	// Exclude lists slash-separated paths, relative to the root, that are
	// never collected regardless of the ignore file.
	Exclude []string
}

// File is one publishable file.
type File struct {
	Path    string // slash-separated, relative to the root
	Symlink bool   // the entry is a symbolic link; it is read through
}

// Collect walks fsys and returns every non-directory entry, sorted by path.
// Control directories and ignored paths are skipped along with their
// contents. Walk errors are returned rather than skipped.
func Collect(fsys fs.FS, opts Options) ([]File, error) {
	controlDirs := opts.ControlDirs
	if controlDirs == nil {
		controlDirs = DefaultControlDirs
	}
	ic, err := NewIgnoreChecker(fsys, controlDirs, opts.IgnoreFile)
	if err != nil {
		return nil, err
	}
	ic.Exclude(opts.Exclude...)

	var files []File
	err = fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == "." {
			return nil
		}
		if d.IsDir() {
			if ic.IsIgnored(p, true) {
				return fs.SkipDir
			}
			return nil
		}
		if ic.IsIgnored(p, false) {
			return nil
		}
		files = append(files, File{
			Path:    p,
			Symlink: d.Type()&fs.ModeSymlink != 0,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect files: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
