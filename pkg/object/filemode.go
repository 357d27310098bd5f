package object

import (
	"os"

	"github.com/go-git/go-git/v5/plumbing/filemode"
)

// ModeFromFileInfo maps a stat result to a tree entry mode. Anything that is
// not executable is published as a plain file.
func ModeFromFileInfo(info os.FileInfo) string {
	m, err := filemode.NewFromOSFileMode(info.Mode())
	if err == nil && m == filemode.Executable {
		return TreeModeExecutable
	}
	return TreeModeFile
}

// NormalizeFileMode collapses mode to one of the two blob modes.
func NormalizeFileMode(mode string) string {
	if mode == TreeModeExecutable {
		return TreeModeExecutable
	}
	return TreeModeFile
}
