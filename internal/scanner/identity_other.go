//go:build !unix

package scanner

import (
	"os"
	"path/filepath"
)

type dirID struct {
	path string
}

// identify falls back to the cleaned path where the platform exposes no
// device/inode pair; MaxDepth is the only guard against cycles there.
func identify(path string, _ os.FileInfo) dirID {
	return dirID{path: filepath.Clean(path)}
}
