package hasher

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/go-git/go-billy/v5"

	"dupfind/internal/errs"
)

// BlockSize is the number of bytes read per step.
const BlockSize = 64 * 1024

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = "md5"

// Algorithm names a digest function.
type Algorithm struct {
	Name    string
	Size    int
	NewFunc func() hash.Hash
}

// LookupAlgorithm returns the algorithm registered under name.
func LookupAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "md5":
		return Algorithm{Name: "md5", Size: md5.Size, NewFunc: md5.New}, nil
	case "sha1":
		return Algorithm{Name: "sha1", Size: sha1.Size, NewFunc: sha1.New}, nil
	case "sha256":
		return Algorithm{Name: "sha256", Size: sha256.Size, NewFunc: sha256.New}, nil
	case "sha512":
		return Algorithm{Name: "sha512", Size: sha512.Size, NewFunc: sha512.New}, nil
	default:
		return Algorithm{}, fmt.Errorf("unsupported hash algorithm: %s (supported: md5, sha1, sha256, sha512)", name)
	}
}

// Hasher computes content digests of files on a filesystem.
type Hasher struct {
	fs        billy.Filesystem
	algorithm Algorithm
}

// New returns a Hasher reading from fs with the named algorithm.
func New(fs billy.Filesystem, algorithm string) (*Hasher, error) {
	algo, err := LookupAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	return &Hasher{fs: fs, algorithm: algo}, nil
}

// Algorithm returns the configured digest function.
func (h *Hasher) Algorithm() Algorithm {
	return h.algorithm
}

// HashFile streams path in fixed-size blocks and returns its hex digest.
// The context is checked between blocks.
func (h *Hasher) HashFile(ctx context.Context, path string) (string, error) {
	file, err := h.fs.Open(path)
	if err != nil {
		return "", errs.Hash(path, err)
	}
	defer file.Close()

	digest := h.algorithm.NewFunc()
	buffer := make([]byte, BlockSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, readErr := file.Read(buffer)
		if n > 0 {
			digest.Write(buffer[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", errs.Hash(path, readErr)
		}
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}
