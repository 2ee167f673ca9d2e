// Package scratch manages the per-job local working directories.
package scratch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/amillerrr/vod-packager/pkg/models"
)

// Store owns the subtree {root}/{jobID} for every job. It is the only
// component that deletes scratch directories.
type Store struct {
	root         string
	minFreeBytes uint64

	// usage is swapped in tests.
	usage func(path string) (uint64, error)
}

// NewStore returns a Store rooted at root. When minFreeBytes is non-zero,
// Create refuses to start a job on a filesystem with less free space.
func NewStore(root string, minFreeBytes uint64) *Store {
	return &Store{
		root:         root,
		minFreeBytes: minFreeBytes,
		usage:        freeBytes,
	}
}

// Root returns the scratch root directory.
func (s *Store) Root() string {
	return s.root
}

// Create makes the job directory. It fails with ErrResource if the directory
// already exists, cannot be created, or the filesystem is short on space.
func (s *Store) Create(id models.JobID) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.root, 0755); err != nil {
		return "", fmt.Errorf("%w: create scratch root: %v", models.ErrResource, err)
	}

	if s.minFreeBytes > 0 {
		free, err := s.usage(s.root)
		if err != nil {
			return "", fmt.Errorf("%w: stat scratch root: %v", models.ErrResource, err)
		}
		if free < s.minFreeBytes {
			return "", fmt.Errorf("%w: scratch has %d bytes free, need %d", models.ErrResource, free, s.minFreeBytes)
		}
	}

	dir := filepath.Join(s.root, string(id))
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: scratch directory for job %s already exists", models.ErrResource, id)
		}
		return "", fmt.Errorf("%w: create scratch directory: %v", models.ErrResource, err)
	}
	return dir, nil
}

// Resolve composes the path of name inside the job directory. It never
// touches disk.
func (s *Store) Resolve(id models.JobID, name ...string) string {
	return filepath.Join(append([]string{s.root, string(id)}, name...)...)
}

// Destroy removes the job directory and everything under it. A missing
// directory is not an error.
func (s *Store) Destroy(id models.JobID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, string(id))); err != nil {
		return fmt.Errorf("%w: remove scratch directory: %v", models.ErrResource, err)
	}
	return nil
}

func freeBytes(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}
