package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/amillerrr/vod-packager/pkg/models"
)

// requireFiles fails with ErrInputMissing on the first path that is not a
// regular file.
func requireFiles(paths []string) error {
	for _, p := range paths {
		if p == "" {
			return fmt.Errorf("%w: empty artifact path", models.ErrInputMissing)
		}
		info, err := os.Stat(p)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%w: %s", models.ErrInputMissing, p)
		case err != nil:
			return fmt.Errorf("%w: stat %s: %v", models.ErrResource, p, err)
		case !info.Mode().IsRegular():
			return fmt.Errorf("%w: %s is not a file", models.ErrInputMissing, p)
		}
	}
	return nil
}
