//go:build windows

package ops

import (
	"os"

	"github.com/hpungsan/landscape/internal/errors"
)

// openFileNoFollow opens a checkpoint file for writing. Windows has no O_NOFOLLOW;
// ValidatePath rejects symlinks before we get here.
func openFileNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}

// openFileNoFollowRead opens a checkpoint file for reading.
func openFileNoFollowRead(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFileNotFound(path)
		}
		return nil, err
	}
	return f, nil
}
