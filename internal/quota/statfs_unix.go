//go:build unix

package quota

import (
	"errors"

	"golang.org/x/sys/unix"
)

var errStatfsUnsupported = errors.New("statfs unsupported")

func freeBytes(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
