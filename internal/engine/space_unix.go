//go:build !windows

package engine

import "golang.org/x/sys/unix"

// AvailableSpace returns the bytes available to an unprivileged writer in dir.
func AvailableSpace(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
