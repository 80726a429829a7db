//go:build linux || darwin

package service

import "golang.org/x/sys/unix"

// FreeSpace свободное место в каталоге dir в байтах, -1 при ошибке
func FreeSpace(dir string) int64 {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return -1
	}
	return int64(st.Bavail) * int64(st.Bsize)
}
