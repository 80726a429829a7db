//go:build !linux && !darwin

package service

// FreeSpace на остальных платформах свободное место неизвестно
func FreeSpace(string) int64 {
	return -1
}
