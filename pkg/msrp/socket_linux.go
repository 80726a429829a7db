//go:build linux

package msrp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlListener настраивает сокет слушателя (Linux).
// SO_REUSEADDR позволяет повторно занять порт из пула сразу после закрытия
// предыдущей сессии, пока старое соединение в TIME_WAIT.
func controlListener(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// controlConn настраивает сокет соединения (Linux)
func controlConn(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); sockErr != nil {
			return
		}
		// Для обнаружения разрыва пути без трафика
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
