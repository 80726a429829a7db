//go:build !linux && !darwin

package msrp

import "syscall"

// На остальных платформах используются настройки сокетов по умолчанию

func controlListener(network, address string, c syscall.RawConn) error {
	return nil
}

func controlConn(network, address string, c syscall.RawConn) error {
	return nil
}
