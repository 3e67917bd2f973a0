//go:build unix

package server

import "syscall"

// setSocketOptions lets a restarted server rebind while old connections sit in TIME_WAIT
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
