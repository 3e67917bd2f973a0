//go:build windows

package server

import "syscall"

// setSocketOptions sets SO_REUSEADDR; fd is a syscall.Handle on Windows
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
