package api

import "syscall"

// setReuseAddr allows rebinding 127.0.0.1:<apiPort> immediately after a
// prior listener on the same port closes, instead of waiting out
// TIME_WAIT.
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
