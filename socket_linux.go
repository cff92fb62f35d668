//go:build linux

package evloop

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func applyKeepalive(fd int, ka Keepalive) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return errors.Wrap(err, "setsockopt SO_KEEPALIVE")
	}
	if ka.Idle > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(ka.Idle.Seconds())); err != nil {
			return errors.Wrap(err, "setsockopt TCP_KEEPIDLE")
		}
	}
	if ka.Interval > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(ka.Interval.Seconds())); err != nil {
			return errors.Wrap(err, "setsockopt TCP_KEEPINTVL")
		}
	}
	if ka.Count > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, ka.Count); err != nil {
			return errors.Wrap(err, "setsockopt TCP_KEEPCNT")
		}
	}
	return nil
}

// applyUserTimeout wires TCP_USER_TIMEOUT, a Linux-only knob bounding
// how long unacknowledged data may sit before the kernel reports
// ETIMEDOUT on the socket — spec.md §5 names this explicitly among
// open_socket_tcp's options.
func applyUserTimeout(fd int, ms uint32) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(ms)); err != nil {
		return errors.Wrap(err, "setsockopt TCP_USER_TIMEOUT")
	}
	return nil
}
