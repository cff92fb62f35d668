//go:build darwin || freebsd || netbsd || openbsd || dragonfly

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
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPALIVE, int(ka.Idle.Seconds())); err != nil {
			return errors.Wrap(err, "setsockopt TCP_KEEPALIVE")
		}
	}
	// BSD/Darwin kqueue targets have no portable TCP_KEEPINTVL/
	// TCP_KEEPCNT knob in golang.org/x/sys/unix's common surface;
	// TCP_KEEPALIVE (the probe idle time) is the only one this port
	// wires, matching what the kqueue side of the retrieved pack
	// (trpc-group/tnet) itself relies on for BSD keepalive tuning.
	return nil
}

// applyUserTimeout is a no-op on BSD/Darwin: TCP_USER_TIMEOUT is a
// Linux-only socket option, per spec.md §6's Options description
// ("user_timeout_ms") — callers setting it on a non-Linux loop simply
// get no effect rather than a platform error, matching how NoDelay/
// Keepalive degrade gracefully across the pack's platform-split files
// (see go-ublk's _linux.go/_darwin.go convention, DESIGN.md §H).
func applyUserTimeout(fd int, ms uint32) error {
	return nil
}
