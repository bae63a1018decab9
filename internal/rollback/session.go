package rollback

import (
	"os/signal"
	"syscall"
)

// IgnoreHangup keeps the watchdog running after the session that started
// it goes away. When the new configuration cuts the machine off, sshd
// closes the session: the watchdog then sees SIGHUP, and writes to its
// stderr fail with EPIPE. Neither may stop the rollback.
func IgnoreHangup() {
	signal.Ignore(syscall.SIGHUP, syscall.SIGPIPE)
}
