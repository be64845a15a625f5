//go:build !windows

package lockfile

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func tryLock(f *os.File) error {
	fd := f.Fd()
	// Keep the descriptor out of launched actions.
	if flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0); err == nil {
		_, _ = unix.FcntlInt(fd, unix.F_SETFD, flags|unix.FD_CLOEXEC)
	}
	err := unix.Flock(int(fd), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrAlreadyLocked
	}
	return err
}

func unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
