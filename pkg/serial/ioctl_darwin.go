//go:build darwin

package serial

import "golang.org/x/sys/unix"

// Platform-specific ioctl constants for macOS
const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
)

// flushBoth discards pending input and output.
func flushBoth(fd int) error {
	arg := int32(unix.FWRITE | unix.FREAD)
	return unix.IoctlSetPointerInt(fd, unix.TIOCFLUSH, int(arg))
}

// setSpeed sets the baud rate on the termios struct for macOS.
func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Ispeed = uint64(speed)
	termios.Ospeed = uint64(speed)
}
