//go:build linux

package tunnel

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// openPTY allocates a pseudo-terminal pair the way the original's openpty()
// call does, using the raw /dev/ptmx + TIOCGPTN/TIOCSPTLCK/ioctl sequence
// rather than a third-party pty library: no repo in the retrieved example
// corpus imports one (e.g. github.com/creack/pty), so this one corner of
// TUN is built directly on golang.org/x/sys/unix, which every other syscall
// in this package also uses.
func openPTY() (master, slave *os.File, err error) {
	fd, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("opening /dev/ptmx: %w", err)
	}
	master = os.NewFile(uintptr(fd), "ptmx")

	var n uint32
	if err := ioctl(fd, unix.TIOCGPTN, &n); err != nil {
		master.Close()
		return nil, nil, fmt.Errorf("TIOCGPTN: %w", err)
	}

	var lock int32
	if err := ioctl(fd, unix.TIOCSPTLCK, &lock); err != nil {
		master.Close()
		return nil, nil, fmt.Errorf("TIOCSPTLCK: %w", err)
	}

	slavePath := fmt.Sprintf("/dev/pts/%d", n)
	sfd, err := unix.Open(slavePath, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		return nil, nil, fmt.Errorf("opening %s: %w", slavePath, err)
	}
	slave = os.NewFile(uintptr(sfd), slavePath)

	return master, slave, nil
}

func ioctl(fd int, req uintptr, arg interface{}) error {
	var ptr unsafe.Pointer
	switch v := arg.(type) {
	case *uint32:
		ptr = unsafe.Pointer(v)
	case *int32:
		ptr = unsafe.Pointer(v)
	default:
		return fmt.Errorf("unsupported ioctl arg type %T", arg)
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(ptr))
	if errno != 0 {
		return errno
	}
	return nil
}
