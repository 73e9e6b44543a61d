//go:build !linux

package tunnel

import (
	"fmt"
	"os"
)

// openPTY is only implemented on Linux: pppd itself, and the
// /dev/ptmx + TIOCGPTN allocation sequence, are POSIX/Linux-specific.
func openPTY() (master, slave *os.File, err error) {
	return nil, nil, fmt.Errorf("pseudo-terminal allocation is only supported on linux")
}
