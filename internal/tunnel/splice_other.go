//go:build !linux

package tunnel

import (
	"errors"
	"io"
	"os"
)

// pump is the non-Linux fallback: a plain buffered read/write loop. splice(2)
// is Linux-specific; every other platform uses the same code path the
// original falls back to on EINVAL.
func pump(src, dst *os.File, stop <-chan struct{}) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := src.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := writeAll(dst, buf[:n]); err != nil {
			return err
		}
	}
}
