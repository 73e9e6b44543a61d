//go:build linux

package tunnel

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const splicePipeBufSize = 64 * 1024

// pump copies everything read from src to dst until src hits EOF or an
// unrecoverable error occurs, or stop is closed. It first attempts a
// zero-copy path via splice(2) through an intermediate kernel pipe;
// on EINVAL (the kernel refusing splice for this fd pair, notably a
// pty master) it falls back permanently to a buffered read/write pump for
// the remainder of the connection, exactly as the original's
// splice_fds → fallback_read_write_fds downgrade does. EAGAIN on either
// side re-arms the relevant syscall rather than busy-looping.
func pump(src, dst *os.File, stop <-chan struct{}) error {
	r, w, err := os.Pipe()
	if err != nil {
		return bufferedPump(src, dst, stop)
	}
	defer r.Close()
	defer w.Close()

	if err := unix.SetNonblock(int(src.Fd()), true); err != nil {
		return bufferedPump(src, dst, stop)
	}
	if err := unix.SetNonblock(int(dst.Fd()), true); err != nil {
		return bufferedPump(src, dst, stop)
	}

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := unix.Splice(int(src.Fd()), nil, int(w.Fd()), nil, splicePipeBufSize, unix.SPLICE_F_NONBLOCK|unix.SPLICE_F_MOVE)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				if werr := waitReadable(src); werr != nil {
					return werr
				}
				continue
			}
			if errors.Is(err, unix.EINVAL) {
				// This fd pair can't be spliced (e.g. one end is a pty).
				// Fall back permanently for the rest of this pump's life.
				return bufferedPump(src, dst, stop)
			}
			return err
		}
		if n == 0 {
			return nil // src EOF
		}

		for remaining := n; remaining > 0; {
			m, err := unix.Splice(int(r.Fd()), nil, int(dst.Fd()), nil, int(remaining), unix.SPLICE_F_NONBLOCK|unix.SPLICE_F_MOVE)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) {
					if werr := waitWritable(dst); werr != nil {
						return werr
					}
					continue
				}
				if errors.Is(err, unix.EINVAL) {
					// dst can't take spliced data: hand over what is
					// already in the intermediate pipe, then fall back.
					rest := make([]byte, remaining)
					if _, rerr := io.ReadFull(r, rest); rerr != nil {
						return rerr
					}
					if werr := writeAll(dst, rest); werr != nil {
						return werr
					}
					return bufferedPump(src, dst, stop)
				}
				return err
			}
			remaining -= m
		}
	}
}

// bufferedPump is the non-splice fallback: a plain blocking-ish read/write
// loop over the two nonblocking fds, yielding to the poller on EAGAIN
// instead of busy-spinning, matching fallback_read_write_fds's use of
// sched_yield() on EAGAIN.
func bufferedPump(src, dst *os.File, stop <-chan struct{}) error {
	buf := make([]byte, splicePipeBufSize)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := src.Read(buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				if werr := waitReadable(src); werr != nil {
					return werr
				}
				continue
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := writeAll(dst, buf[:n]); err != nil {
			return err
		}
	}
}

func waitReadable(f *os.File) error {
	pfd := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLIN}}
	_, err := unix.Poll(pfd, -1)
	return err
}

func waitWritable(f *os.File) error {
	pfd := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLOUT}}
	_, err := unix.Poll(pfd, -1)
	return err
}
