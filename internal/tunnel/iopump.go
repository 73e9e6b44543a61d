package tunnel

import "os"

// writeAll writes the entirety of buf to f, looping over short writes.
func writeAll(f *os.File, buf []byte) error {
	for len(buf) > 0 {
		n, err := f.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
