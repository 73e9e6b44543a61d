// Package pppmsg defines the fixed-layout, native-byte-order notification
// record written by the pppnotify pppd plugin (cmd/pppnotify) and read by
// the tunnel engine over the plugin-fd side channel. The layout must match
// the C struct the plugin's cgo code writes byte for byte:
//
//	struct PppdPluginNotification {
//	    uint32_t local_addr;
//	    uint32_t remote_addr;
//	    char     ifname[16];
//	};
package pppmsg

import (
	"encoding/binary"
	"fmt"
)

const (
	ifnameLen = 16
	// Size is the wire size of one Notification record.
	Size = 4 + 4 + ifnameLen
)

// Notification is one ip-up event reported by pppd via the plugin.
type Notification struct {
	LocalAddr  uint32
	RemoteAddr uint32
	Ifname     string
}

// Decode parses exactly one Size-byte record. It mirrors handle_plugin_msg's
// read of exactly sizeof(PppdPluginNotification) bytes.
func Decode(buf []byte) (Notification, error) {
	if len(buf) != Size {
		return Notification{}, fmt.Errorf("pppmsg: expected %d bytes, got %d", Size, len(buf))
	}
	n := Notification{
		LocalAddr:  binary.NativeEndian.Uint32(buf[0:4]),
		RemoteAddr: binary.NativeEndian.Uint32(buf[4:8]),
	}
	raw := buf[8 : 8+ifnameLen]
	end := ifnameLen
	for i, b := range raw {
		if b == 0 {
			end = i
			break
		}
	}
	n.Ifname = string(raw[:end])
	return n, nil
}

// Encode serializes n into a Size-byte record. Used by cmd/pppnotify and by
// tests that exercise the tunnel engine's reader without a real plugin.
func Encode(n Notification) []byte {
	buf := make([]byte, Size)
	binary.NativeEndian.PutUint32(buf[0:4], n.LocalAddr)
	binary.NativeEndian.PutUint32(buf[4:8], n.RemoteAddr)
	copy(buf[8:8+ifnameLen], n.Ifname)
	return buf
}
