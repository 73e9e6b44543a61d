// Command pppnotify is a pppd plugin (built with -buildmode=c-shared) that
// reports the ip-up event, the addresses and interface name pppd
// negotiated, to the tunnel engine over a file descriptor it inherited,
// named by the F5_VPN_PPPD_PLUGIN_FD environment variable. This mirrors
// pppd/pppd-f5-vpn.c in the original implementation: pppd only loads
// plugins as dlopen'able C shared objects exporting plugin_init, so this
// package is necessarily cgo.
package main

/*
#cgo LDFLAGS: -export-dynamic

#include <stdint.h>
#include <stdlib.h>

// Minimal subset of pppd's plugin ABI this plugin needs. The real
// definitions live in pppd's pppd.h/ipcp.h; only the shapes actually read
// are reproduced here.
typedef struct {
    uint32_t ouraddr;
    uint32_t hisaddr;
} ipcp_options_subset;

extern ipcp_options_subset ipcp_gotoptions[1];
extern char ifname[16];

typedef void (*notify_func)(void *, int);
typedef struct notifier_entry {
    struct notifier_entry *next;
    notify_func func;
    void *ctx;
} notifier_entry;

extern notifier_entry *ip_up_notifier;

static void add_notifier(notifier_entry **list, notify_func func, void *ctx) {
    notifier_entry *e = malloc(sizeof(notifier_entry));
    e->func = func;
    e->ctx = ctx;
    e->next = *list;
    *list = e;
}
*/
import "C"

import (
	"fmt"
	"os"
	"strconv"
	"unsafe"

	"github.com/ohwgiles/NetworkManager-f5vpn/internal/tunnel/pppmsg"
)

var pluginFD = -1

//export plugin_init
func plugin_init() {
	raw := os.Getenv("F5_VPN_PPPD_PLUGIN_FD")
	fd, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pppnotify: invalid F5_VPN_PPPD_PLUGIN_FD %q: %v\n", raw, err)
		return
	}
	pluginFD = fd

	C.add_notifier(&C.ip_up_notifier, C.notify_func(C.my_ip_up), nil)
}

//export my_ip_up
func my_ip_up(ctx unsafe.Pointer, arg C.int) {
	if pluginFD < 0 {
		return
	}

	local := uint32(C.ipcp_gotoptions[0].ouraddr)
	remote := uint32(C.ipcp_gotoptions[0].hisaddr)
	ifname := C.GoString((*C.char)(unsafe.Pointer(&C.ifname[0])))

	msg := pppmsg.Notification{LocalAddr: local, RemoteAddr: remote, Ifname: ifname}
	buf := pppmsg.Encode(msg)

	f := os.NewFile(uintptr(pluginFD), "f5vpn-plugin-fd")
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		fmt.Fprintf(os.Stderr, "pppnotify: writing notification: %v\n", err)
	}
}

func main() {}
