// Package tunnel establishes and carries the PPP-over-TLS tunnel: it fetches
// the gateway's connection parameters for a chosen resource, launches a TLS
// client subprocess and a pppd subprocess wired together through a
// pseudo-terminal, splices traffic between them, and reports link-up via
// the pppnotify plugin's side channel.
package tunnel

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/ohwgiles/NetworkManager-f5vpn/internal/ahm"
	"github.com/ohwgiles/NetworkManager-f5vpn/internal/f5err"
	"github.com/ohwgiles/NetworkManager-f5vpn/internal/tunnel/pppmsg"
)

const (
	connectUserAgent = "Mozilla/5.0 (Linux) F5Launcher/1.0"
	myvpnUserAgent   = "Mozilla/5.0 (compatible; MSIE 10.0; Windows NT 6.1; Trident/6.0; F5 Networks Client)"
	defaultClientIP  = "0.0.0.0"
	defaultServerIP  = "1.1.1.1"
)

// Paths locates the external binaries this package spawns, all
// configurable since their install location varies by distribution.
type Paths struct {
	OpenSSL      string
	Pppd         string
	PluginObject string
}

// NetworkSettings is everything the caller needs to configure local
// networking once the tunnel comes up: the PPP-assigned addresses, the
// interface pppd created, and the routes/nameservers the gateway pushed.
type NetworkSettings struct {
	LocalAddr  net.IP
	RemoteAddr net.IP
	Ifname     string
	LAN        []LanAddr
	DNS        []net.IP
}

// UpCallback is invoked exactly once, when pppd reports ip-up via the
// plugin side channel.
type UpCallback func(NetworkSettings)

// ExitedCallback is invoked exactly once, when both subprocesses have
// exited (whether cleanly or due to an error).
type ExitedCallback func(err error)

// connectionParams is the tunnel-specific subset of a tunnel detail
// response needed to open the data connection: which host:port to dial
// over TLS, which resource Z-id identifies the tunnel to the myvpn
// endpoint, and the routes/nameservers to apply once it's up.
type connectionParams struct {
	UrZ        string
	TunnelHost string
	TunnelPort string
	LAN        []LanAddr
	DNS        []net.IP
}

// connectionParamsXML mirrors the connect.php3 response, which is rooted at
// <favorite> itself (not wrapped in a <res> element the way resource_list.xml
// entries are).
type connectionParamsXML struct {
	XMLName xml.Name `xml:"favorite"`
	Object  struct {
		UrZ         string `xml:"ur_Z"`
		TunnelHost0 string `xml:"tunnel_host0"`
		TunnelPort0 string `xml:"tunnel_port0"`
		DNS0        string `xml:"DNS0"`
		LAN0        string `xml:"LAN0"`
	} `xml:"object"`
}

// Connection is one live (or in-progress) tunnel.
type Connection struct {
	host       string
	sessionKey string
	paths      Paths
	mux        *ahm.Multiplexer
	log        *slog.Logger

	mu          sync.Mutex
	sslCmd      *exec.Cmd
	pppdCmd     *exec.Cmd
	sslExited   bool
	pppdExited  bool
	stop        chan struct{}
	onUp        UpCallback
	onExited    ExitedCallback
	exitErr     error
}

// Connect fetches connection parameters for resourcename, then launches the
// TLS+PPP subprocess pair. onUp fires once link-up is reported; onExited
// fires once both subprocesses have terminated.
func Connect(ctx context.Context, mux *ahm.Multiplexer, paths Paths, host, sessionKey, resourcename string, onUp UpCallback, onExited ExitedCallback) (*Connection, error) {
	c := &Connection{
		host:       host,
		sessionKey: sessionKey,
		paths:      paths,
		mux:        mux,
		log:        slog.Default(),
		stop:       make(chan struct{}),
		onUp:       onUp,
		onExited:   onExited,
	}

	params, err := c.fetchConnectionParams(ctx, resourcename)
	if err != nil {
		return nil, err
	}

	if err := c.launch(params); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Connection) fetchConnectionParams(ctx context.Context, resourcename string) (connectionParams, error) {
	url := fmt.Sprintf("https://%s/vdesk/vpn/connect.php3?resourcename=%s&outform=xml&client_version=1.1", c.host, resourcename)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return connectionParams{}, f5err.Transport("tunnel.connect", err)
	}
	req.Header.Set("Cookie", fmt.Sprintf("MRHSession=%s;", c.sessionKey))
	req.Header.Set("User-Agent", connectUserAgent)

	res, err := c.mux.Submit(ctx, req)
	if err != nil {
		return connectionParams{}, f5err.Transport("tunnel.connect", err)
	}
	if res.StatusCode != http.StatusOK {
		return connectionParams{}, f5err.HTTPStatus("tunnel.connect", url, res.StatusCode)
	}

	var doc connectionParamsXML
	if err := xml.Unmarshal(res.Body, &doc); err != nil {
		return connectionParams{}, f5err.Parse("tunnel.connect", err.Error())
	}
	obj := doc.Object
	if obj.UrZ == "" || obj.TunnelHost0 == "" || obj.TunnelPort0 == "" || obj.DNS0 == "" || obj.LAN0 == "" {
		return connectionParams{}, f5err.Parse("tunnel.connect", "missing required connection parameter in response")
	}

	return connectionParams{
		UrZ:        obj.UrZ,
		TunnelHost: obj.TunnelHost0,
		TunnelPort: obj.TunnelPort0,
		LAN:        parseLAN0(obj.LAN0),
		DNS:        parseDNS0(obj.DNS0),
	}, nil
}

// launch starts the TLS client subprocess, issues the myvpn request over
// it, waits for the HTTP-ish response headers, then starts pppd and wires
// the two together.
func (c *Connection) launch(params connectionParams) error {
	endpoint := fmt.Sprintf("%s:%s", params.TunnelHost, params.TunnelPort)

	sslIn, sslOut, err := c.launchSSLClient(endpoint)
	if err != nil {
		return err
	}

	myvpnReq := fmt.Sprintf(
		"GET /myvpn?sess=%s\n&hdlc_framing=no&ipv4=yes&ipv6=yes&Z=%s HTTP/1.0\r\nUser-Agent: %s\r\nHost: %s\r\n\r\n",
		c.sessionKey, params.UrZ, myvpnUserAgent, params.TunnelHost,
	)
	if err := writeAll(sslIn, []byte(myvpnReq)); err != nil {
		return f5err.IO("tunnel.launch", err)
	}

	clientIP, serverIP, err := readConnectHeaders(sslOut)
	if err != nil {
		return err
	}

	if err := c.launchPppd(sslIn, sslOut, params, clientIP, serverIP); err != nil {
		return err
	}

	return nil
}

func (c *Connection) launchSSLClient(endpoint string) (in, out *os.File, err error) {
	path := c.paths.OpenSSL
	if path == "" {
		path = "/usr/bin/openssl"
	}
	cmd := exec.Command(path, "s_client", "-quiet", "-verify_quiet", "-verify_return_error", "-connect", endpoint)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, nil, f5err.Spawn("tunnel.launchSSLClient", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, f5err.Spawn("tunnel.launchSSLClient", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, f5err.Spawn("tunnel.launchSSLClient", err)
	}
	stdinR.Close()
	stdoutW.Close()

	c.mu.Lock()
	c.sslCmd = cmd
	c.mu.Unlock()

	go c.waitFor(cmd, "openssl", &c.sslExited)

	return stdinW, stdoutR, nil
}

func (c *Connection) launchPppd(sslIn, sslOut *os.File, params connectionParams, clientIP, serverIP net.IP) error {
	master, slave, err := openPTY()
	if err != nil {
		return f5err.Spawn("tunnel.launchPppd", err)
	}

	pluginR, pluginW, err := os.Pipe()
	if err != nil {
		return f5err.Spawn("tunnel.launchPppd", err)
	}

	pppdPath := c.paths.Pppd
	if pppdPath == "" {
		pppdPath = "/usr/sbin/pppd"
	}
	ipSpec := fmt.Sprintf("%s:%s", clientIP, serverIP)

	cmd := exec.Command(pppdPath,
		"local", "nodetach", "noauth", "nocrtscts", "nodefaultroute",
		"noremoteip", "noproxyarp", "plugin", c.paths.PluginObject, ipSpec,
	)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{pluginW}
	cmd.Env = append(os.Environ(), fmt.Sprintf("F5_VPN_PPPD_PLUGIN_FD=%d", 3))

	if err := cmd.Start(); err != nil {
		slave.Close()
		pluginR.Close()
		pluginW.Close()
		return f5err.Spawn("tunnel.launchPppd", err)
	}
	slave.Close()
	pluginW.Close()

	c.mu.Lock()
	c.pppdCmd = cmd
	c.mu.Unlock()

	go c.waitFor(cmd, "pppd", &c.pppdExited)
	go c.readPluginNotifications(pluginR, params)
	go func() {
		if err := pump(sslOut, master, c.stop); err != nil {
			c.log.Warn("splice ssl->pty ended", "error", err)
		}
	}()
	go func() {
		if err := pump(master, sslIn, c.stop); err != nil {
			c.log.Warn("splice pty->ssl ended", "error", err)
		}
	}()

	return nil
}

func (c *Connection) readPluginNotifications(r *os.File, params connectionParams) {
	buf := make([]byte, pppmsg.Size)
	for {
		_, err := readFull(r, buf)
		if err != nil {
			return
		}
		n, err := pppmsg.Decode(buf)
		if err != nil {
			c.log.Warn("malformed pppd plugin notification", "error", err)
			continue
		}
		settings := NetworkSettings{
			LocalAddr:  intToIP(n.LocalAddr),
			RemoteAddr: intToIP(n.RemoteAddr),
			Ifname:     n.Ifname,
			LAN:        params.LAN,
			DNS:        params.DNS,
		}
		if c.onUp != nil {
			c.onUp(settings)
		}
		return // ip-up fires once per tunnel lifetime
	}
}

// waitFor blocks until cmd exits, then applies the teardown interlock: if
// the other subprocess is still alive, kill it; otherwise this is the last
// one down, so report tunnel exit to the caller.
func (c *Connection) waitFor(cmd *exec.Cmd, name string, exitedFlag *bool) {
	waitErr := cmd.Wait()

	c.mu.Lock()
	*exitedFlag = true
	if waitErr != nil && c.exitErr == nil {
		c.exitErr = f5err.IO("tunnel."+name, waitErr)
	}
	bothExited := c.sslExited && c.pppdExited
	sslCmd, pppdCmd := c.sslCmd, c.pppdCmd
	c.mu.Unlock()

	if !bothExited {
		// We are the first to exit: terminate the other subprocess.
		var other *exec.Cmd
		if name == "openssl" {
			other = pppdCmd
		} else {
			other = sslCmd
		}
		if other != nil && other.Process != nil {
			_ = other.Process.Signal(syscall.SIGTERM)
		}
		return
	}

	close(c.stop)
	c.mu.Lock()
	err := c.exitErr
	onExited := c.onExited
	c.mu.Unlock()
	if onExited != nil {
		onExited(err)
	}
}

// Disconnect signals both subprocesses to terminate. Free (as in the
// original f5vpn_connection_free) is simply letting the Connection value be
// garbage collected once both exit callbacks have fired.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	sslCmd, pppdCmd := c.sslCmd, c.pppdCmd
	c.mu.Unlock()
	if sslCmd != nil && sslCmd.Process != nil {
		_ = sslCmd.Process.Kill()
	}
	if pppdCmd != nil && pppdCmd.Process != nil {
		_ = pppdCmd.Process.Kill()
	}
}

// readConnectHeaders reads the myvpn endpoint's HTTP-like response one byte
// at a time until the blank line terminating the headers, extracting the
// client/server IP the gateway assigned. Reading byte-at-a-time (rather
// than buffering past the header block) matters here because whatever
// follows the blank line is PPP framing, not further HTTP, and must not be
// consumed.
func readConnectHeaders(r *os.File) (clientIP, serverIP net.IP, err error) {
	var hdr bytes.Buffer
	one := make([]byte, 1)
	for {
		n, rerr := r.Read(one)
		if n == 1 {
			hdr.WriteByte(one[0])
			if bytes.HasSuffix(hdr.Bytes(), []byte("\r\n\r\n")) {
				break
			}
		}
		if rerr != nil {
			return nil, nil, f5err.IO("tunnel.readConnectHeaders", rerr)
		}
	}

	clientIP = net.ParseIP(defaultClientIP)
	serverIP = net.ParseIP(defaultServerIP)
	for _, line := range strings.Split(hdr.String(), "\r\n") {
		if v, ok := headerValue(line, "X-VPN-client-IP:"); ok {
			if ip := net.ParseIP(v); ip != nil {
				clientIP = ip
			}
		}
		if v, ok := headerValue(line, "X-VPN-server-IP:"); ok {
			if ip := net.ParseIP(v); ip != nil {
				serverIP = ip
			}
		}
	}
	return clientIP, serverIP, nil
}

func headerValue(line, prefix string) (string, bool) {
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
}

func readFull(r *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func intToIP(v uint32) net.IP {
	return net.IPv4(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
