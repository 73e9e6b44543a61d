package auth

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ohwgiles/NetworkManager-f5vpn/internal/ahm"
)

const loginPage = `<html><body>
<form id="auth_form" action="/my.policy" method="post">
<label>Username</label><input type="text" name="username" value="">
<label>Password</label><input type="password" name="password" value="">
<input type="hidden" name="vhost" value="standard">
</form>
</body></html>`

const logonPageWithError = `<html><body class="logon_page">
<div id="credentials_table_postheader">prefix<span>Invalid username or password</span></div>
</body></html>`

func newGateway(t *testing.T, tunnelCount int) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	detailHits := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/my.policy", http.StatusFound)
	})
	mux.HandleFunc("/my.policy", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(loginPage))
			return
		}
		r.ParseForm()
		if r.FormValue("no-inspection-host") == "1" {
			http.SetCookie(w, &http.Cookie{Name: mrhSessionCookie, Value: "mrh-session-xyz"})
			http.Redirect(w, r, "/vdesk/resource_list.xml?resourcetype=res", http.StatusFound)
			return
		}
		// credential POST
		if r.FormValue("username") != "gooduser" || r.FormValue("password") != "goodpass" {
			w.Write([]byte(logonPageWithError))
			return
		}
		http.Redirect(w, r, "/my.policy", http.StatusFound)
	})
	mux.HandleFunc("/vdesk/resource_list.xml", func(w http.ResponseWriter, r *http.Request) {
		var entries strings.Builder
		for i := 0; i < tunnelCount; i++ {
			entries.WriteString(fmt.Sprintf(`<entry param="resourcename">tunnel%d</entry>`, i))
		}
		fmt.Fprintf(w, `<res><opts><opt type="available_rq" uri="/detail.xml"/></opts>
<lists><list type="network_access">%s</list></lists></res>`, entries.String())
	})
	mux.HandleFunc("/detail.xml", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		idx := detailHits
		detailHits++
		mu.Unlock()
		name := r.URL.Query().Get("resourcename")
		fmt.Fprintf(w, `<resources><item>
<id>%s</id><caption>Tunnel %d</caption><description>desc %d</description><autolaunch>0</autolaunch>
<favorite><object><ur_Z>z-%s</ur_Z><tunnel_host0>vpn.example.com</tunnel_host0><tunnel_port0>443</tunnel_port0><DNS0>8.8.8.8</DNS0><LAN0>10.0.0.0/255.255.255.0</LAN0></object></favorite>
</item></resources>`, name, idx, idx, name)
	})

	return httptest.NewTLSServer(mux)
}

func newMux(t *testing.T) *ahm.Multiplexer {
	t.Helper()
	mux, err := ahm.New()
	require.NoError(t, err)
	mux.InsecureSkipVerifyForTest()
	t.Cleanup(mux.Close)
	return mux
}

func TestHappyPath(t *testing.T) {
	srv := newGateway(t, 3)
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "https://")
	mux := newMux(t)

	fieldsCh := make(chan []FormField, 1)
	session := Begin(mux, host, func(fields []FormField, err error) {
		require.NoError(t, err)
		fieldsCh <- fields
	})
	fields := <-fieldsCh
	require.Len(t, fields, 3)

	doneCh := make(chan struct {
		key     string
		tunnels []TunnelDescriptor
		err     error
	}, 1)
	session.PostCredentials(map[string]string{"username": "gooduser", "password": "goodpass"}, func(sessionKey string, tunnels []TunnelDescriptor, err error) {
		doneCh <- struct {
			key     string
			tunnels []TunnelDescriptor
			err     error
		}{sessionKey, tunnels, err}
	})
	result := <-doneCh

	require.NoError(t, result.err)
	require.Equal(t, "mrh-session-xyz", result.key)
	require.Len(t, result.tunnels, 3)
	// Every entry must survive the fan-out join, each at its own index,
	// the fix for the original's last-entry-only overwrite bug.
	seen := map[string]bool{}
	for _, tun := range result.tunnels {
		require.NotEmpty(t, tun.ID)
		seen[tun.ID] = true
	}
	require.Len(t, seen, 3)
}

func TestCredentialsRejected(t *testing.T) {
	srv := newGateway(t, 1)
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "https://")
	mux := newMux(t)

	fieldsCh := make(chan []FormField, 1)
	session := Begin(mux, host, func(fields []FormField, err error) {
		require.NoError(t, err)
		fieldsCh <- fields
	})
	<-fieldsCh

	doneCh := make(chan error, 1)
	session.PostCredentials(map[string]string{"username": "bad", "password": "wrong"}, func(sessionKey string, tunnels []TunnelDescriptor, err error) {
		doneCh <- err
	})
	err := <-doneCh
	require.Error(t, err)
	require.Contains(t, err.Error(), "Invalid username or password")
}
