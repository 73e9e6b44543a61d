// Package sidx implements the one-time-code-to-session-id exchange: given
// an OTC handed to the client out of band (e.g. by a browser-based
// pre-auth flow), it retrieves the long-lived X-ACCESS-Session-ID the
// gateway will accept for subsequent requests.
package sidx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ohwgiles/NetworkManager-f5vpn/internal/ahm"
	"github.com/ohwgiles/NetworkManager-f5vpn/internal/f5err"
)

const sessionIDHeader = "X-ACCESS-Session-ID"

// Callback is invoked exactly once with either a non-empty sid or a
// non-nil err, never both and never neither. Unlike the original C
// implementation, the error path never double-dispatches: on any failure
// this is the only call the caller will ever receive for this exchange.
type Callback func(sid string, err error)

// Session drives a single OTC exchange against one gateway host.
type Session struct {
	host string
	otc  string
	mux  *ahm.Multiplexer
	log  *slog.Logger
}

// Begin starts the exchange in the background and reports the result via
// cb, called from a goroutine that Begin starts. Begin itself does not
// block.
func Begin(mux *ahm.Multiplexer, host, otc string, cb Callback) *Session {
	s := &Session{host: host, otc: otc, mux: mux, log: slog.Default()}
	go s.run(cb)
	return s
}

func (s *Session) run(cb Callback) {
	url := fmt.Sprintf("https://%s/vdesk/get_sessid_for_token.php3", s.host)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		cb("", f5err.Transport("sidx.begin", err))
		return
	}
	req.Header.Set("X-ACCESS-Session-Token", s.otc)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Linux) F5Launcher/1.0")

	res, err := s.mux.Submit(context.Background(), req)
	if err != nil {
		cb("", f5err.Transport("sidx.begin", err))
		return
	}
	if res.StatusCode != http.StatusOK {
		cb("", f5err.HTTPStatus("sidx.begin", url, res.StatusCode))
		return
	}

	sid := res.Header.Get(sessionIDHeader)
	if sid == "" {
		cb("", f5err.Parse("sidx.begin", "missing "+sessionIDHeader+" header"))
		return
	}

	s.log.Debug("sidx exchange complete", "host", s.host)
	cb(sid, nil)
}
