// Package auth implements the gateway authentication state machine: portal
// retrieval, login-form scraping, credential submission, endpoint-inspection
// skip, resource enumeration, and per-tunnel detail fan-out.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ohwgiles/NetworkManager-f5vpn/internal/ahm"
	"github.com/ohwgiles/NetworkManager-f5vpn/internal/f5err"
)

// State is the authentication state machine's current stage.
type State int

const (
	StateNew State = iota
	StateRetrieveGateway
	StateWaitingForCredentials
	StatePerformingLogin
	StateDone
)

const (
	loginUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/76.0.3809.100 Safari/537.36"
	mrhSessionCookie = "MRHSession"
)

// CredentialsCallback is invoked once the login form has been retrieved and
// scraped, or if retrieval fails.
type CredentialsCallback func(fields []FormField, err error)

// DoneCallback is invoked exactly once with the final outcome of
// authentication: the session key (MRHSession cookie value) and every
// tunnel the gateway offered, or an error. Every fan-out result (success or
// failure) is folded into this single terminal call, matching "fire the
// terminal callback only once pending reaches zero".
type DoneCallback func(sessionKey string, tunnels []TunnelDescriptor, err error)

// Session drives one authentication attempt against one gateway host.
type Session struct {
	mux  *ahm.Multiplexer
	host string
	log  *slog.Logger

	mu       sync.Mutex
	state    State
	fields   []FormField
	loginURL string

	pending  int
	tunnels  []TunnelDescriptor
	firstErr error
	done     DoneCallback
}

// Begin retrieves the gateway's portal page, following any redirect to the
// actual login page, scrapes its login form, and reports the fields via cb.
func Begin(mux *ahm.Multiplexer, host string, cb CredentialsCallback) *Session {
	s := &Session{mux: mux, host: host, log: slog.Default(), state: StateRetrieveGateway}
	go s.retrieveGateway(cb)
	return s
}

func (s *Session) retrieveGateway(cb CredentialsCallback) {
	portalURL := fmt.Sprintf("https://%s", s.host)
	req, err := http.NewRequest(http.MethodGet, portalURL, nil)
	if err != nil {
		cb(nil, f5err.Transport("auth.begin", err))
		return
	}
	req.Header.Set("User-Agent", loginUserAgent)

	res, err := s.fetchFollowingRedirects(req)
	if err != nil {
		cb(nil, err)
		return
	}

	fields, err := parseLoginForm(res.Body)
	if err != nil {
		cb(nil, err)
		return
	}

	s.mu.Lock()
	s.fields = fields
	s.loginURL = res.Request.URL.String()
	s.state = StateWaitingForCredentials
	s.mu.Unlock()

	cb(fields, nil)
}

// fetchFollowingRedirects issues req and manually follows any 3xx response,
// returning the final non-redirect result. The Result's Request field
// reflects the effective (final) request, matching CURLINFO_EFFECTIVE_URL.
func (s *Session) fetchFollowingRedirects(req *http.Request) (*ahm.Result, error) {
	for i := 0; i < 10; i++ {
		res, err := s.mux.Submit(context.Background(), req)
		if err != nil {
			return nil, f5err.Transport("auth.fetch", err)
		}
		if res.StatusCode < 300 || res.StatusCode >= 400 {
			return res, nil
		}
		loc := res.Header.Get("Location")
		if loc == "" {
			return res, nil
		}
		next, err := url.Parse(loc)
		if err != nil {
			return nil, f5err.Parse("auth.fetch", "bad redirect location "+loc)
		}
		resolved := req.URL.ResolveReference(next)
		nreq, err := http.NewRequest(http.MethodGet, resolved.String(), nil)
		if err != nil {
			return nil, f5err.Transport("auth.fetch", err)
		}
		nreq.Header.Set("User-Agent", loginUserAgent)
		req = nreq
	}
	return nil, f5err.Protocol("auth.fetch", "too many redirects")
}

// PostCredentials submits the filled-in login form. values maps FormField
// names (for every field except FieldOther, which is echoed back from the
// scraped Value automatically) to the user-supplied value; a field whose
// name is absent from values is sent with its scraped Value. done is always
// called from another goroutine, never from inside PostCredentials.
func (s *Session) PostCredentials(values map[string]string, done DoneCallback) {
	s.mu.Lock()
	if s.state != StateWaitingForCredentials {
		s.mu.Unlock()
		go done("", nil, f5err.Protocol("auth.postCredentials", "not waiting for credentials"))
		return
	}
	fields := s.fields
	loginURL := s.loginURL
	s.state = StatePerformingLogin
	s.done = done
	s.mu.Unlock()

	form := url.Values{}
	for _, f := range fields {
		if f.Type == FieldOther {
			form.Set(f.Name, f.Value)
			continue
		}
		v, ok := values[f.Name]
		if !ok {
			v = f.Value
		}
		form.Set(f.Name, v)
	}

	req, err := http.NewRequest(http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		go done("", nil, f5err.Transport("auth.postCredentials", err))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", loginUserAgent)

	go s.onLoginResult(req)
}

func (s *Session) onLoginResult(req *http.Request) {
	res, err := s.mux.Submit(context.Background(), req)
	if err != nil {
		s.fail(f5err.Transport("auth.login", err))
		return
	}
	if res.StatusCode != http.StatusFound && res.StatusCode != http.StatusOK {
		s.fail(f5err.HTTPStatus("auth.login", req.URL.String(), res.StatusCode))
		return
	}

	if containsLogonPage(res.Body) {
		msg := extractLogonError(res.Body)
		s.mu.Lock()
		s.state = StateWaitingForCredentials
		s.mu.Unlock()
		s.fail(f5err.Protocol("auth.login", msg))
		return
	}

	s.performEpiSkip()
}

// performEpiSkip posts the endpoint-inspection skip and, once the gateway
// redirects, resets to GET and fetches the resource list.
func (s *Session) performEpiSkip() {
	epiURL := fmt.Sprintf("https://%s/my.policy", s.host)
	req, err := http.NewRequest(http.MethodPost, epiURL, strings.NewReader("no-inspection-host=1"))
	if err != nil {
		s.fail(f5err.Transport("auth.epiSkip", err))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", loginUserAgent)

	res, err := s.mux.Submit(context.Background(), req)
	if err != nil {
		s.fail(f5err.Transport("auth.epiSkip", err))
		return
	}
	if res.StatusCode != http.StatusFound {
		s.fail(f5err.HTTPStatus("auth.epiSkip", epiURL, res.StatusCode))
		return
	}

	s.fetchResourceList()
}

func (s *Session) fetchResourceList() {
	listURL := fmt.Sprintf("https://%s/vdesk/resource_list.xml?resourcetype=res", s.host)
	req, err := http.NewRequest(http.MethodGet, listURL, nil)
	if err != nil {
		s.fail(f5err.Transport("auth.resourceList", err))
		return
	}
	req.Header.Set("User-Agent", loginUserAgent)

	res, err := s.mux.Submit(context.Background(), req)
	if err != nil {
		s.fail(f5err.Transport("auth.resourceList", err))
		return
	}
	if res.StatusCode != http.StatusOK {
		s.fail(f5err.HTTPStatus("auth.resourceList", listURL, res.StatusCode))
		return
	}

	refs, err := parseResourceList(s.host, res.Body)
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	s.pending = len(refs)
	s.tunnels = make([]TunnelDescriptor, len(refs))
	s.mu.Unlock()

	for i, ref := range refs {
		go s.fetchTunnelDetail(i, ref)
	}
}

// fetchTunnelDetail issues the detail request for tunnel index i and writes
// its result at index i directly, not appended, which is the fix for the
// original's fan-out bug where every entry but the last was overwritten.
func (s *Session) fetchTunnelDetail(i int, ref tunnelDescriptorRef) {
	req, err := http.NewRequest(http.MethodGet, ref.DetailURL, nil)
	if err != nil {
		s.completeTunnelDetail(i, TunnelDescriptor{}, f5err.Transport("auth.tunnelDetail", err))
		return
	}
	req.Header.Set("User-Agent", loginUserAgent)

	res, err := s.mux.Submit(context.Background(), req)
	if err != nil {
		s.completeTunnelDetail(i, TunnelDescriptor{}, f5err.Transport("auth.tunnelDetail", err))
		return
	}
	if res.StatusCode != http.StatusOK {
		s.completeTunnelDetail(i, TunnelDescriptor{}, f5err.HTTPStatus("auth.tunnelDetail", ref.DetailURL, res.StatusCode))
		return
	}

	detail, err := parseTunnelDetail(res.Body)
	s.completeTunnelDetail(i, detail, err)
}

func (s *Session) completeTunnelDetail(i int, detail TunnelDescriptor, err error) {
	s.mu.Lock()
	if err != nil && s.firstErr == nil {
		s.firstErr = err
	} else if err == nil {
		s.tunnels[i] = detail
	}
	s.pending--
	pendingNow := s.pending
	s.mu.Unlock()

	if pendingNow == 0 {
		s.finish()
	}
}

func (s *Session) finish() {
	s.mu.Lock()
	s.state = StateDone
	err := s.firstErr
	tunnels := s.tunnels
	done := s.done
	s.mu.Unlock()

	if err != nil {
		done("", nil, err)
		return
	}

	sessionKey := s.readSessionKey()
	if sessionKey == "" {
		done("", nil, f5err.Parse("auth.finish", "missing "+mrhSessionCookie+" cookie"))
		return
	}
	done(sessionKey, tunnels, nil)
}

func (s *Session) readSessionKey() string {
	u, err := url.Parse(fmt.Sprintf("https://%s", s.host))
	if err != nil {
		return ""
	}
	for _, c := range s.mux.Jar().Cookies(u) {
		if c.Name == mrhSessionCookie {
			return c.Value
		}
	}
	return ""
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		done("", nil, err)
	}
}

// State returns the session's current stage, primarily for tests and
// diagnostics.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
