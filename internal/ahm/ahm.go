// Package ahm implements the async HTTP multiplexer shared by the auth and
// sidx state machines: one dispatcher goroutine owns an *http.Client and its
// cookie jar for a session and serializes every request issued against it,
// so no caller ever needs to take a lock on session-scoped state.
package ahm

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// Result is what Submit resolves to: the response with its body already
// fully drained into Body, since every caller in this system needs the
// whole body in hand to scrape HTML/XML or inspect status/headers.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Request    *http.Request // the effective (possibly redirected) request
}

type job struct {
	req  *http.Request
	resp chan jobResult
}

type jobResult struct {
	res *Result
	err error
}

// Multiplexer owns one *http.Client (with a shared cookie jar) and a single
// dispatcher goroutine. All requests submitted through it are issued from
// that goroutine, in submission order, matching the single-threaded
// cooperative event-loop model of the original gateway client.
type Multiplexer struct {
	client *http.Client
	jar    http.CookieJar
	jobs   chan job
	done   chan struct{}
	log    *slog.Logger
}

// Option configures a Multiplexer at construction time.
type Option func(*Multiplexer)

// WithTimeout bounds every individual request issued through the
// multiplexer.
func WithTimeout(d time.Duration) Option {
	return func(m *Multiplexer) { m.client.Timeout = d }
}

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Multiplexer) { m.log = l }
}

// New creates a Multiplexer with a fresh in-memory cookie jar and starts its
// dispatcher goroutine. Callers must call Close when done.
func New(opts ...Option) (*Multiplexer, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	m := &Multiplexer{
		client: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
			// The gateway's login flow depends on inspecting the redirect
			// target itself (to honor the effective URL when POSTing
			// credentials), so redirects are not followed automatically.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		jar:  jar,
		jobs: make(chan job, 8),
		done: make(chan struct{}),
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m, nil
}

// InsecureSkipVerifyForTest disables TLS certificate verification. It
// exists solely so tests can point a Multiplexer at an httptest.Server's
// self-signed certificate; production callers never call this.
func (m *Multiplexer) InsecureSkipVerifyForTest() {
	m.client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
}

// Jar exposes the underlying cookie jar so callers (e.g. the tunnel-detail
// fan-out) can read the MRHSession cookie once a session is authenticated.
func (m *Multiplexer) Jar() http.CookieJar { return m.jar }

func (m *Multiplexer) run() {
	for {
		select {
		case j, ok := <-m.jobs:
			if !ok {
				return
			}
			res, err := m.doRequest(j.req)
			j.resp <- jobResult{res: res, err: err}
		case <-m.done:
			return
		}
	}
}

func (m *Multiplexer) doRequest(req *http.Request) (*Result, error) {
	m.log.Debug("ahm request", "method", req.Method, "url", req.URL.String())
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	m.log.Debug("ahm response", "url", req.URL.String(), "status", resp.StatusCode, "bytes", len(body))
	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Request:    req,
	}, nil
}

// Submit issues req on the dispatcher goroutine and blocks the caller's
// goroutine until a result or error is available, or ctx is done. This is
// the suspending-function re-expression of the original's callback-driven
// request/response cycle: the auth and sidx operations call Submit from
// goroutines they start themselves and invoke the caller-supplied callback
// from those goroutines once Submit returns, never from inside the public
// call that started the operation.
func (m *Multiplexer) Submit(ctx context.Context, req *http.Request) (*Result, error) {
	j := job{req: req.WithContext(ctx), resp: make(chan jobResult, 1)}
	select {
	case m.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, context.Canceled
	}
	select {
	case r := <-j.resp:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, context.Canceled
	}
}

// Close stops the dispatcher goroutine. No further Submit calls will
// succeed; in-flight ones unblock with context.Canceled.
func (m *Multiplexer) Close() {
	select {
	case <-m.done:
		// already closed
	default:
		close(m.done)
	}
}
