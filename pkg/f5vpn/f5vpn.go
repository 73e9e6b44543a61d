// Package f5vpn is the public surface of the F5 Firepass/BIG-IP SSL VPN
// client: typed handles and callback-driven operations an external
// connection manager can drive directly, re-exporting internal/auth,
// internal/sidx, and internal/tunnel behind a stable API boundary (the Go
// analogue of include/f5vpn_*.h in the original implementation).
package f5vpn

import (
	"context"

	"github.com/ohwgiles/NetworkManager-f5vpn/internal/ahm"
	"github.com/ohwgiles/NetworkManager-f5vpn/internal/auth"
	"github.com/ohwgiles/NetworkManager-f5vpn/internal/sidx"
	"github.com/ohwgiles/NetworkManager-f5vpn/internal/tunnel"
)

// FieldType is the kind of a login form field.
type FieldType = auth.FieldType

const (
	FieldText     = auth.FieldText
	FieldPassword = auth.FieldPassword
	FieldHidden   = auth.FieldHidden
	FieldOther    = auth.FieldOther
)

// FormField is one credential field the gateway's login page asked for.
type FormField = auth.FormField

// TunnelDescriptor describes one network-access tunnel offered to the
// authenticated user.
type TunnelDescriptor = auth.TunnelDescriptor

// NetworkSettings is reported once a tunnel comes up.
type NetworkSettings = tunnel.NetworkSettings

// LanAddr is one route the gateway wants installed.
type LanAddr = tunnel.LanAddr

// Paths locates the external binaries the tunnel engine spawns.
type Paths = tunnel.Paths

// Client is the entry point: one Client owns one AHM dispatcher and can
// drive any number of sequential auth/sidx/tunnel operations against a
// single gateway host.
type Client struct {
	host string
	mux  *ahm.Multiplexer
}

// New creates a Client for the given gateway host.
func New(host string) (*Client, error) {
	mux, err := ahm.New()
	if err != nil {
		return nil, err
	}
	return &Client{host: host, mux: mux}, nil
}

// Close releases the client's underlying HTTP dispatcher.
func (c *Client) Close() { c.mux.Close() }

// AuthSession is a handle on one in-progress or completed authentication.
type AuthSession struct {
	inner *auth.Session
}

// BeginAuth retrieves the login page and reports its fields via cb.
func (c *Client) BeginAuth(cb func(fields []FormField, err error)) *AuthSession {
	s := auth.Begin(c.mux, c.host, auth.CredentialsCallback(cb))
	return &AuthSession{inner: s}
}

// PostCredentials submits filled-in credentials and reports the final
// outcome (session key + tunnel list, or error) via done.
func (a *AuthSession) PostCredentials(values map[string]string, done func(sessionKey string, tunnels []TunnelDescriptor, err error)) {
	a.inner.PostCredentials(values, auth.DoneCallback(done))
}

// GetSidSession is a handle on one in-progress OTC-to-session-id exchange.
type GetSidSession struct{}

// BeginGetSid exchanges otc for a session id.
func (c *Client) BeginGetSid(otc string, cb func(sid string, err error)) *GetSidSession {
	sidx.Begin(c.mux, c.host, otc, sidx.Callback(cb))
	return &GetSidSession{}
}

// TunnelConnection is a handle on one live (or connecting) tunnel.
type TunnelConnection struct {
	inner *tunnel.Connection
}

// Connect fetches connection parameters for resourcename and establishes
// the tunnel. onUp fires once, at link-up; onExited fires once, when the
// tunnel's subprocesses have both exited.
func (c *Client) Connect(ctx context.Context, paths Paths, sessionKey, resourcename string, onUp func(NetworkSettings), onExited func(error)) (*TunnelConnection, error) {
	conn, err := tunnel.Connect(ctx, c.mux, paths, c.host, sessionKey, resourcename, tunnel.UpCallback(onUp), tunnel.ExitedCallback(onExited))
	if err != nil {
		return nil, err
	}
	return &TunnelConnection{inner: conn}, nil
}

// Disconnect tears the tunnel down.
func (t *TunnelConnection) Disconnect() { t.inner.Disconnect() }
