// Package sessionstore optionally caches the MRHSession cookie in the OS
// credential store, so a CLI user reconnecting a tunnel does not have to
// re-authenticate on every invocation. This is additive: the original
// client always re-authenticates, and f5vpnc behaves identically unless
// the caller opts in.
package sessionstore

import (
	"fmt"

	"github.com/zalando/go-keyring"
)

const serviceName = "f5vpnc"

// Save persists sessionKey under the given gateway host.
func Save(host, sessionKey string) error {
	if err := keyring.Set(serviceName, host, sessionKey); err != nil {
		return fmt.Errorf("saving session key to keyring: %w", err)
	}
	return nil
}

// Load retrieves a previously saved session key for host, if any.
func Load(host string) (string, error) {
	sessionKey, err := keyring.Get(serviceName, host)
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("loading session key from keyring: %w", err)
	}
	return sessionKey, nil
}

// Clear removes any cached session key for host.
func Clear(host string) error {
	err := keyring.Delete(serviceName, host)
	if err != nil && err != keyring.ErrNotFound {
		return fmt.Errorf("clearing session key from keyring: %w", err)
	}
	return nil
}
