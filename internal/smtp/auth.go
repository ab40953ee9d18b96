// Package smtp implements the capture endpoint: an SMTP server gated by a
// single credential pair that decodes every accepted message and commits it
// to a store.
package smtp

import (
	"errors"
	"strings"

	"github.com/emersion/go-sasl"
)

// ErrInvalidCredentials is returned when a username/password pair does not
// match the configured account.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Identity is the authenticated principal of a session.
type Identity struct {
	Username string
}

// Authenticator checks SMTP AUTH credentials against one configured account.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator for the given account. An
// Authenticator with an empty username rejects every attempt.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Authenticate compares the credentials byte for byte with the configured
// account.
func (a *Authenticator) Authenticate(username, password string) (Identity, error) {
	if a.username == "" || username != a.username || password != a.password {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Username: username}, nil
}

// Mechanisms returns the SASL mechanisms advertised in the EHLO response.
func (a *Authenticator) Mechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// SASLServer returns a SASL server for mechanism that calls grant once the
// exchange authenticates successfully. It returns nil for an unsupported
// mechanism.
//
// The PLAIN authorization identity is ignored.
func (a *Authenticator) SASLServer(mechanism string, grant func(Identity)) sasl.Server {
	check := func(username, password string) error {
		id, err := a.Authenticate(username, password)
		if err != nil {
			return err
		}
		grant(id)
		return nil
	}

	switch strings.ToUpper(mechanism) {
	case sasl.Plain:
		return sasl.NewPlainServer(func(_, username, password string) error {
			return check(username, password)
		})
	case sasl.Login:
		return sasl.NewLoginServer(check)
	default:
		return nil
	}
}
