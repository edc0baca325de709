package cqlpool

import (
	"github.com/pkg/errors"
)

// Authenticator runs the SASL exchange started by an AUTHENTICATE response.
type Authenticator interface {
	// Challenge is called with the authenticator class reported by the server first (req is nil),
	// then with every AUTH_CHALLENGE token. It returns the AUTH_RESPONSE token.
	Challenge(class string, req []byte) ([]byte, error)

	// Success is called with the AUTH_SUCCESS token.
	Success(data []byte) error
}

// PasswordAuthenticator implements the PLAIN mechanism of PasswordAuthenticator servers.
type PasswordAuthenticator struct {
	Username string
	Password string

	// AllowedAuthenticators restricts the server authenticator classes accepted.
	// Any class is accepted when empty.
	AllowedAuthenticators []string
}

func (p PasswordAuthenticator) Challenge(class string, req []byte) ([]byte, error) {
	if req == nil && !p.allowed(class) {
		return nil, errors.Errorf("unexpected authenticator %q", class)
	}

	resp := make([]byte, 0, 2+len(p.Username)+len(p.Password))
	resp = append(resp, 0)
	resp = append(resp, p.Username...)
	resp = append(resp, 0)
	resp = append(resp, p.Password...)
	return resp, nil
}

func (p PasswordAuthenticator) Success(data []byte) error {
	return nil
}

func (p PasswordAuthenticator) allowed(class string) bool {
	if len(p.AllowedAuthenticators) == 0 {
		return true
	}
	for _, a := range p.AllowedAuthenticators {
		if a == class {
			return true
		}
	}
	return false
}
