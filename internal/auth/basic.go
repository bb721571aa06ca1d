package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/austindbirch/parcelhook/internal/faults"
)

var (
	ErrNoCredentials  = errors.New("no credentials")
	ErrBadCredentials = errors.New("invalid credentials")
)

// CheckBasic verifies the request's Basic credentials. A request without
// credentials is told apart from one with wrong credentials so the caller
// can answer 403 and 401 respectively.
func CheckBasic(r *http.Request, username, password string) error {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return faults.New(faults.Auth, "auth.basic", ErrNoCredentials)
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
	if !userOK || !passOK || username == "" {
		return faults.New(faults.Auth, "auth.basic", ErrBadCredentials)
	}
	return nil
}
