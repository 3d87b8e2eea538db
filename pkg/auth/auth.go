// Package auth implements the HTTP Basic Authentication check guarding
// namespace operations. Credentials are derived from the namespace
// itself: the user name is the namespace name and the password is its
// configured auth key.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

var ErrUnauthorized = errors.New("unauthorized")

// Header returns the Authorization value a client must present for the
// namespace.
func Header(namespace, key string) string {
	cred := base64.StdEncoding.EncodeToString([]byte(namespace + ":" + key))
	return "Basic " + cred
}

// Verify checks the Authorization header presented for a namespace.
// A namespace with no key configured accepts any caller. The
// comparison is constant-time so the key cannot be probed byte by
// byte.
func Verify(namespace, key, header string) bool {
	if key == "" {
		return true
	}
	expected := Header(namespace, key)
	return subtle.ConstantTimeCompare([]byte(header), []byte(expected)) == 1
}

// Challenge returns the WWW-Authenticate value sent alongside a 401
// for the namespace.
func Challenge(namespace string) string {
	return `Basic realm="` + namespace + `"`
}
