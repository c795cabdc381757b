package smtptest

import (
	"encoding/base64"
	"errors"
	"strings"
)

var errAuthFailed = errors.New("authentication failed")

// credentials checks SMTP AUTH responses against a single account.
type credentials struct {
	username string
	password string
}

// enabled reports whether the server requires AUTH before MAIL.
func (c credentials) enabled() bool {
	return c.username != "" || c.password != ""
}

// verifyPlain checks an AUTH PLAIN response: base64(authzid\0authcid\0password).
func (c credentials) verifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errors.New("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errors.New("invalid AUTH PLAIN format")
	}
	return c.match(parts[1], parts[2])
}

// verifyLogin checks the base64 username and password sent during AUTH LOGIN.
func (c credentials) verifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errors.New("invalid base64 username")
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errors.New("invalid base64 password")
	}
	return c.match(string(user), string(pass))
}

func (c credentials) match(user, pass string) error {
	if user != c.username || pass != c.password {
		return errAuthFailed
	}
	return nil
}
