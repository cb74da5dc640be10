package sshconn

import (
	"errors"
	"fmt"
	"strings"
)

// User-visible failure strings. These are the only error texts that
// reach the browser; everything else stays in the logs.
const (
	MsgInvalidCredentials = "Invalid credentials"
	MsgAuthExhausted      = "All authentication methods failed"
	MsgKeyShapeInvalid    = "Invalid private key format"
	MsgPassphraseRequired = "Encrypted private key requires a passphrase"
	MsgShellOpenFailed    = "Shell error"
)

// Sentinel errors the session matches on with errors.Is.
var (
	// ErrAuthExhausted: the auth attempt budget ran out.
	ErrAuthExhausted = errors.New("sshconn: all authentication methods failed")
	// ErrInvalidKey: the private key failed to parse. Does not consume
	// an auth attempt.
	ErrInvalidKey = errors.New("sshconn: invalid private key")
	// ErrPassphraseRequired: encrypted key supplied without passphrase.
	// Recoverable; the client is re-prompted.
	ErrPassphraseRequired = errors.New("sshconn: encrypted private key requires a passphrase")
	// ErrNoAuthMethod: nothing in the bundle is usable under policy.
	ErrNoAuthMethod = errors.New("sshconn: no authentication method available")
)

// Kind partitions connection errors before any retry decision.
type Kind int

const (
	// KindNetwork: DNS/transport failure. Fatal for the session, no retry.
	KindNetwork Kind = iota
	// KindAuth: authentication rejection. Counted against the budget.
	KindAuth
	// KindFatal: everything else.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	default:
		return "fatal"
	}
}

// ConnectError is a classified connection failure carrying enough
// context to synthesize a message when the underlying one is empty.
type ConnectError struct {
	Kind Kind
	Host string
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return fmt.Sprintf("Connection failed: %s:%d", e.Host, e.Port)
	}
	return msg
}

func (e *ConnectError) Unwrap() error { return e.Err }

// UserMessage is the sanitized text shown in the browser.
func (e *ConnectError) UserMessage() string {
	switch e.Kind {
	case KindNetwork:
		return fmt.Sprintf("Connection failed: %s:%d", e.Host, e.Port)
	case KindAuth:
		return MsgAuthExhausted
	default:
		return fmt.Sprintf("SSH error: %s:%d", e.Host, e.Port)
	}
}

// networkMarkers identify transport-level failures. The node-style
// errno strings are kept alongside the Go forms because clients and
// operators grep for them.
var networkMarkers = []string{
	"enotfound",
	"econnrefused",
	"etimedout",
	"ehostunreach",
	"enetunreach",
	"getaddrinfo",
	"no such host",
	"connection refused",
	"connection reset",
	"i/o timeout",
	"network is unreachable",
	"no route to host",
	"context deadline exceeded",
}

var authMarkers = []string{
	"unable to authenticate",
	"authentication",
	"permission denied",
	"no supported methods remain",
}

// Classify partitions err per the retry rules: network beats auth
// unless the text itself mentions authentication; anything
// unrecognized is fatal.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}
	msg := strings.ToLower(err.Error())

	isAuth := false
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			isAuth = true
			break
		}
	}
	if isAuth {
		return KindAuth
	}
	for _, m := range networkMarkers {
		if strings.Contains(msg, m) {
			return KindNetwork
		}
	}
	// Transport-level socket failures without any authentication wording.
	if strings.Contains(msg, "client-socket") || strings.Contains(msg, "handshake failed") {
		return KindNetwork
	}
	return KindFatal
}
