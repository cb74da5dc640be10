// Package policy holds the pure decision functions the session engine
// consults before touching the network: which auth methods may be
// attempted, how terminal dimensions are clamped, and which
// client-supplied environment pairs are acceptable.
package policy

import (
	"strings"

	"github.com/websoft9/webssh/internal/credentials"
)

// AuthMethod is one of the closed set of SSH authentication methods the
// gateway knows how to drive.
type AuthMethod string

const (
	MethodPassword            AuthMethod = "password"
	MethodKeyboardInteractive AuthMethod = "keyboard-interactive"
	MethodPublicKey           AuthMethod = "publickey"
)

// DefaultAllowedMethods is the allow-list used when the config does not
// narrow it.
func DefaultAllowedMethods() []AuthMethod {
	return []AuthMethod{MethodPassword, MethodKeyboardInteractive, MethodPublicKey}
}

// ParseMethod maps a config string to a known method token.
func ParseMethod(s string) (AuthMethod, bool) {
	switch AuthMethod(strings.ToLower(strings.TrimSpace(s))) {
	case MethodPassword:
		return MethodPassword, true
	case MethodKeyboardInteractive:
		return MethodKeyboardInteractive, true
	case MethodPublicKey:
		return MethodPublicKey, true
	}
	return "", false
}

// Allowed is an ordered allow-list of auth methods.
type Allowed []AuthMethod

// Contains reports whether m is in the allow-list.
func (a Allowed) Contains(m AuthMethod) bool {
	for _, x := range a {
		if x == m {
			return true
		}
	}
	return false
}

// EvalContext is what Evaluate needs to know about the pending attempt.
type EvalContext struct {
	Bundle                       credentials.Bundle
	RequestedKeyboardInteractive bool
}

// Violation names the auth method the allow-list rejects. A nil
// *Violation means the attempt may proceed.
type Violation struct {
	Method AuthMethod
}

// Evaluate applies the allow-list to the pending attempt. Rules run in
// order; the first hit wins:
//
//  1. a keyboard-interactive prompt was requested but the method is not allowed
//  2. a private key is present but publickey is not allowed
//  3. a password is present but neither password nor keyboard-interactive
//     is allowed, leaving no way to use it
func Evaluate(allowed Allowed, ctx EvalContext) *Violation {
	if ctx.RequestedKeyboardInteractive && !allowed.Contains(MethodKeyboardInteractive) {
		return &Violation{Method: MethodKeyboardInteractive}
	}
	if ctx.Bundle.HasKey() && !allowed.Contains(MethodPublicKey) {
		return &Violation{Method: MethodPublicKey}
	}
	if ctx.Bundle.HasPassword() &&
		!allowed.Contains(MethodPassword) &&
		!allowed.Contains(MethodKeyboardInteractive) {
		return &Violation{Method: MethodPassword}
	}
	return nil
}
