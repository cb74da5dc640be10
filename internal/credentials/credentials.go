// Package credentials normalizes and validates the credential bundle a
// session authenticates with. Validators here are pure: they report
// failures as values and never panic, because every input ultimately
// comes from an untrusted browser.
package credentials

import (
	"errors"
	"html"
	"net"
	"regexp"
)

// Validation failures. Callers match with errors.Is; the wire layer maps
// them to user-visible strings.
var (
	ErrEmptyUsername      = errors.New("credentials: username is empty")
	ErrEmptyHost          = errors.New("credentials: host is empty")
	ErrMalformedHost      = errors.New("credentials: host is malformed")
	ErrPortOutOfRange     = errors.New("credentials: port out of range")
	ErrNoAuthMaterial     = errors.New("credentials: no password or private key")
	ErrOrphanPassphrase   = errors.New("credentials: passphrase without private key")
	ErrInvalidKeyShape    = errors.New("credentials: invalid private key format")
	ErrPassphraseRequired = errors.New("credentials: encrypted private key requires a passphrase")
)

// Bundle is an accepted set of credentials for one SSH target. A Bundle
// is never mutated after acceptance; a new bundle replaces the old one.
type Bundle struct {
	Username   string
	Host       string
	Port       int
	Password   string
	PrivateKey string
	Passphrase string
}

// hostnamePattern is deliberately loose: RFC 1123 labels joined by dots.
// Anything that doesn't match and isn't an IP literal is rejected rather
// than escaped, because the host goes straight into a TCP dial.
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]{0,253}[a-zA-Z0-9])?$`)

// termPattern accepts the terminal names xterm and friends actually use.
var termPattern = regexp.MustCompile(`^[a-zA-Z0-9.-]{1,30}$`)

// Private-key shape recognition. Shape only; cryptographic validity is
// the SSH layer's job.
var (
	standardKeyPattern = regexp.MustCompile(
		`^-----BEGIN (?:RSA )?PRIVATE KEY-----\r?\n(?:[A-Za-z0-9+/=]+\r?\n)+-----END (?:RSA )?PRIVATE KEY-----\r?\n?$`)
	encryptedKeyPattern = regexp.MustCompile(
		`^-----BEGIN (?:RSA )?PRIVATE KEY-----\r?\nProc-Type: 4,ENCRYPTED\r?\nDEK-Info: [^\r\n]+\r?\n\r?\n(?:[A-Za-z0-9+/=]+\r?\n)+-----END (?:RSA )?PRIVATE KEY-----\r?\n?$`)
)

// Validate checks the bundle invariants: non-empty username, a
// resolvable-looking host, an in-range port, at least one piece of auth
// material, and no orphan passphrase. The first failure wins.
func (b Bundle) Validate() error {
	if b.Username == "" {
		return ErrEmptyUsername
	}
	if b.Host == "" {
		return ErrEmptyHost
	}
	if net.ParseIP(b.Host) == nil && !hostnamePattern.MatchString(b.Host) {
		return ErrMalformedHost
	}
	if b.Port < 1 || b.Port > 65535 {
		return ErrPortOutOfRange
	}
	if b.Password == "" && b.PrivateKey == "" {
		if b.Passphrase != "" {
			return ErrOrphanPassphrase
		}
		return ErrNoAuthMaterial
	}
	if b.PrivateKey == "" && b.Passphrase != "" {
		return ErrOrphanPassphrase
	}
	if b.PrivateKey != "" && !ValidatePrivateKeyShape(b.PrivateKey) {
		return ErrInvalidKeyShape
	}
	return nil
}

// HasKey reports whether the bundle carries a private key.
func (b Bundle) HasKey() bool { return b.PrivateKey != "" }

// HasPassword reports whether the bundle carries a password.
func (b Bundle) HasPassword() bool { return b.Password != "" }

// KeyIsEncrypted reports whether the private key carries the legacy
// OpenSSL encryption headers. Encrypted keys need a passphrase before
// they reach the SSH layer.
func (b Bundle) KeyIsEncrypted() bool {
	return b.PrivateKey != "" && encryptedKeyPattern.MatchString(b.PrivateKey)
}

// Equal reports whether two bundles are the same credentials for the
// same target. Used to detect a re-auth that actually changes nothing.
func (b Bundle) Equal(o Bundle) bool {
	return b.Username == o.Username &&
		b.Host == o.Host &&
		b.Port == o.Port &&
		b.Password == o.Password &&
		b.PrivateKey == o.PrivateKey &&
		b.Passphrase == o.Passphrase
}

// SanitizeHost passes IP literals through untouched and HTML-escapes
// anything else, so a hostname echoed into the page header cannot carry
// markup.
func SanitizeHost(raw string) string {
	if net.ParseIP(raw) != nil {
		return raw
	}
	return html.EscapeString(raw)
}

// SanitizeTerm returns the terminal name when it is safe to hand to the
// remote PTY, or "" when the caller should fall back to the configured
// default. Idempotent: a sanitized value sanitizes to itself.
func SanitizeTerm(raw string) string {
	if termPattern.MatchString(raw) {
		return raw
	}
	return ""
}

// ValidatePrivateKeyShape reports whether pem looks like a standard or
// encrypted RSA private key. Any other content is rejected before the
// SSH layer ever sees it.
func ValidatePrivateKeyShape(pem string) bool {
	return standardKeyPattern.MatchString(pem) || encryptedKeyPattern.MatchString(pem)
}
