// Package session implements the per-socket controller: the state
// machine that drives one client socket through authentication, shell
// relay, and teardown. All mutations of a session happen on its own
// command queue; the gateway and the SSH side only pass messages in.
package session

import (
	"time"

	"github.com/websoft9/webssh/internal/credentials"
	"github.com/websoft9/webssh/internal/policy"
)

// State is the session lifecycle position. Transitions other than
// self-loops are one-shot; Closed is terminal.
type State int

const (
	StateInit State = iota
	StateAwaitingAuth
	StateAuthenticating
	StateConnecting
	StateShellReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticating:
		return "authenticating"
	case StateConnecting:
		return "connecting"
	case StateShellReady:
		return "shell_ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TermInfo is the pre-shell terminal request.
type TermInfo struct {
	Term string
	Dims policy.Dims
}

// Record is the per-socket session state. It is owned exclusively by
// the session's controller; no other component holds a live reference.
type Record struct {
	ID    string
	State State

	// Credentials is the current accepted bundle, nil before acceptance.
	Credentials *credentials.Bundle
	// AuthMethodInEffect is set once the SSH transport authenticates.
	AuthMethodInEffect policy.AuthMethod
	// RequestedKeyboardInteractive records that the server prompted the
	// client, which gates the policy check on later attempts.
	RequestedKeyboardInteractive bool
	// StoredReplayPassword is kept only when options.allowReplay is on.
	StoredReplayPassword string

	TargetHost string
	TargetPort int
	Username   string

	// InitialTerm is the geometry requested before the shell opened.
	InitialTerm TermInfo
	// LiveTerm tracks the post-shell geometry, mutated on resize.
	LiveTerm policy.Dims

	// AuthAttempts counts authentication-class failures; bounded by the
	// configured budget.
	AuthAttempts int

	// ConnectionID identifies the SSH-side handle, empty when none.
	ConnectionID string

	CreatedAt      time.Time
	LastActivityAt time.Time

	BytesToClient int64
	BytesToSSH    int64
}

// Permissions is the feature set advertised to the client after
// authentication.
type Permissions struct {
	AutoLog        bool `json:"autoLog"`
	AllowReplay    bool `json:"allowReplay"`
	AllowReconnect bool `json:"allowReconnect"`
	AllowReauth    bool `json:"allowReauth"`
}
