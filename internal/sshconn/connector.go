// Package sshconn owns the SSH side of a session: one client connection,
// the authentication strategy that establishes it, the shell channel with
// its PTY, and teardown. The session state machine drives this package
// exclusively through message passing; nothing here is shared between
// sessions.
package sshconn

import (
	"context"

	"github.com/websoft9/webssh/internal/credentials"
	"github.com/websoft9/webssh/internal/policy"
)

// Stream is the full-duplex byte stream of an open shell. Write sends
// keyboard input to the remote stdin; Read receives PTY output.
type Stream interface {
	Write(p []byte) (n int, err error)
	Read(p []byte) (n int, err error)
	// Resize pushes a window change to the remote PTY.
	Resize(rows, cols int) error
	// Close tears down stream then connection; idempotent.
	Close() error
}

// Prompt is one keyboard-interactive question.
type Prompt struct {
	Prompt string `json:"prompt"`
	Echo   bool   `json:"echo"`
}

// PromptSet is a full keyboard-interactive challenge from the server.
type PromptSet struct {
	Name        string   `json:"name"`
	Instruction string   `json:"instructions"`
	Prompts     []Prompt `json:"prompts"`
}

// Prompter forwards keyboard-interactive challenges to the client and
// returns exactly one answer list. Blocking; honors ctx cancellation.
// A timeout or disconnect while a prompt is outstanding is fatal for
// the session.
type Prompter interface {
	PromptKeyboardInteractive(ctx context.Context, set PromptSet) ([]string, error)
}

// Callbacks lets the session observe connector activity without the
// connector reaching into session state.
type Callbacks struct {
	// Prompter handles forwarded keyboard-interactive challenges.
	// Required when keyboard-interactive is among the allowed methods.
	Prompter Prompter
	// OnBanner receives the SSH server banner, if one is sent.
	OnBanner func(text string)
	// OnAuthAttempt is invoked after each discrete authentication
	// attempt with its outcome (nil on success).
	OnAuthAttempt func(method policy.AuthMethod, err error)
}

// ShellSpec carries the PTY geometry and environment for shell open.
type ShellSpec struct {
	Term string
	Rows int
	Cols int
	Env  map[string]string
}

// Connector establishes authenticated SSH connections per the gateway's
// auth strategy.
type Connector interface {
	// Connect dials and authenticates. attemptsUsed reports how many
	// authentication-class failures were consumed, whether or not the
	// connection ultimately succeeded. budget is the number of
	// authentication failures still permitted.
	Connect(ctx context.Context, bundle credentials.Bundle, budget int, cb Callbacks) (conn Conn, attemptsUsed int, err error)
}

// Conn is an authenticated SSH connection that can open one shell.
type Conn interface {
	// Shell opens the shell channel with a PTY and returns its stream.
	Shell(spec ShellSpec) (Stream, error)
	// Close shuts the connection; idempotent.
	Close() error
	// AuthMethod reports which method ultimately authenticated.
	AuthMethod() policy.AuthMethod
}
