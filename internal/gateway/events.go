// Package gateway translates between the socket wire vocabulary and the
// session's commands. It owns the websocket: the read pump parses and
// shape-checks inbound events before they touch the session, and the
// Emitter side serializes everything the session wants the client to
// see.
package gateway

import (
	"encoding/json"

	"github.com/websoft9/webssh/internal/sshconn"
)

// envelope is the wire frame in both directions.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Inbound event names.
const (
	evAuthenticate = "authenticate"
	evKIResponse   = "keyboard-interactive-response"
	evTerminal     = "terminal"
	evResize       = "resize"
	evData         = "data"
	evControl      = "control"
	evDisconnect   = "disconnect"
)

// Outbound event names.
const (
	evAuthentication = "authentication"
	evPermissions    = "permissions"
	evGetTerminal    = "getTerminal"
	evUpdateUI       = "updateUI"
	evSSHError       = "ssherror"
	evAuthFailure    = "ssh_auth_failure"
)

// authenticatePayload carries manual credentials plus optional geometry.
type authenticatePayload struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	PrivateKey string `json:"privateKey"`
	Passphrase string `json:"passphrase"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Term       string `json:"term"`
	Rows       int    `json:"rows"`
	Cols       int    `json:"cols"`
}

type terminalPayload struct {
	Term string `json:"term"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

type resizePayload struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// authAction is the multiplexed server-side authentication event.
type authAction struct {
	Action  string `json:"action"`
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`

	// Keyboard-interactive fields, present when action is
	// "keyboard-interactive".
	Name        string           `json:"name,omitempty"`
	Instruction string           `json:"instructions,omitempty"`
	Prompts     []sshconn.Prompt `json:"prompts,omitempty"`
}

type updateUIPayload struct {
	Element string `json:"element"`
	Value   string `json:"value"`
}

type authFailurePayload struct {
	Error  string `json:"error"`
	Method string `json:"method"`
}
