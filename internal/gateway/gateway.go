package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/websoft9/webssh/internal/authpipe"
	"github.com/websoft9/webssh/internal/policy"
	"github.com/websoft9/webssh/internal/session"
	"github.com/websoft9/webssh/internal/sshconn"
)

// Wire timing. The client pings on the same cadence; a socket silent
// past pongTimeout is considered dead.
const (
	pingInterval = 25 * time.Second
	pongTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Session is the inbound half the gateway drives. *session.Machine
// satisfies it.
type Session interface {
	HandleAuthenticate(c authpipe.Contribution, term string, dims policy.Dims)
	HandleKeyboardInteractiveResponse(answers []string)
	HandleTerminal(term string, dims policy.Dims)
	HandleResize(dims policy.Dims)
	HandleData(p []byte)
	HandleControl(action string)
	HandleDisconnect()
	SocketClosed()
}

// Socket is the subset of *websocket.Conn the gateway uses.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Gateway binds one websocket to one session.
type Gateway struct {
	sock Socket
	sess Session
	log  zerolog.Logger

	// onActivity is called for every well-formed inbound event, feeding
	// the idle janitor.
	onActivity func()

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}

	// lastTerminal deduplicates redundant terminal events so the session
	// queue is not flooded by client re-emissions.
	lastTerminal terminalPayload
	haveTerminal bool
}

// New binds sock to sess. Call Run to start pumping. sess may be nil at
// construction when the session needs the gateway as its emitter first;
// Bind it before Run.
func New(sock Socket, sess Session, onActivity func(), log zerolog.Logger) *Gateway {
	if onActivity == nil {
		onActivity = func() {}
	}
	return &Gateway{
		sock:       sock,
		sess:       sess,
		log:        log,
		onActivity: onActivity,
		closed:     make(chan struct{}),
	}
}

// Bind attaches the session. Must happen before Run.
func (g *Gateway) Bind(sess Session) { g.sess = sess }

// Run drives the read pump and the ping ticker until the socket dies.
// Blocks; the caller owns the goroutine.
func (g *Gateway) Run() {
	go g.pingLoop()
	g.readLoop()
}

func (g *Gateway) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.closed:
			return
		case <-ticker.C:
			g.writeMu.Lock()
			_ = g.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := g.sock.WriteMessage(websocket.PingMessage, nil)
			g.writeMu.Unlock()
			if err != nil {
				g.Close()
				return
			}
		}
	}
}

func (g *Gateway) readLoop() {
	_ = g.sock.SetReadDeadline(time.Now().Add(pongTimeout))
	g.sock.SetPongHandler(func(string) error {
		return g.sock.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := g.sock.ReadMessage()
		if err != nil {
			g.Close()
			g.sess.SocketClosed()
			return
		}
		_ = g.sock.SetReadDeadline(time.Now().Add(pongTimeout))
		g.dispatch(raw)
	}
}

// dispatch parses one frame and hands it to the session. A malformed
// frame is logged and dropped; it never mutates session state.
func (g *Gateway) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.badRequest("frame", err)
		return
	}

	switch env.Event {
	case evAuthenticate:
		var p authenticatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.badRequest(env.Event, err)
			return
		}
		g.onActivity()
		g.sess.HandleAuthenticate(authpipe.Contribution{
			Source:     authpipe.SourceSocketManual,
			Username:   p.Username,
			Password:   p.Password,
			PrivateKey: p.PrivateKey,
			Passphrase: p.Passphrase,
			Host:       p.Host,
			Port:       p.Port,
		}, p.Term, policy.Dims{Rows: p.Rows, Cols: p.Cols})

	case evKIResponse:
		var answers []string
		if err := json.Unmarshal(env.Payload, &answers); err != nil {
			g.badRequest(env.Event, err)
			return
		}
		g.onActivity()
		g.sess.HandleKeyboardInteractiveResponse(answers)

	case evTerminal:
		var p terminalPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.badRequest(env.Event, err)
			return
		}
		g.onActivity()
		if g.haveTerminal && p == g.lastTerminal {
			return
		}
		g.lastTerminal = p
		g.haveTerminal = true
		g.sess.HandleTerminal(p.Term, policy.Dims{Rows: p.Rows, Cols: p.Cols})

	case evResize:
		var p resizePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.badRequest(env.Event, err)
			return
		}
		g.onActivity()
		g.sess.HandleResize(policy.Dims{Rows: p.Rows, Cols: p.Cols})

	case evData:
		var s string
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			g.badRequest(env.Event, err)
			return
		}
		g.onActivity()
		g.sess.HandleData([]byte(s))

	case evControl:
		var action string
		if err := json.Unmarshal(env.Payload, &action); err != nil {
			g.badRequest(env.Event, err)
			return
		}
		g.onActivity()
		g.sess.HandleControl(action)

	case evDisconnect:
		g.sess.HandleDisconnect()

	default:
		g.badRequest(env.Event, nil)
	}
}

func (g *Gateway) badRequest(event string, err error) {
	g.log.Warn().Str("event", event).AnErr("parse_error", err).Msg("bad_request")
}

// send marshals and writes one outbound frame. Errors close the socket;
// the session learns about it through the read pump.
func (g *Gateway) send(event string, payload any) {
	b, err := json.Marshal(outEnvelope{Event: event, Payload: payload})
	if err != nil {
		g.log.Error().Err(err).Str("event", event).Msg("marshal failed")
		return
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	select {
	case <-g.closed:
		return
	default:
	}
	_ = g.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := g.sock.WriteMessage(websocket.TextMessage, b); err != nil {
		g.log.Debug().Err(err).Msg("socket write failed")
	}
}

// ─── session.Emitter ─────────────────────────────────────────────────

func (g *Gateway) EmitAuthRequest() {
	g.send(evAuthentication, authAction{Action: "request_auth"})
}

func (g *Gateway) EmitAuthResult(success bool, message string) {
	g.send(evAuthentication, authAction{Action: "auth_result", Success: &success, Message: message})
}

func (g *Gateway) EmitAuthFailure(method policy.AuthMethod) {
	g.send(evAuthFailure, authFailurePayload{Error: "auth_method_disabled", Method: string(method)})
}

func (g *Gateway) EmitKeyboardInteractive(set sshconn.PromptSet) {
	g.send(evAuthentication, authAction{
		Action:      "keyboard-interactive",
		Name:        set.Name,
		Instruction: set.Instruction,
		Prompts:     set.Prompts,
	})
}

func (g *Gateway) EmitPermissions(p session.Permissions) {
	g.send(evPermissions, p)
}

func (g *Gateway) EmitGetTerminal() {
	g.send(evGetTerminal, true)
}

func (g *Gateway) EmitUpdateUI(element, value string) {
	g.send(evUpdateUI, updateUIPayload{Element: element, Value: value})
}

func (g *Gateway) EmitData(p []byte) {
	g.send(evData, string(p))
}

func (g *Gateway) EmitSSHError(message string) {
	g.send(evSSHError, message)
}

// Close shuts the socket once. Safe from any goroutine.
func (g *Gateway) Close() {
	g.once.Do(func() {
		close(g.closed)
		g.writeMu.Lock()
		_ = g.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = g.sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		g.writeMu.Unlock()
		_ = g.sock.Close()
	})
}

var _ session.Emitter = (*Gateway)(nil)
