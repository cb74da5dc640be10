package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/websoft9/webssh/internal/authpipe"
	"github.com/websoft9/webssh/internal/credentials"
	"github.com/websoft9/webssh/internal/logsink"
	"github.com/websoft9/webssh/internal/metrics"
	"github.com/websoft9/webssh/internal/policy"
	"github.com/websoft9/webssh/internal/sshconn"
)

// MsgAuthMethodDisabled is the auth_result message accompanying an
// ssh_auth_failure emission.
const MsgAuthMethodDisabled = "Authentication method disabled by policy"

// MsgInternal is the only text an unexpected internal failure shows the
// client.
const MsgInternal = "An unexpected error occurred"

// Emitter is the session's outbound half of the wire: every message the
// engine wants the browser to see goes through here. Implemented by the
// gateway; calls may block briefly on socket backpressure.
type Emitter interface {
	EmitAuthRequest()
	EmitAuthResult(success bool, message string)
	EmitAuthFailure(method policy.AuthMethod)
	EmitKeyboardInteractive(set sshconn.PromptSet)
	EmitPermissions(p Permissions)
	EmitGetTerminal()
	EmitUpdateUI(element, value string)
	EmitData(p []byte)
	EmitSSHError(message string)
	// Close shuts the client socket. Idempotent.
	Close()
}

// FeatureOptions mirrors config options the session enforces.
type FeatureOptions struct {
	AllowReplay    bool
	AllowReauth    bool
	AllowReconnect bool
	AutoLog        bool
}

// Settings wires one Machine. Everything here is read-only for the
// session's lifetime.
type Settings struct {
	Allowed         policy.Allowed
	Options         FeatureOptions
	MaxAuthAttempts int
	DefaultTerm     string
	// PinnedHost/PinnedPort, when set, override anything the client
	// submits (the /ssh/host/{host} landing flow).
	PinnedHost string
	PinnedPort int
	// Env is the validated client environment bundle from the landing
	// page query.
	Env map[string]string
	// Header text/background, forwarded to the client UI on connect.
	HeaderText       string
	HeaderBackground string
}

type command func()

// Machine is the per-socket session controller. All state lives behind
// its single command queue; Handle* methods and SSH-side goroutines
// only post messages.
type Machine struct {
	rec      Record
	settings Settings

	pipeline  *authpipe.Pipeline
	emitter   Emitter
	connector sshconn.Connector
	collector *metrics.Collector
	sink      *logsink.Sink
	log       zerolog.Logger

	cmds   chan command
	done   chan struct{}
	cancel context.CancelFunc

	conn   sshconn.Conn
	stream sshconn.Stream

	// pendingKI is the one-shot rendezvous for a forwarded
	// keyboard-interactive prompt set. Consumed exactly once.
	pendingKI chan []string

	outcome string
}

// New builds a Machine for one accepted socket. Call Run to start it.
func New(settings Settings, pipeline *authpipe.Pipeline, emitter Emitter,
	connector sshconn.Connector, collector *metrics.Collector,
	sink *logsink.Sink, log zerolog.Logger) *Machine {

	id := uuid.NewString()
	m := &Machine{
		rec: Record{
			ID:        id,
			State:     StateInit,
			CreatedAt: time.Now().UTC(),
			LiveTerm:  policy.Dims{},
		},
		settings:  settings,
		pipeline:  pipeline,
		emitter:   emitter,
		connector: connector,
		collector: collector,
		sink:      sink,
		log:       log.With().Str("session_id", id).Logger(),
		cmds:      make(chan command, 256),
		done:      make(chan struct{}),
		outcome:   "closed",
	}
	if m.settings.MaxAuthAttempts <= 0 {
		m.settings.MaxAuthAttempts = 2
	}
	return m
}

// ID returns the session's opaque identifier.
func (m *Machine) ID() string { return m.rec.ID }

// Done is closed when the session reaches Closed.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Run drives the session until Closed. It owns every mutation of the
// record; a panic anywhere in a command is converted to a generic
// internal failure and the session is torn down.
func (m *Machine) Run(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	defer m.cancel()

	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("session panicked")
			m.emitter.EmitSSHError(MsgInternal)
			m.shutdown("internal_error")
		}
	}()

	if m.collector != nil {
		m.collector.ActiveSessions.Inc()
	}
	m.audit(logsink.Entry{Event: "session.open", Message: "session opened",
		Status: logsink.StatusPending})

	m.begin()

	for m.rec.State != StateClosed {
		select {
		case <-ctx.Done():
			m.shutdown("canceled")
		case fn := <-m.cmds:
			fn()
		}
	}
}

// post queues fn for the session goroutine. Safe from any goroutine;
// events for a closed session are dropped.
func (m *Machine) post(fn command) {
	select {
	case <-m.done:
	case m.cmds <- fn:
	}
}

// touch records inbound activity for the idle janitor.
func (m *Machine) touch() { m.rec.LastActivityAt = time.Now().UTC() }

// begin runs the Init transition: connect immediately when the HTTP
// layer inherited a complete bundle, otherwise ask the client.
func (m *Machine) begin() {
	bundle := m.applyPins(m.pipeline.Merge())
	if bundle.Validate() == nil {
		m.startConnect(bundle)
		return
	}
	m.rec.State = StateAwaitingAuth
	m.emitter.EmitAuthRequest()
}

// applyPins overlays the landing-route host/port pin and config
// defaults onto a merged bundle.
func (m *Machine) applyPins(b credentials.Bundle) credentials.Bundle {
	if m.settings.PinnedHost != "" {
		b.Host = m.settings.PinnedHost
	}
	if m.settings.PinnedPort != 0 && b.Port == 0 {
		b.Port = m.settings.PinnedPort
	}
	return b
}

// ─── Client events (posted by the gateway) ───────────────────────────

// HandleAuthenticate ingests manual credentials from the socket.
func (m *Machine) HandleAuthenticate(c authpipe.Contribution, term string, dims policy.Dims) {
	m.post(func() {
		m.touch()
		if m.rec.State != StateAwaitingAuth && m.rec.State != StateInit {
			return
		}
		if term != "" || dims.Rows > 0 || dims.Cols > 0 {
			m.setInitialTerm(term, dims)
		}
		c.Source = authpipe.SourceSocketManual
		m.pipeline.Add(c)

		bundle := m.applyPins(m.pipeline.Merge())
		if err := bundle.Validate(); err != nil {
			m.log.Debug().Err(err).Msg("rejected credentials")
			m.emitter.EmitAuthResult(false, sshconn.MsgInvalidCredentials)
			m.rec.State = StateAwaitingAuth
			return
		}
		m.startConnect(bundle)
	})
}

// HandleKeyboardInteractiveResponse resolves the pending prompt set.
// The response list is consumed exactly once; a response with no prompt
// outstanding is dropped as a protocol error.
func (m *Machine) HandleKeyboardInteractiveResponse(answers []string) {
	m.post(func() {
		m.touch()
		if m.pendingKI == nil {
			m.log.Warn().Msg("keyboard-interactive response with no prompt outstanding")
			return
		}
		ch := m.pendingKI
		m.pendingKI = nil
		ch <- answers
	})
}

// HandleTerminal ingests initial terminal geometry (and optionally a
// terminal name). Redundant events are deduplicated by the gateway.
// Unlike the optional geometry riding on authenticate, this event is
// the answer to getTerminal: zero or missing dimensions resolve against
// the last known value and then the 24x80 default, so the shell always
// opens.
func (m *Machine) HandleTerminal(term string, dims policy.Dims) {
	m.post(func() {
		m.touch()
		if m.rec.State == StateShellReady {
			m.applyResize(dims)
			return
		}
		if t := credentials.SanitizeTerm(term); t != "" {
			m.rec.InitialTerm.Term = t
		}
		m.rec.InitialTerm.Dims = policy.ClampDims(dims, m.rec.InitialTerm.Dims)
		m.tryOpenShell()
	})
}

// HandleResize clamps and forwards a window change.
func (m *Machine) HandleResize(dims policy.Dims) {
	m.post(func() {
		m.touch()
		if m.rec.State != StateShellReady {
			return
		}
		m.applyResize(dims)
	})
}

// HandleData writes client keystrokes to the shell. Outside ShellReady
// the bytes are dropped silently.
func (m *Machine) HandleData(p []byte) {
	m.post(func() {
		m.touch()
		if m.rec.State != StateShellReady || m.stream == nil {
			return
		}
		n, err := m.stream.Write(p)
		m.rec.BytesToSSH += int64(n)
		if m.collector != nil {
			m.collector.BytesRelayed.WithLabelValues("client_to_ssh").Add(float64(n))
		}
		if err != nil {
			m.sshClosed(err)
		}
	})
}

// HandleControl processes replayCredentials and reauth requests.
func (m *Machine) HandleControl(action string) {
	m.post(func() {
		m.touch()
		switch action {
		case "replayCredentials":
			m.replayCredentials()
		case "reauth":
			m.reauth()
		default:
			m.log.Warn().Str("action", action).Msg("unknown control action")
		}
	})
}

// HandleDisconnect is the client's clean goodbye. Repeats are no-ops.
func (m *Machine) HandleDisconnect() {
	m.post(func() { m.shutdown("client_disconnect") })
}

// SocketClosed is posted by the gateway when the websocket dies.
func (m *Machine) SocketClosed() {
	m.post(func() { m.shutdown("socket_closed") })
}

// ─── Connection sequencing ───────────────────────────────────────────

// startConnect gates the bundle through policy and launches the dial.
func (m *Machine) startConnect(bundle credentials.Bundle) {
	if v := policy.Evaluate(m.settings.Allowed, policy.EvalContext{
		Bundle:                       bundle,
		RequestedKeyboardInteractive: m.rec.RequestedKeyboardInteractive,
	}); v != nil {
		m.log.Info().Str("method", string(v.Method)).Msg("auth method disabled by policy")
		m.emitter.EmitAuthFailure(v.Method)
		m.emitter.EmitAuthResult(false, MsgAuthMethodDisabled)
		m.rec.State = StateAwaitingAuth
		return
	}

	budget := m.settings.MaxAuthAttempts - m.rec.AuthAttempts
	if budget <= 0 {
		m.emitter.EmitAuthResult(false, sshconn.MsgAuthExhausted)
		m.rec.State = StateAwaitingAuth
		return
	}

	b := bundle
	m.rec.State = StateAuthenticating
	m.rec.Credentials = &b
	m.rec.TargetHost = b.Host
	m.rec.TargetPort = b.Port
	m.rec.Username = b.Username

	cb := sshconn.Callbacks{
		Prompter: prompterFunc(m.promptKeyboardInteractive),
		OnBanner: func(text string) {
			m.post(func() { m.emitter.EmitData([]byte(text)) })
		},
		OnAuthAttempt: func(method policy.AuthMethod, err error) {
			result := "success"
			if err != nil {
				result = "failure"
			}
			if m.collector != nil {
				m.collector.AuthAttempts.WithLabelValues(string(method), result).Inc()
			}
		},
	}

	ctx := context.Background()
	go func() {
		conn, used, err := m.connector.Connect(ctx, b, budget, cb)
		m.post(func() { m.connectDone(conn, used, err) })
	}()
}

// connectDone applies the dial outcome on the session goroutine.
func (m *Machine) connectDone(conn sshconn.Conn, used int, err error) {
	if m.rec.State != StateAuthenticating {
		// Session moved on (client disconnected mid-dial).
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.rec.AuthAttempts += used

	if err != nil {
		m.connectFailed(err)
		return
	}

	m.conn = conn
	m.rec.ConnectionID = uuid.NewString()
	m.rec.AuthMethodInEffect = conn.AuthMethod()
	if m.settings.Options.AllowReplay && m.rec.Credentials != nil {
		m.rec.StoredReplayPassword = m.rec.Credentials.Password
	}

	m.rec.State = StateConnecting
	m.emitter.EmitAuthResult(true, "")
	m.emitter.EmitPermissions(Permissions{
		AutoLog:        m.settings.Options.AutoLog,
		AllowReplay:    m.settings.Options.AllowReplay,
		AllowReconnect: m.settings.Options.AllowReconnect,
		AllowReauth:    m.settings.Options.AllowReauth,
	})
	m.emitter.EmitGetTerminal()

	m.audit(logsink.Entry{Event: "session.auth", Message: "authenticated",
		Status: logsink.StatusSuccess,
		Data:   map[string]any{"method": string(m.rec.AuthMethodInEffect), "attempts": m.rec.AuthAttempts}})

	m.tryOpenShell()
}

// connectFailed maps a classified dial failure onto the transition
// table: auth-class failures re-prompt, network and fatal failures
// close the session.
func (m *Machine) connectFailed(err error) {
	switch {
	case errors.Is(err, sshconn.ErrPassphraseRequired):
		m.emitter.EmitAuthResult(false, sshconn.MsgPassphraseRequired)
		m.rec.State = StateAwaitingAuth
	case errors.Is(err, sshconn.ErrInvalidKey):
		m.emitter.EmitAuthResult(false, sshconn.MsgKeyShapeInvalid)
		m.rec.State = StateAwaitingAuth
	case errors.Is(err, sshconn.ErrNoAuthMethod):
		m.emitter.EmitAuthResult(false, sshconn.MsgInvalidCredentials)
		m.rec.State = StateAwaitingAuth
	case errors.Is(err, sshconn.ErrAuthExhausted):
		m.audit(logsink.Entry{Event: "session.auth", Message: "authentication failed",
			Status: logsink.StatusFailed, Reason: "auth_exhausted", Err: err})
		m.emitter.EmitAuthResult(false, sshconn.MsgAuthExhausted)
		m.rec.State = StateAwaitingAuth
	default:
		var cerr *sshconn.ConnectError
		if errors.As(err, &cerr) && cerr.Kind == sshconn.KindAuth {
			m.emitter.EmitAuthResult(false, sshconn.MsgAuthExhausted)
			m.rec.State = StateAwaitingAuth
			return
		}
		msg := fmt.Sprintf("Connection failed: %s:%d", m.rec.TargetHost, m.rec.TargetPort)
		if errors.As(err, &cerr) {
			msg = cerr.UserMessage()
		}
		m.log.Warn().Err(err).Msg("ssh connection failed")
		m.audit(logsink.Entry{Event: "session.connect", Message: "connection failed",
			Status: logsink.StatusFailed, Err: err})
		m.emitter.EmitSSHError(msg)
		m.shutdown("connect_failed")
	}
}

// promptKeyboardInteractive forwards a prompt set to the client and
// blocks the dial goroutine on the one-shot rendezvous.
func (m *Machine) promptKeyboardInteractive(ctx context.Context, set sshconn.PromptSet) ([]string, error) {
	if !m.settings.Allowed.Contains(policy.MethodKeyboardInteractive) {
		return nil, fmt.Errorf("session: keyboard-interactive disabled by policy")
	}

	ch := make(chan []string, 1)
	m.post(func() {
		if m.pendingKI != nil {
			// A previous prompt set is still outstanding; refuse.
			close(ch)
			return
		}
		m.rec.RequestedKeyboardInteractive = true
		m.pendingKI = ch
		m.emitter.EmitKeyboardInteractive(set)
	})

	select {
	case answers, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("session: keyboard-interactive prompt canceled")
		}
		return answers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, fmt.Errorf("session: closed during keyboard-interactive prompt")
	}
}

// setInitialTerm records the pre-shell terminal request.
func (m *Machine) setInitialTerm(term string, dims policy.Dims) {
	if t := credentials.SanitizeTerm(term); t != "" {
		m.rec.InitialTerm.Term = t
	}
	if dims.Rows > 0 || dims.Cols > 0 {
		m.rec.InitialTerm.Dims = policy.ClampDims(dims, m.rec.InitialTerm.Dims)
	}
}

// tryOpenShell opens the shell once geometry is known; otherwise the
// session stays in Connecting until the client sends it.
func (m *Machine) tryOpenShell() {
	if m.rec.State != StateConnecting || m.conn == nil {
		return
	}
	dims := m.rec.InitialTerm.Dims
	if dims.Rows <= 0 || dims.Cols <= 0 {
		return
	}
	term := m.rec.InitialTerm.Term
	if term == "" {
		term = m.settings.DefaultTerm
	}

	env := make(map[string]string, len(m.settings.Env)+1)
	env["TERM"] = term
	for k, v := range m.settings.Env {
		env[k] = v
	}

	spec := sshconn.ShellSpec{Term: term, Rows: dims.Rows, Cols: dims.Cols, Env: env}
	conn := m.conn
	go func() {
		stream, err := conn.Shell(spec)
		m.post(func() { m.shellDone(stream, err) })
	}()
}

// shellDone applies the shell-open outcome.
func (m *Machine) shellDone(stream sshconn.Stream, err error) {
	if m.rec.State != StateConnecting {
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("shell open failed")
		m.emitter.EmitSSHError(sshconn.MsgShellOpenFailed)
		m.shutdown("shell_failed")
		return
	}

	m.stream = stream
	m.rec.State = StateShellReady
	m.rec.LiveTerm = m.rec.InitialTerm.Dims

	if m.settings.HeaderText != "" {
		m.emitter.EmitUpdateUI("header", m.settings.HeaderText)
	}
	if m.settings.HeaderBackground != "" {
		m.emitter.EmitUpdateUI("headerBackground", m.settings.HeaderBackground)
	}
	m.emitter.EmitUpdateUI("status", "Connected")
	m.emitter.EmitUpdateUI("footer", fmt.Sprintf("ssh://%s@%s:%d",
		m.rec.Username, credentials.SanitizeHost(m.rec.TargetHost), m.rec.TargetPort))

	m.audit(logsink.Entry{Event: "session.connect", Message: "shell ready",
		Status: logsink.StatusSuccess})

	go m.readLoop(stream)
}

// readLoop pumps SSH output into the session queue so emission order
// matches arrival order.
func (m *Machine) readLoop(stream sshconn.Stream) {
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.post(func() {
				if m.rec.State != StateShellReady {
					return
				}
				m.rec.BytesToClient += int64(len(chunk))
				if m.collector != nil {
					m.collector.BytesRelayed.WithLabelValues("ssh_to_client").Add(float64(len(chunk)))
				}
				m.emitter.EmitData(chunk)
			})
		}
		if err != nil {
			readErr := err
			m.post(func() { m.sshClosed(readErr) })
			return
		}
	}
}

// sshClosed handles the SSH side going away while the shell is up.
func (m *Machine) sshClosed(err error) {
	if m.rec.State != StateShellReady {
		return
	}
	if err != nil && !errors.Is(err, io.EOF) {
		m.emitter.EmitSSHError(fmt.Sprintf("SSH connection closed: %s:%d",
			m.rec.TargetHost, m.rec.TargetPort))
		m.shutdown("ssh_error")
		return
	}
	m.emitter.EmitUpdateUI("status", "Disconnected")
	m.shutdown("ssh_closed")
}

// applyResize clamps against the live geometry and pushes a window
// change only when something actually changed.
func (m *Machine) applyResize(dims policy.Dims) {
	next := policy.ClampDims(dims, m.rec.LiveTerm)
	if next == m.rec.LiveTerm {
		return
	}
	if m.stream != nil {
		if err := m.stream.Resize(next.Rows, next.Cols); err != nil {
			m.log.Debug().Err(err).Msg("window change failed")
			return
		}
	}
	m.rec.LiveTerm = next
}

// replayCredentials writes the stored password plus CR to the shell,
// on explicit client request and only when permitted.
func (m *Machine) replayCredentials() {
	if !m.settings.Options.AllowReplay {
		m.log.Warn().Msg("credential replay denied by options")
		return
	}
	if m.rec.State != StateShellReady || m.stream == nil || m.rec.StoredReplayPassword == "" {
		return
	}
	n, err := m.stream.Write([]byte(m.rec.StoredReplayPassword + "\r"))
	m.rec.BytesToSSH += int64(n)
	if err != nil {
		m.sshClosed(err)
	}
}

// reauth tears down the SSH side and re-enters AwaitingAuth without
// closing the socket.
func (m *Machine) reauth() {
	if !m.settings.Options.AllowReauth {
		m.log.Warn().Msg("reauth denied by options")
		return
	}
	if m.rec.State != StateShellReady {
		return
	}
	m.teardownSSH()
	m.rec.State = StateAwaitingAuth
	m.rec.AuthAttempts = 0
	m.rec.AuthMethodInEffect = ""
	m.rec.RequestedKeyboardInteractive = false
	m.emitter.EmitUpdateUI("status", "Reauthenticating")
	m.emitter.EmitAuthRequest()
}

// ─── Teardown ────────────────────────────────────────────────────────

func (m *Machine) teardownSSH() {
	if m.stream != nil {
		_ = m.stream.Close()
		m.stream = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.rec.ConnectionID = ""
}

// shutdown moves the session through Closing to Closed exactly once.
func (m *Machine) shutdown(outcome string) {
	if m.rec.State == StateClosing || m.rec.State == StateClosed {
		return
	}
	m.rec.State = StateClosing
	m.outcome = outcome

	// Cancel a pending keyboard-interactive wait.
	if m.pendingKI != nil {
		close(m.pendingKI)
		m.pendingKI = nil
	}

	m.teardownSSH()
	m.emitter.Close()

	m.rec.State = StateClosed
	close(m.done)
	if m.cancel != nil {
		m.cancel()
	}

	if m.collector != nil {
		m.collector.ActiveSessions.Dec()
		m.collector.SessionsTotal.WithLabelValues(outcome).Inc()
	}
	m.audit(logsink.Entry{Event: "session.close", Message: "session closed",
		Status: logsink.StatusSuccess, Reason: outcome,
		Data: map[string]any{
			"bytes_to_client": m.rec.BytesToClient,
			"bytes_to_ssh":    m.rec.BytesToSSH,
			"duration_ms":     time.Since(m.rec.CreatedAt).Milliseconds(),
		}})
	m.log.Info().Str("outcome", outcome).Msg("session closed")
}

// audit writes through the sink when one is attached, decorating the
// entry with session context.
func (m *Machine) audit(e logsink.Entry) {
	if m.sink == nil || !m.sink.AutoLog() {
		return
	}
	if e.Context == nil {
		e.Context = map[string]string{}
	}
	e.Context["session_id"] = m.rec.ID
	if m.rec.TargetHost != "" {
		e.Context["target"] = fmt.Sprintf("%s:%d", m.rec.TargetHost, m.rec.TargetPort)
	}
	if m.rec.Username != "" {
		e.Context["username"] = m.rec.Username
	}
	m.sink.Write(e)
}

// prompterFunc adapts a function to the sshconn.Prompter interface.
type prompterFunc func(ctx context.Context, set sshconn.PromptSet) ([]string, error)

func (f prompterFunc) PromptKeyboardInteractive(ctx context.Context, set sshconn.PromptSet) ([]string, error) {
	return f(ctx, set)
}
