package gateway

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/websoft9/webssh/internal/authpipe"
	"github.com/websoft9/webssh/internal/policy"
	"github.com/websoft9/webssh/internal/session"
	"github.com/websoft9/webssh/internal/sshconn"
)

type call struct {
	name string
	arg  any
}

type fakeSession struct {
	mu    sync.Mutex
	calls []call
}

func (s *fakeSession) record(name string, arg any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{name, arg})
}

func (s *fakeSession) HandleAuthenticate(c authpipe.Contribution, term string, dims policy.Dims) {
	s.record("authenticate", c)
}
func (s *fakeSession) HandleKeyboardInteractiveResponse(answers []string) {
	s.record("ki-response", answers)
}
func (s *fakeSession) HandleTerminal(term string, dims policy.Dims) {
	s.record("terminal", terminalPayload{Term: term, Rows: dims.Rows, Cols: dims.Cols})
}
func (s *fakeSession) HandleResize(dims policy.Dims) { s.record("resize", dims) }
func (s *fakeSession) HandleData(p []byte)           { s.record("data", string(p)) }
func (s *fakeSession) HandleControl(action string)   { s.record("control", action) }
func (s *fakeSession) HandleDisconnect()             { s.record("disconnect", nil) }
func (s *fakeSession) SocketClosed()                 { s.record("socket-closed", nil) }

func (s *fakeSession) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.name
	}
	return out
}

type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	in     chan []byte
	closed bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 8)}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	b, ok := <-s.in
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, b, nil
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *fakeSocket) SetReadDeadline(time.Time) error   { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error  { return nil }
func (s *fakeSocket) SetPongHandler(func(string) error) {}
func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) lastFrame(t *testing.T) outEnvelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		t.Fatal("no frames written")
	}
	var env struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(s.frames[len(s.frames)-1], &env); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return outEnvelope{Event: env.Event, Payload: env.Payload}
}

func newTestGateway() (*Gateway, *fakeSocket, *fakeSession) {
	sock := newFakeSocket()
	sess := &fakeSession{}
	return New(sock, sess, nil, zerolog.Nop()), sock, sess
}

func frame(event string, payload any) []byte {
	b, _ := json.Marshal(outEnvelope{Event: event, Payload: payload})
	return b
}

func TestDispatch_Authenticate(t *testing.T) {
	g, _, sess := newTestGateway()

	g.dispatch(frame("authenticate", map[string]any{
		"username": "u", "password": "pw", "host": "h", "port": 2022,
		"term": "xterm", "rows": 40, "cols": 100,
	}))

	if len(sess.calls) != 1 {
		t.Fatalf("calls = %v", sess.names())
	}
	c := sess.calls[0].arg.(authpipe.Contribution)
	if c.Source != authpipe.SourceSocketManual || c.Username != "u" ||
		c.Password != "pw" || c.Host != "h" || c.Port != 2022 {
		t.Fatalf("contribution = %+v", c)
	}
}

func TestDispatch_MalformedFrameIsDropped(t *testing.T) {
	g, _, sess := newTestGateway()

	g.dispatch([]byte("not json"))
	g.dispatch(frame("resize", "not an object"))
	g.dispatch(frame("unknown_event", nil))

	if len(sess.calls) != 0 {
		t.Fatalf("session should be untouched, got %v", sess.names())
	}
}

func TestDispatch_TerminalDeduplicates(t *testing.T) {
	g, _, sess := newTestGateway()

	p := map[string]any{"term": "xterm", "rows": 24, "cols": 80}
	g.dispatch(frame("terminal", p))
	g.dispatch(frame("terminal", p))
	g.dispatch(frame("terminal", map[string]any{"term": "xterm", "rows": 50, "cols": 80}))

	names := sess.names()
	if len(names) != 2 {
		t.Fatalf("want 2 terminal dispatches, got %v", names)
	}
}

func TestDispatch_ControlAndData(t *testing.T) {
	g, _, sess := newTestGateway()

	g.dispatch(frame("control", "replayCredentials"))
	g.dispatch(frame("data", "ls -la\r"))
	g.dispatch(frame("keyboard-interactive-response", []string{"123456"}))
	g.dispatch(frame("disconnect", nil))

	want := []string{"control", "data", "ki-response", "disconnect"}
	got := sess.names()
	if len(got) != len(want) {
		t.Fatalf("calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v", got)
		}
	}
	if sess.calls[1].arg != "ls -la\r" {
		t.Fatalf("data = %v", sess.calls[1].arg)
	}
}

func TestDispatch_CountsActivity(t *testing.T) {
	sock := newFakeSocket()
	sess := &fakeSession{}
	touches := 0
	g := New(sock, sess, func() { touches++ }, zerolog.Nop())

	g.dispatch(frame("data", "x"))
	g.dispatch(frame("resize", map[string]any{"rows": 1, "cols": 1}))
	g.dispatch([]byte("garbage"))

	if touches != 2 {
		t.Fatalf("touches = %d, want 2", touches)
	}
}

func TestEmit_WireShapes(t *testing.T) {
	g, sock, _ := newTestGateway()

	g.EmitAuthRequest()
	env := sock.lastFrame(t)
	if env.Event != "authentication" {
		t.Fatalf("event = %q", env.Event)
	}
	var a authAction
	if err := json.Unmarshal(env.Payload.(json.RawMessage), &a); err != nil {
		t.Fatal(err)
	}
	if a.Action != "request_auth" {
		t.Fatalf("action = %q", a.Action)
	}

	g.EmitAuthResult(false, "Invalid credentials")
	env = sock.lastFrame(t)
	if err := json.Unmarshal(env.Payload.(json.RawMessage), &a); err != nil {
		t.Fatal(err)
	}
	if a.Action != "auth_result" || a.Success == nil || *a.Success || a.Message != "Invalid credentials" {
		t.Fatalf("auth_result = %+v", a)
	}

	g.EmitKeyboardInteractive(sshconn.PromptSet{
		Name:        "otp",
		Instruction: "enter code",
		Prompts:     []sshconn.Prompt{{Prompt: "Code:", Echo: true}},
	})
	env = sock.lastFrame(t)
	if err := json.Unmarshal(env.Payload.(json.RawMessage), &a); err != nil {
		t.Fatal(err)
	}
	if a.Action != "keyboard-interactive" || len(a.Prompts) != 1 || a.Prompts[0].Prompt != "Code:" {
		t.Fatalf("keyboard-interactive = %+v", a)
	}

	g.EmitAuthFailure(policy.MethodPassword)
	env = sock.lastFrame(t)
	if env.Event != "ssh_auth_failure" {
		t.Fatalf("event = %q", env.Event)
	}
	var f authFailurePayload
	if err := json.Unmarshal(env.Payload.(json.RawMessage), &f); err != nil {
		t.Fatal(err)
	}
	if f.Error != "auth_method_disabled" || f.Method != "password" {
		t.Fatalf("failure = %+v", f)
	}

	g.EmitPermissions(session.Permissions{AllowReplay: true})
	env = sock.lastFrame(t)
	if env.Event != "permissions" {
		t.Fatalf("event = %q", env.Event)
	}

	g.EmitUpdateUI("status", "Connected")
	env = sock.lastFrame(t)
	var u updateUIPayload
	if err := json.Unmarshal(env.Payload.(json.RawMessage), &u); err != nil {
		t.Fatal(err)
	}
	if u.Element != "status" || u.Value != "Connected" {
		t.Fatalf("updateUI = %+v", u)
	}
}

func TestReadLoop_SocketDeathNotifiesSession(t *testing.T) {
	sock := newFakeSocket()
	sess := &fakeSession{}
	g := New(sock, sess, nil, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		g.readLoop()
		close(done)
	}()

	sock.in <- frame("data", "x")
	close(sock.in)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}

	names := sess.names()
	if len(names) != 2 || names[0] != "data" || names[1] != "socket-closed" {
		t.Fatalf("calls = %v", names)
	}
}

func TestClose_Idempotent(t *testing.T) {
	g, sock, _ := newTestGateway()
	g.Close()
	g.Close()
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if !sock.closed {
		t.Fatal("socket not closed")
	}
}
