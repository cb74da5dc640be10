package sshconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/websoft9/webssh/internal/credentials"
	"github.com/websoft9/webssh/internal/policy"
)

// Params is the connection tuning shared by every session, taken from
// the process config.
type Params struct {
	ReadyTimeout      time.Duration
	KeepaliveInterval time.Duration
	KeepaliveCountMax int

	// AlwaysForwardPrompts forwards every keyboard-interactive prompt
	// set to the client even when a stored password could answer it.
	AlwaysForwardPrompts bool

	// Allowed is the auth method allow-list already vetted by policy.
	Allowed policy.Allowed

	// Algorithm pinning; empty slices keep the x/crypto defaults.
	Kex            []string
	Ciphers        []string
	HostKeyAlgos   []string
	KnownHostsPath string
}

// Dialer establishes authenticated SSH connections. One Dialer per
// process; it holds no per-session state.
type Dialer struct {
	params Params
	log    zerolog.Logger
}

// NewDialer returns a Dialer with the given tuning.
func NewDialer(params Params, log zerolog.Logger) *Dialer {
	if params.ReadyTimeout <= 0 {
		params.ReadyTimeout = 20 * time.Second
	}
	if params.KeepaliveInterval <= 0 {
		params.KeepaliveInterval = 120 * time.Second
	}
	if params.KeepaliveCountMax <= 0 {
		params.KeepaliveCountMax = 10
	}
	return &Dialer{params: params, log: log}
}

// attempt is one discrete authentication try: a single method, its own
// handshake, its own slot in the attempt budget.
type attempt struct {
	method policy.AuthMethod
	auth   cryptossh.AuthMethod
}

// Connect dials the bundle's target trying each permitted method in
// order: public key, then password, then keyboard-interactive. Each
// authentication-class failure consumes one unit of budget; network
// failures abort immediately without consuming any.
func (d *Dialer) Connect(ctx context.Context, bundle credentials.Bundle, budget int, cb Callbacks) (Conn, int, error) {
	attempts, err := d.buildAttempts(bundle, cb)
	if err != nil {
		return nil, 0, err
	}
	if len(attempts) == 0 {
		return nil, 0, ErrNoAuthMethod
	}

	hostKeyCB, err := d.hostKeyCallback()
	if err != nil {
		return nil, 0, err
	}

	addr := net.JoinHostPort(bundle.Host, strconv.Itoa(bundle.Port))
	used := 0
	var lastErr error

	for _, at := range attempts {
		if used >= budget {
			break
		}

		clientCfg := &cryptossh.ClientConfig{
			User:            bundle.Username,
			Auth:            []cryptossh.AuthMethod{at.auth},
			HostKeyCallback: hostKeyCB,
			Timeout:         d.params.ReadyTimeout,
			Config: cryptossh.Config{
				KeyExchanges: d.params.Kex,
				Ciphers:      d.params.Ciphers,
			},
			HostKeyAlgorithms: d.params.HostKeyAlgos,
		}
		if cb.OnBanner != nil {
			clientCfg.BannerCallback = func(message string) error {
				cb.OnBanner(message)
				return nil
			}
		}

		client, dialErr := d.dial(ctx, addr, clientCfg)
		if cb.OnAuthAttempt != nil {
			cb.OnAuthAttempt(at.method, dialErr)
		}
		if dialErr == nil {
			conn := newConn(client, at.method, d.params, d.log.With().
				Str("host", bundle.Host).Int("port", bundle.Port).Logger())
			return conn, used, nil
		}

		kind := Classify(dialErr)
		cerr := &ConnectError{Kind: kind, Host: bundle.Host, Port: bundle.Port, Err: dialErr}
		switch kind {
		case KindAuth:
			used++
			lastErr = cerr
			d.log.Debug().Str("method", string(at.method)).Err(dialErr).
				Msg("authentication attempt failed")
			continue
		case KindNetwork:
			return nil, used, cerr
		default:
			return nil, used, cerr
		}
	}

	if lastErr != nil {
		return nil, used, fmt.Errorf("%w: %w", ErrAuthExhausted, lastErr)
	}
	return nil, used, ErrAuthExhausted
}

// buildAttempts assembles the ordered attempt list the allow-list
// permits for this bundle. Key material problems surface here, before
// any network traffic and without consuming budget.
func (d *Dialer) buildAttempts(bundle credentials.Bundle, cb Callbacks) ([]attempt, error) {
	var out []attempt

	if bundle.HasKey() && d.params.Allowed.Contains(policy.MethodPublicKey) {
		if !credentials.ValidatePrivateKeyShape(bundle.PrivateKey) {
			return nil, ErrInvalidKey
		}
		if bundle.KeyIsEncrypted() && bundle.Passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		var signer cryptossh.Signer
		var err error
		if bundle.Passphrase != "" {
			signer, err = cryptossh.ParsePrivateKeyWithPassphrase([]byte(bundle.PrivateKey), []byte(bundle.Passphrase))
		} else {
			signer, err = cryptossh.ParsePrivateKey([]byte(bundle.PrivateKey))
		}
		if err != nil {
			if _, missing := err.(*cryptossh.PassphraseMissingError); missing {
				return nil, ErrPassphraseRequired
			}
			return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		out = append(out, attempt{policy.MethodPublicKey, cryptossh.PublicKeys(signer)})
	}

	if bundle.HasPassword() && d.params.Allowed.Contains(policy.MethodPassword) {
		out = append(out, attempt{policy.MethodPassword, cryptossh.Password(bundle.Password)})
	}

	if d.params.Allowed.Contains(policy.MethodKeyboardInteractive) {
		out = append(out, attempt{
			policy.MethodKeyboardInteractive,
			cryptossh.KeyboardInteractive(d.keyboardInteractive(bundle, cb)),
		})
	}

	return out, nil
}

// keyboardInteractive builds the challenge handler for one bundle.
// Prompts that look like password prompts are answered locally from the
// bundle; anything else (or everything, when configured) is forwarded
// to the client as one set and answered from a single response list.
func (d *Dialer) keyboardInteractive(bundle credentials.Bundle, cb Callbacks) cryptossh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		if len(questions) == 0 {
			return nil, nil
		}

		forward := d.params.AlwaysForwardPrompts
		answers := make([]string, len(questions))
		if !forward {
			for i, q := range questions {
				if strings.Contains(strings.ToLower(q), "password") && bundle.HasPassword() {
					answers[i] = bundle.Password
					continue
				}
				forward = true
				break
			}
		}
		if !forward {
			return answers, nil
		}

		if cb.Prompter == nil {
			return nil, fmt.Errorf("sshconn: no prompter for keyboard-interactive challenge")
		}
		set := PromptSet{Name: name, Instruction: instruction, Prompts: make([]Prompt, len(questions))}
		for i, q := range questions {
			set.Prompts[i] = Prompt{Prompt: q, Echo: echos[i]}
		}
		replies, err := cb.Prompter.PromptKeyboardInteractive(context.Background(), set)
		if err != nil {
			return nil, err
		}
		if len(replies) != len(questions) {
			return nil, fmt.Errorf("sshconn: expected %d answers, got %d", len(questions), len(replies))
		}
		return replies, nil
	}
}

// dial runs the blocking handshake in a goroutine so the context's
// ready timeout is honored.
func (d *Dialer) dial(ctx context.Context, addr string, cfg *cryptossh.ClientConfig) (*cryptossh.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.params.ReadyTimeout)
	defer cancel()

	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		cl, err := cryptossh.Dial("tcp", addr, cfg)
		ch <- dialResult{cl, err}
	}()

	select {
	case <-dialCtx.Done():
		// Late success is reaped to avoid a leaked connection.
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, fmt.Errorf("ssh: dial %s: %w", addr, dialCtx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ssh: dial %s: %w", addr, r.err)
		}
		return r.client, nil
	}
}

// hostKeyCallback uses known_hosts when configured, otherwise skips
// verification (the gateway is the SSH client here and target hosts are
// user-chosen).
func (d *Dialer) hostKeyCallback() (cryptossh.HostKeyCallback, error) {
	if d.params.KnownHostsPath == "" {
		return cryptossh.InsecureIgnoreHostKey(), nil //nolint:gosec
	}
	cb, err := knownhosts.New(d.params.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("ssh: load known_hosts: %w", err)
	}
	return cb, nil
}

// sshConn wraps an authenticated client connection. Exactly one shell
// may be opened on it; Close is idempotent.
type sshConn struct {
	client  *cryptossh.Client
	method  policy.AuthMethod
	params  Params
	log     zerolog.Logger
	closed  chan struct{}
	closeMu sync.Once
}

func newConn(client *cryptossh.Client, method policy.AuthMethod, params Params, log zerolog.Logger) *sshConn {
	c := &sshConn{
		client: client,
		method: method,
		params: params,
		log:    log,
		closed: make(chan struct{}),
	}
	go c.keepalive()
	return c
}

func (c *sshConn) AuthMethod() policy.AuthMethod { return c.method }

// keepalive pings the server on the configured cadence and closes the
// connection after KeepaliveCountMax consecutive misses. The resulting
// stream read error is how the session learns about the loss.
func (c *sshConn) keepalive() {
	ticker := time.NewTicker(c.params.KeepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				missed++
				if missed >= c.params.KeepaliveCountMax {
					c.log.Warn().Int("missed", missed).Msg("keepalive exhausted, closing connection")
					_ = c.Close()
					return
				}
				continue
			}
			missed = 0
		}
	}
}

func (c *sshConn) Shell(spec ShellSpec) (Stream, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh: new session: %w", err)
	}

	for k, v := range spec.Env {
		// Rejected env vars (server AcceptEnv) are not fatal.
		_ = sess.Setenv(k, v)
	}

	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(spec.Term, spec.Rows, spec.Cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: stdout pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: start login shell: %w", err)
	}

	return &sshStream{conn: c, session: sess, stdin: stdin, stdout: stdout}, nil
}

func (c *sshConn) Close() error {
	var err error
	c.closeMu.Do(func() {
		close(c.closed)
		err = c.client.Close()
	})
	return err
}

// sshStream bridges the shell channel. The write mutex serializes
// stdin writes and window changes from the session goroutine and the
// replay path.
type sshStream struct {
	conn    *sshConn
	session *cryptossh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	mu      sync.Mutex
	closed  sync.Once
}

func (s *sshStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.Write(p)
}

func (s *sshStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *sshStream) Resize(rows, cols int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.WindowChange(rows, cols)
}

func (s *sshStream) Close() error {
	var err error
	s.closed.Do(func() {
		_ = s.stdin.Close()
		_ = s.session.Close()
		err = s.conn.Close()
	})
	return err
}

// ensure interface compliance
var (
	_ Connector = (*Dialer)(nil)
	_ Conn      = (*sshConn)(nil)
	_ Stream    = (*sshStream)(nil)
)
