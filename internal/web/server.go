// Package web is the HTTP surface: the landing routes that collect
// HTTP-scoped credentials, the WebSocket endpoint that hands sockets to
// the session engine, and the health and metrics probes.
package web

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/websoft9/webssh/internal/authpipe"
	"github.com/websoft9/webssh/internal/config"
	"github.com/websoft9/webssh/internal/credentials"
	"github.com/websoft9/webssh/internal/gateway"
	"github.com/websoft9/webssh/internal/logsink"
	"github.com/websoft9/webssh/internal/metrics"
	"github.com/websoft9/webssh/internal/policy"
	"github.com/websoft9/webssh/internal/session"
	"github.com/websoft9/webssh/internal/sshconn"
)

//go:embed landing.html
var landingPage []byte

// SSO header triad honored by the landing routes.
const (
	headerSSOUsername = "x-apm-username"
	headerSSOPassword = "x-apm-password"
	headerSSOSession  = "x-apm-session"
)

type Server struct {
	cfg       *config.Config
	log       zerolog.Logger
	collector *metrics.Collector
	registry  *session.Registry
	sink      *logsink.Sink
	connector sshconn.Connector
	cookies   *CookieManager
	upgrader  websocket.Upgrader

	router     chi.Router
	httpServer *http.Server
}

func New(cfg *config.Config, log zerolog.Logger) (*Server, error) {
	cookies, err := NewCookieManager(cfg.Session)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		collector: metrics.New(),
		registry:  session.NewRegistry(cfg.Session.Timeout, log),
		sink:      logsink.New(log, cfg.Options.AutoLog),
		cookies:   cookies,
		connector: sshconn.NewDialer(sshconn.Params{
			ReadyTimeout:         cfg.SSH.ReadyTimeout,
			KeepaliveInterval:    cfg.SSH.KeepaliveInterval,
			KeepaliveCountMax:    cfg.SSH.KeepaliveCountMax,
			AlwaysForwardPrompts: cfg.SSH.AlwaysSendKeyboardInteractivePrompts,
			Allowed:              cfg.SSH.AllowedMethods(),
			Kex:                  cfg.SSH.Algorithms.Kex,
			Ciphers:              cfg.SSH.Algorithms.Cipher,
			HostKeyAlgos:         cfg.SSH.Algorithms.ServerHostKey,
			KnownHostsPath:       cfg.SSH.KnownHosts,
		}, log),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(cfg.HTTP.Origins, r.Header.Get("Origin"))
		},
	}

	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.HTTP.Origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", metrics.Health)
	r.Get("/readyz", metrics.Ready)
	r.Method(http.MethodGet, "/metrics", s.collector.Handler())

	r.Route("/ssh", func(r chi.Router) {
		r.Get("/", s.handleLanding)
		r.Get("/host/{host}", s.handleLanding)
		r.Get("/reauth", s.handleReauth)
		r.Get("/socket", s.handleSocket)
	})

	s.router = r
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until Shutdown. The idle janitor runs alongside.
func (s *Server) Start(ctx context.Context) error {
	go s.registry.Run(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.IP, s.cfg.Listen.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would kill long-lived sockets.
		IdleTimeout: 60 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("HTTP server listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleLanding collects the HTTP-scoped credential sources, seals them
// into the session cookie, and serves the terminal page.
func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	env, err := policy.ParseEnvParam(q.Get("env"))
	if err != nil {
		http.Error(w, "invalid env parameter", http.StatusBadRequest)
		return
	}

	payload := CookiePayload{
		Host:       chi.URLParam(r, "host"),
		Term:       credentials.SanitizeTerm(q.Get("sshterm")),
		Env:        env,
		HeaderText: q.Get("header"),
		HeaderBG:   q.Get("headerBackground"),
	}
	if p := q.Get("port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			http.Error(w, "invalid port parameter", http.StatusBadRequest)
			return
		}
		payload.Port = port
	}

	// SSO headers outrank HTTP Basic; both feed the same cookie.
	if u := r.Header.Get(headerSSOUsername); u != "" {
		payload.Username = u
		payload.Password = r.Header.Get(headerSSOPassword)
		payload.SSOSession = r.Header.Get(headerSSOSession)
		payload.FromSSO = true
	} else if u, pw, ok := r.BasicAuth(); ok {
		payload.Username = u
		payload.Password = pw
	}

	if err := s.cookies.Issue(w, payload); err != nil {
		s.log.Error().Err(err).Msg("failed to issue session cookie")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(landingPage)
}

// handleReauth clears the credential cookie and challenges for Basic
// auth again.
func (s *Server) handleReauth(w http.ResponseWriter, r *http.Request) {
	s.cookies.Clear(w)
	w.Header().Set("WWW-Authenticate", `Basic realm="WebSSH2"`)
	http.Error(w, "Authentication required", http.StatusUnauthorized)
}

// handleSocket upgrades the connection and hands it to a new session.
// The handler blocks for the socket's lifetime.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	payload, _ := s.cookies.Read(r)

	pipeline := authpipe.New()
	if payload.Username != "" || payload.Password != "" {
		src := authpipe.SourceHTTPBasic
		if payload.FromSSO {
			src = authpipe.SourceSSOHeaders
		}
		pipeline.Add(authpipe.Contribution{
			Source:   src,
			Username: payload.Username,
			Password: payload.Password,
		})
	}
	if payload.Port != 0 || payload.Host != "" {
		pipeline.Add(authpipe.Contribution{
			Source: authpipe.SourceURLParams,
			Host:   payload.Host,
			Port:   payload.Port,
		})
	}

	settings := session.Settings{
		Allowed: s.cfg.SSH.AllowedMethods(),
		Options: session.FeatureOptions{
			AllowReplay:    s.cfg.Options.AllowReplay,
			AllowReauth:    s.cfg.Options.AllowReauth,
			AllowReconnect: s.cfg.Options.AllowReconnect,
			AutoLog:        s.cfg.Options.AutoLog,
		},
		MaxAuthAttempts:  s.cfg.Session.MaxAuthAttempts,
		DefaultTerm:      s.cfg.SSH.Term,
		PinnedPort:       s.cfg.SSH.Port,
		Env:              payload.Env,
		HeaderText:       payload.HeaderText,
		HeaderBackground: payload.HeaderBG,
	}
	// A config-level host pin beats the landing route's.
	if s.cfg.SSH.Host != "" {
		settings.PinnedHost = s.cfg.SSH.Host
	} else {
		settings.PinnedHost = payload.Host
	}
	if payload.Term != "" {
		settings.DefaultTerm = payload.Term
	}
	if settings.HeaderText == "" {
		settings.HeaderText = s.cfg.Header.Text
	}
	if settings.HeaderBackground == "" {
		settings.HeaderBackground = s.cfg.Header.Background
	}

	var m *session.Machine
	gw := gateway.New(conn, nil, func() {
		if m != nil {
			s.registry.Touch(m.ID())
		}
	}, s.log)
	m = session.New(settings, pipeline, gw, s.connector, s.collector, s.sink, s.log)
	gw.Bind(m)

	s.registry.Register(m)
	defer s.registry.Unregister(m.ID())

	go m.Run(r.Context())
	gw.Run()

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn().Str("session_id", m.ID()).Msg("session close timed out")
	}
}

// originAllowed applies the http.origins allow-list to a websocket
// Origin header. Non-browser clients send no Origin and are accepted.
func originAllowed(origins []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
