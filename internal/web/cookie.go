package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/websoft9/webssh/internal/config"
	"github.com/websoft9/webssh/internal/crypto"
)

// CookiePayload is the HTTP-scoped session state bridging the landing
// page into the socket: inherited credentials plus the per-visit
// options the query string carried. It travels sealed inside a signed
// cookie, never as plain base64.
type CookiePayload struct {
	Username   string            `json:"username,omitempty"`
	Password   string            `json:"password,omitempty"`
	SSOSession string            `json:"ssoSession,omitempty"`
	Host       string            `json:"host,omitempty"`
	Port       int               `json:"port,omitempty"`
	Term       string            `json:"term,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	HeaderText string            `json:"headerText,omitempty"`
	HeaderBG   string            `json:"headerBackground,omitempty"`

	// FromSSO distinguishes the SSO header triad from HTTP Basic for
	// pipeline priority.
	FromSSO bool `json:"fromSso,omitempty"`
}

type sessionClaims struct {
	jwt.RegisteredClaims
	// Blob is the sealed CookiePayload.
	Blob string `json:"blob,omitempty"`
}

// CookieManager issues and reads the gateway's session cookie: a JWT
// signed with the session secret whose single claim is the sealed
// payload.
type CookieManager struct {
	name   string
	secret []byte
	ttl    time.Duration
	box    *crypto.Box
}

func NewCookieManager(cfg config.SessionConfig) (*CookieManager, error) {
	box, err := crypto.NewBox(cfg.Secret)
	if err != nil {
		return nil, err
	}
	return &CookieManager{
		name:   cfg.Name,
		secret: []byte(cfg.Secret),
		ttl:    cfg.Timeout,
		box:    box,
	}, nil
}

// Issue seals the payload and sets the cookie on w.
func (m *CookieManager) Issue(w http.ResponseWriter, p CookiePayload) error {
	plain, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("web: marshal session payload: %w", err)
	}
	blob, err := m.box.Seal(plain)
	if err != nil {
		return fmt.Errorf("web: seal session payload: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Blob: blob,
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return fmt.Errorf("web: sign session cookie: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    signed,
		Path:     "/ssh",
		MaxAge:   int(m.ttl / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Read returns the payload carried by the request's cookie. A missing,
// expired, or tampered cookie reads as absent.
func (m *CookieManager) Read(r *http.Request) (CookiePayload, bool) {
	c, err := r.Cookie(m.name)
	if err != nil {
		return CookiePayload{}, false
	}

	var claims sessionClaims
	token, err := jwt.ParseWithClaims(c.Value, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("web: unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid || claims.Blob == "" {
		return CookiePayload{}, false
	}

	plain, err := m.box.Open(claims.Blob)
	if err != nil {
		return CookiePayload{}, false
	}
	var p CookiePayload
	if err := json.Unmarshal(plain, &p); err != nil {
		return CookiePayload{}, false
	}
	return p, true
}

// Clear expires the cookie.
func (m *CookieManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    "",
		Path:     "/ssh",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
