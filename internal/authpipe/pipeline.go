// Package authpipe accumulates credential sources for one session in
// priority order and reports how authentication should begin: which SSH
// method to try first, and whether the client still has to be asked for
// anything.
//
// Sources form a small sum type with a fixed priority rather than a
// hierarchy: HTTP Basic < URL/POST params < SSO headers < manual input
// from the socket. A higher-priority source overrides field-by-field;
// the merge is deterministic regardless of arrival order.
package authpipe

import (
	"sort"
	"sync"

	"github.com/websoft9/webssh/internal/credentials"
	"github.com/websoft9/webssh/internal/policy"
)

// Source identifies where a partial credential contribution came from.
type Source int

const (
	SourceHTTPBasic Source = iota
	SourceURLParams
	SourceSSOHeaders
	SourceSocketManual
)

func (s Source) String() string {
	switch s {
	case SourceHTTPBasic:
		return "http-basic"
	case SourceURLParams:
		return "url-params"
	case SourceSSOHeaders:
		return "sso-headers"
	case SourceSocketManual:
		return "socket-manual"
	default:
		return "unknown"
	}
}

// Contribution is one source's partial view of the credentials. Empty
// fields contribute nothing.
type Contribution struct {
	Source     Source
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
	Host       string
	Port       int
}

// Pipeline collects contributions for a single session. Safe for use
// from the HTTP layer and the session goroutine; in practice all calls
// after the socket opens happen on the session's queue.
type Pipeline struct {
	mu            sync.Mutex
	contributions []Contribution
}

// New returns an empty pipeline.
func New() *Pipeline { return &Pipeline{} }

// Add records a contribution. A later contribution from the same source
// replaces the earlier one.
func (p *Pipeline) Add(c Contribution) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.contributions {
		if p.contributions[i].Source == c.Source {
			p.contributions[i] = c
			return
		}
	}
	p.contributions = append(p.contributions, c)
}

// Merge folds the contributions in priority order into a single bundle.
// Field-by-field: a higher-priority non-empty field wins.
func (p *Pipeline) Merge() credentials.Bundle {
	p.mu.Lock()
	defer p.mu.Unlock()

	ordered := make([]Contribution, len(p.contributions))
	copy(ordered, p.contributions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Source < ordered[j].Source
	})

	var b credentials.Bundle
	for _, c := range ordered {
		if c.Username != "" {
			b.Username = c.Username
		}
		if c.Password != "" {
			b.Password = c.Password
		}
		if c.PrivateKey != "" {
			b.PrivateKey = c.PrivateKey
		}
		if c.Passphrase != "" {
			b.Passphrase = c.Passphrase
		}
		if c.Host != "" {
			b.Host = c.Host
		}
		if c.Port != 0 {
			b.Port = c.Port
		}
	}
	return b
}

// FirstMethod reports the SSH method to try first for the merged bundle:
// key before password when both are present.
func (p *Pipeline) FirstMethod() (policy.AuthMethod, bool) {
	b := p.Merge()
	switch {
	case b.HasKey():
		return policy.MethodPublicKey, true
	case b.HasPassword():
		return policy.MethodPassword, true
	default:
		return "", false
	}
}

// NeedsClientAuth reports whether the socket must still request
// credentials from the client before a connection can be attempted.
func (p *Pipeline) NeedsClientAuth() bool {
	b := p.Merge()
	return b.Validate() != nil
}
