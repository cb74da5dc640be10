package authpipe

import (
	"testing"

	"github.com/websoft9/webssh/internal/policy"
)

func TestMergePriority(t *testing.T) {
	p := New()
	p.Add(Contribution{Source: SourceSSOHeaders, Username: "sso-user", Password: "sso-pass"})
	p.Add(Contribution{Source: SourceHTTPBasic, Username: "basic-user", Password: "basic-pass", Host: "h", Port: 22})

	b := p.Merge()
	if b.Username != "sso-user" || b.Password != "sso-pass" {
		t.Fatalf("SSO headers should override HTTP Basic, got %q/%q", b.Username, b.Password)
	}
	if b.Host != "h" || b.Port != 22 {
		t.Fatalf("lower-priority fields should survive when unset above: %q:%d", b.Host, b.Port)
	}
}

func TestMergeOrderIndependent(t *testing.T) {
	a := New()
	a.Add(Contribution{Source: SourceHTTPBasic, Username: "basic"})
	a.Add(Contribution{Source: SourceSocketManual, Username: "manual"})

	b := New()
	b.Add(Contribution{Source: SourceSocketManual, Username: "manual"})
	b.Add(Contribution{Source: SourceHTTPBasic, Username: "basic"})

	if a.Merge() != b.Merge() {
		t.Fatal("merge depends on arrival order")
	}
	if a.Merge().Username != "manual" {
		t.Fatalf("manual input should win, got %q", a.Merge().Username)
	}
}

func TestSameSourceReplaces(t *testing.T) {
	p := New()
	p.Add(Contribution{Source: SourceSocketManual, Username: "first", Password: "a"})
	p.Add(Contribution{Source: SourceSocketManual, Username: "second"})

	b := p.Merge()
	if b.Username != "second" {
		t.Fatalf("got %q, want second", b.Username)
	}
	if b.Password != "" {
		t.Fatalf("replaced contribution should not leave stale fields, got %q", b.Password)
	}
}

func TestFirstMethod(t *testing.T) {
	p := New()
	if _, ok := p.FirstMethod(); ok {
		t.Fatal("empty pipeline should have no first method")
	}
	p.Add(Contribution{Source: SourceHTTPBasic, Password: "p"})
	if m, _ := p.FirstMethod(); m != policy.MethodPassword {
		t.Fatalf("got %v, want password", m)
	}
	p.Add(Contribution{Source: SourceSocketManual, PrivateKey: "k"})
	if m, _ := p.FirstMethod(); m != policy.MethodPublicKey {
		t.Fatalf("key should be tried before password, got %v", m)
	}
}

func TestNeedsClientAuth(t *testing.T) {
	p := New()
	if !p.NeedsClientAuth() {
		t.Fatal("empty pipeline must need client auth")
	}
	p.Add(Contribution{Source: SourceHTTPBasic, Username: "u", Password: "p", Host: "example.com", Port: 22})
	if p.NeedsClientAuth() {
		t.Fatal("complete bundle should not need client auth")
	}
}
