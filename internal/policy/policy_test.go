package policy

import (
	"strings"
	"testing"

	"github.com/websoft9/webssh/internal/credentials"
)

func TestEvaluate_AllAllowed(t *testing.T) {
	allowed := Allowed(DefaultAllowedMethods())
	ctx := EvalContext{Bundle: credentials.Bundle{Password: "p", PrivateKey: "k"}}
	if v := Evaluate(allowed, ctx); v != nil {
		t.Fatalf("unexpected violation: %+v", v)
	}
}

func TestEvaluate_KeyboardInteractiveRequested(t *testing.T) {
	allowed := Allowed{MethodPassword, MethodPublicKey}
	ctx := EvalContext{RequestedKeyboardInteractive: true}
	v := Evaluate(allowed, ctx)
	if v == nil || v.Method != MethodKeyboardInteractive {
		t.Fatalf("got %+v, want keyboard-interactive violation", v)
	}
}

func TestEvaluate_KeyNotAllowed(t *testing.T) {
	allowed := Allowed{MethodPassword}
	ctx := EvalContext{Bundle: credentials.Bundle{PrivateKey: "k"}}
	v := Evaluate(allowed, ctx)
	if v == nil || v.Method != MethodPublicKey {
		t.Fatalf("got %+v, want publickey violation", v)
	}
}

func TestEvaluate_PasswordUnusable(t *testing.T) {
	// Password present, but neither password nor keyboard-interactive
	// allowed: there is no way to use it.
	allowed := Allowed{MethodPublicKey}
	ctx := EvalContext{Bundle: credentials.Bundle{Password: "p"}}
	v := Evaluate(allowed, ctx)
	if v == nil || v.Method != MethodPassword {
		t.Fatalf("got %+v, want password violation", v)
	}
}

func TestEvaluate_PasswordViaKeyboardInteractive(t *testing.T) {
	// Password can still flow through keyboard-interactive prompts.
	allowed := Allowed{MethodKeyboardInteractive}
	ctx := EvalContext{Bundle: credentials.Bundle{Password: "p"}}
	if v := Evaluate(allowed, ctx); v != nil {
		t.Fatalf("unexpected violation: %+v", v)
	}
}

func TestParseMethod(t *testing.T) {
	if m, ok := ParseMethod(" Password "); !ok || m != MethodPassword {
		t.Errorf("ParseMethod(Password) = %v %v", m, ok)
	}
	if _, ok := ParseMethod("hostbased"); ok {
		t.Error("unknown method accepted")
	}
}

func TestClampDims(t *testing.T) {
	prev := Dims{Rows: 40, Cols: 120}
	cases := []struct {
		in, want Dims
	}{
		{Dims{Rows: 24, Cols: 80}, Dims{Rows: 24, Cols: 80}},
		{Dims{Rows: 0, Cols: 80}, Dims{Rows: 40, Cols: 80}},
		{Dims{Rows: -3, Cols: 0}, Dims{Rows: 40, Cols: 120}},
		{Dims{Rows: 100000, Cols: 80}, Dims{Rows: MaxDim, Cols: 80}},
	}
	for _, tc := range cases {
		got := ClampDims(tc.in, prev)
		if got != tc.want {
			t.Errorf("ClampDims(%+v) = %+v, want %+v", tc.in, got, tc.want)
		}
		// Idempotence.
		if again := ClampDims(got, prev); again != got {
			t.Errorf("not idempotent: %+v -> %+v", got, again)
		}
	}
}

func TestClampDims_NoHistory(t *testing.T) {
	got := ClampDims(Dims{}, Dims{})
	if got != DefaultDims() {
		t.Fatalf("got %+v, want defaults", got)
	}
}

func TestValidateEnv(t *testing.T) {
	in := map[string]string{
		"LANG":      "en_US.UTF-8",
		"bad-key":   "x",
		"EVIL":      "rm;rm",
		"BACKTICK":  "`id`",
		"TOO_LONG":  strings.Repeat("v", MaxEnvValueLen+1),
		"EDITOR":    "vim",
		"DOLLAR":    "$HOME",
	}
	out, err := ValidateEnv(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := out["LANG"]; !ok {
		t.Error("LANG dropped")
	}
	if _, ok := out["EDITOR"]; !ok {
		t.Error("EDITOR dropped")
	}
	for _, k := range []string{"bad-key", "EVIL", "BACKTICK", "TOO_LONG", "DOLLAR"} {
		if _, ok := out[k]; ok {
			t.Errorf("%s should have been dropped", k)
		}
	}
}

func TestValidateEnv_TooMany(t *testing.T) {
	in := make(map[string]string, MaxEnvPairs+1)
	for i := 0; i <= MaxEnvPairs; i++ {
		in["K"+strings.Repeat("A", i%20)+string(rune('A'+i%26))] = "v"
	}
	if len(in) <= MaxEnvPairs {
		t.Skip("collision kept map under budget")
	}
	if _, err := ValidateEnv(in); err == nil {
		t.Fatal("expected ErrTooManyEnvPairs")
	}
}

func TestParseEnvParam(t *testing.T) {
	out, err := ParseEnvParam("LANG:C,FOO:bar baz,drop")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["LANG"] != "C" || out["FOO"] != "bar baz" {
		t.Fatalf("unexpected result: %v", out)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 pairs, got %v", out)
	}
}
