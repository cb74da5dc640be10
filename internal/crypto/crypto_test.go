package crypto_test

import (
	"strings"
	"testing"

	"github.com/websoft9/webssh/internal/crypto"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := crypto.NewBox("session-secret")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	tests := []string{
		"",
		"hunter2",
		"a longer secret value with special chars: !@#$%^&*()",
		"中文密码测试",
		strings.Repeat("x", 10000),
	}

	for _, plaintext := range tests {
		sealed, err := box.Seal([]byte(plaintext))
		if err != nil {
			t.Fatalf("Seal(%q) error: %v", plaintext, err)
		}
		if sealed == "" {
			t.Fatal("sealed result is empty")
		}
		if sealed == plaintext {
			t.Error("sealed should differ from plaintext")
		}
		opened, err := box.Open(sealed)
		if err != nil {
			t.Fatalf("Open error: %v", err)
		}
		if string(opened) != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
		}
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	a, _ := crypto.NewBox("secret-a")
	b, _ := crypto.NewBox("secret-b")

	sealed, err := a.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Fatal("expected decryption failure with a different secret")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	box, _ := crypto.NewBox("secret")
	if _, err := box.Open("not-hex"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if _, err := box.Open("abcd"); err == nil {
		t.Fatal("expected error for too-short ciphertext")
	}
}
