package secrets

import (
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	sealed, err := box.Seal("smtp-password-123")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !strings.HasPrefix(sealed, Prefix) {
		t.Fatalf("sealed value missing prefix: %q", sealed)
	}
	if strings.Contains(sealed, "smtp-password-123") {
		t.Fatal("sealed value leaks plaintext")
	}

	plain, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "smtp-password-123" {
		t.Fatalf("round trip mismatch: got %q", plain)
	}
}

func TestOpenPassesThroughCleartext(t *testing.T) {
	box, _ := NewBox("passphrase")

	plain, err := box.Open("not-sealed-value")
	if err != nil {
		t.Fatalf("Open(cleartext): %v", err)
	}
	if plain != "not-sealed-value" {
		t.Fatalf("cleartext should pass through, got %q", plain)
	}
}

func TestOpenWrongPassphraseFails(t *testing.T) {
	box1, _ := NewBox("passphrase-one")
	box2, _ := NewBox("passphrase-two")

	sealed, err := box1.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := box2.Open(sealed); err == nil {
		t.Fatal("expected decryption failure with wrong passphrase")
	}
}

func TestOpenMalformed(t *testing.T) {
	box, _ := NewBox("passphrase")

	cases := []string{
		Prefix + "not-base64!!!",
		Prefix + "dG9vc2hvcnQ=", // valid base64, too short for salt+nonce
		Prefix,
	}
	for _, c := range cases {
		if _, err := box.Open(c); err == nil {
			t.Errorf("Open(%q): expected error", c)
		}
	}
}

func TestSealProducesDistinctCiphertexts(t *testing.T) {
	box, _ := NewBox("passphrase")

	a, err := box.Seal("same-value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := box.Seal("same-value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if a == b {
		t.Fatal("two seals of the same value should differ (random salt/nonce)")
	}
}

func TestNewBoxEmptyPassphrase(t *testing.T) {
	if _, err := NewBox(""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestIsSealed(t *testing.T) {
	if !IsSealed(Prefix + "abc") {
		t.Error("prefixed value should report sealed")
	}
	if IsSealed("cleartext") {
		t.Error("cleartext should not report sealed")
	}
}
