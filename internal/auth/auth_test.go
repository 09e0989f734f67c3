package auth

import "testing"

func TestVerifyDisabledAcceptsAnything(t *testing.T) {
	a := New(false, "secret")
	if !a.Verify("") {
		t.Fatal("disabled authenticator should accept any token, including empty")
	}
	if !a.Verify("wrong") {
		t.Fatal("disabled authenticator should accept any token")
	}
}

func TestVerifyEnabledRequiresMatch(t *testing.T) {
	a := New(true, "secret")
	if !a.Verify("secret") {
		t.Fatal("correct token should be accepted")
	}
	if a.Verify("wrong") {
		t.Fatal("incorrect token should be rejected")
	}
	if a.Verify("") {
		t.Fatal("empty token should be rejected when enabled")
	}
}

func TestEnabled(t *testing.T) {
	if (New(false, "x")).Enabled() {
		t.Fatal("expected Enabled() false")
	}
	if !(New(true, "x")).Enabled() {
		t.Fatal("expected Enabled() true")
	}
	var nilAuth *Authenticator
	if nilAuth.Enabled() {
		t.Fatal("nil authenticator should report disabled")
	}
}

func TestHashTokenIsDeterministicAndShort(t *testing.T) {
	h1 := HashToken("secret")
	h2 := HashToken("secret")
	if h1 != h2 {
		t.Fatal("HashToken should be deterministic")
	}
	if len(h1) != 16 {
		t.Fatalf("expected 16 hex chars (8 bytes), got %d", len(h1))
	}
	if HashToken("other") == h1 {
		t.Fatal("different tokens should hash differently")
	}
}
