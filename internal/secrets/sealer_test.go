package secrets

import (
	"errors"
	"strings"
	"testing"
)

func testSealer(t *testing.T, passphrase string, salt []byte) *AEADSealer {
	t.Helper()
	s, err := NewSealer(passphrase, salt)
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	return s
}

func TestSealOpen_RoundTrip(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	s := testSealer(t, "correct horse", salt)

	sealed, err := s.Seal("ya29.access-token")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if !IsSealed(sealed) {
		t.Errorf("sealed value %q lacks prefix", sealed)
	}
	if strings.Contains(sealed, "access-token") {
		t.Error("sealed value leaks plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if opened != "ya29.access-token" {
		t.Errorf("Open = %q, want original", opened)
	}
}

func TestSeal_NonceIsRandom(t *testing.T) {
	salt, _ := NewSalt()
	s := testSealer(t, "pass", salt)

	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	if a == b {
		t.Error("two seals of the same value should differ")
	}
}

func TestSeal_Empty(t *testing.T) {
	salt, _ := NewSalt()
	s := testSealer(t, "pass", salt)

	sealed, err := s.Seal("")
	if err != nil || sealed != "" {
		t.Errorf("Seal(\"\") = %q, %v; want empty", sealed, err)
	}
}

func TestOpen_WrongKey(t *testing.T) {
	salt, _ := NewSalt()
	sealed, _ := testSealer(t, "right", salt).Seal("secret")

	if _, err := testSealer(t, "wrong", salt).Open(sealed); err == nil {
		t.Error("Open with wrong key should fail")
	}
}

func TestOpen_PlaintextPassthrough(t *testing.T) {
	salt, _ := NewSalt()
	s := testSealer(t, "pass", salt)

	got, err := s.Open("legacy-plaintext")
	if err != nil || got != "legacy-plaintext" {
		t.Errorf("Open(plaintext) = %q, %v", got, err)
	}
}

func TestNewSealer_Validation(t *testing.T) {
	salt, _ := NewSalt()
	if _, err := NewSealer("", salt); err == nil {
		t.Error("empty passphrase should be rejected")
	}
	if _, err := NewSealer("pass", []byte("short")); err == nil {
		t.Error("short salt should be rejected")
	}
}

func TestPlain(t *testing.T) {
	var p Plain
	v, err := p.Seal("x")
	if err != nil || v != "x" {
		t.Errorf("Plain.Seal = %q, %v", v, err)
	}

	salt, _ := NewSalt()
	sealed, _ := testSealer(t, "pass", salt).Seal("x")
	if _, err := p.Open(sealed); !errors.Is(err, ErrNoKey) {
		t.Errorf("Plain.Open(sealed) error = %v, want ErrNoKey", err)
	}
}
