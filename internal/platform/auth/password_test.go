package auth

import (
	"errors"
	"strings"
	"testing"
)

// cheap parameters keep the suite fast
func testHasher() *PasswordHasher {
	return NewPasswordHasher(&HashParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16})
}

func TestPasswordHasher_RoundTrip(t *testing.T) {
	h := testHasher()
	encoded, err := h.Hash("s3cret!")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Errorf("unexpected encoding %q", encoded)
	}
	if err := h.Verify(encoded, "s3cret!"); err != nil {
		t.Errorf("expected match, got %v", err)
	}
	if err := h.Verify(encoded, "wrong"); !errors.Is(err, ErrPasswordMismatch) {
		t.Errorf("expected ErrPasswordMismatch, got %v", err)
	}
}

func TestPasswordHasher_SaltsDiffer(t *testing.T) {
	h := testHasher()
	a, _ := h.Hash("same")
	b, _ := h.Hash("same")
	if a == b {
		t.Error("expected different encodings for the same password")
	}
}

func TestPasswordHasher_VerifyUsesEncodedParams(t *testing.T) {
	encoded, err := testHasher().Hash("pw123456")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := NewPasswordHasher(nil).Verify(encoded, "pw123456"); err != nil {
		t.Errorf("expected default hasher to verify cheap hash, got %v", err)
	}
}

func TestPasswordHasher_InvalidHash(t *testing.T) {
	h := testHasher()
	tests := []struct {
		name    string
		encoded string
		want    error
	}{
		{"empty", "", ErrInvalidHash},
		{"bcrypt", "$2a$10$abcdefghijklmnopqrstuv", ErrInvalidHash},
		{"bad version", "$argon2id$v=18$m=1024,t=1,p=1$c2FsdA$a2V5", ErrIncompatibleVersion},
		{"bad params", "$argon2id$v=19$m=x$c2FsdA$a2V5", ErrInvalidHash},
		{"bad salt", "$argon2id$v=19$m=1024,t=1,p=1$!!$a2V5", ErrInvalidHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.Verify(tt.encoded, "pw"); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGeneratePassword(t *testing.T) {
	pw, err := GeneratePassword(10)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(pw) != 10 {
		t.Errorf("expected length 10, got %d", len(pw))
	}
	other, _ := GeneratePassword(10)
	if pw == other {
		t.Error("expected two generated passwords to differ")
	}
	if def, _ := GeneratePassword(0); len(def) != 12 {
		t.Errorf("expected default length 12, got %d", len(def))
	}
}
