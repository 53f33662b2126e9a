package auth

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		pw string
		ok bool
	}{
		{"abc12345", true},
		{"short1", false},
		{"onlyletters", false},
		{"1234567890", false},
		{string(make([]byte, 73)), false},
	}
	for _, tt := range tests {
		if err := validatePassword(tt.pw); (err == nil) != tt.ok {
			t.Errorf("validatePassword(%q) err = %v, want ok=%v", tt.pw, err, tt.ok)
		}
	}
}

func TestValidateEmailAndPhone(t *testing.T) {
	if err := validateEmail(normalizeEmail("  Jane.Doe@Example.COM ")); err != nil {
		t.Errorf("valid email rejected: %v", err)
	}
	if err := validateEmail("no-at-sign"); err == nil {
		t.Error("invalid email accepted")
	}
	if err := validatePhone("+15551234567"); err != nil {
		t.Errorf("valid phone rejected: %v", err)
	}
	for _, p := range []string{"5551234567", "+0555123456", "+1555"} {
		if err := validatePhone(p); err == nil {
			t.Errorf("validatePhone(%q) accepted", p)
		}
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	h, err := hashPassword("abc12345", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	if !checkPassword(h, "abc12345") {
		t.Error("correct password rejected")
	}
	if checkPassword(h, "abc12346") {
		t.Error("wrong password accepted")
	}
}

func TestMaskPhone(t *testing.T) {
	tests := map[string]string{
		"+15551234567":  "+1 (***) ***-4567",
		"5551234567":    "+1 (***) ***-4567",
		"+447700900123": "+4 (***) ***-0123",
		"12345":         "***-***-****",
		"":              "***-***-****",
	}
	for in, want := range tests {
		if got := MaskPhone(in); got != want {
			t.Errorf("MaskPhone(%q) = %q, want %q", in, got, want)
		}
	}
}
