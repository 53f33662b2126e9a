package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestCodec(t *testing.T, clock *fakeClock) *Codec {
	t.Helper()
	c, err := NewCodec("test-secret-with-enough-entropy", WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestIssueAndVerify(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCodec(t, clock)

	in := Claims{Subject: "u1", Extra: map[string]any{"email": "u1@example.com", "name": "User One"}}
	tok, exp, err := c.Issue(in, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if strings.Count(tok, ".") != 2 {
		t.Fatalf("expected three-part token, got %q", tok)
	}
	if !exp.Equal(clock.t.Add(time.Hour)) {
		t.Fatalf("exp = %v, want %v", exp, clock.t.Add(time.Hour))
	}

	got, err := c.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	want := Claims{
		Subject:   "u1",
		IssuedAt:  clock.t,
		ExpiresAt: clock.t.Add(time.Hour),
		Extra:     in.Extra,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("claims mismatch (-want +got):\n%s", diff)
	}
	if got.Get("email") != "u1@example.com" {
		t.Fatalf("Get(email) = %q", got.Get("email"))
	}
}

func TestVerifyExpiryBoundary(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{t: start}
	c := newTestCodec(t, clock)

	tok, _, err := c.Issue(Claims{Subject: "u1"}, 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tests := []struct {
		name    string
		at      time.Time
		wantErr error
	}{
		{"just issued", start, nil},
		{"one second before expiry", start.Add(10*time.Minute - time.Second), nil},
		{"exactly at expiry", start.Add(10 * time.Minute), ErrExpired},
		{"long after expiry", start.Add(48 * time.Hour), ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.t = tt.at
			_, err := c.Verify(tok)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIssueRoundsExpiryUp(t *testing.T) {
	start := time.Unix(1_700_000_000, 0).Add(300 * time.Millisecond)
	clock := &fakeClock{t: start}
	c := newTestCodec(t, clock)

	tok, exp, err := c.Issue(Claims{Subject: "u1"}, 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := time.Unix(1_700_000_600+1, 0); !exp.Equal(want) {
		t.Fatalf("exp = %v, want %v", exp, want)
	}

	tests := []struct {
		name    string
		at      time.Time
		wantErr error
	}{
		{"just before issued-at plus ttl", start.Add(10*time.Minute - time.Nanosecond), nil},
		{"at issued-at plus ttl", start.Add(10 * time.Minute), nil},
		{"at rounded expiry", exp, ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.t = tt.at
			if _, err := c.Verify(tok); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyTamperedSignature(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := newTestCodec(t, clock)

	tok, _, err := c.Issue(Claims{Subject: "u1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	parts := strings.Split(tok, ".")
	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("decode sig: %v", err)
	}

	for i := range sig {
		bad := append([]byte(nil), sig...)
		bad[i] ^= 0x01
		tampered := parts[0] + "." + parts[1] + "." + enc.EncodeToString(bad)
		if _, err := c.Verify(tampered); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("byte %d: err = %v, want ErrInvalidSignature", i, err)
		}
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	c := newTestCodec(t, &fakeClock{t: time.Now()})
	tok, _, _ := c.Issue(Claims{Subject: "u1"}, time.Hour)
	other, _, _ := c.Issue(Claims{Subject: "admin"}, time.Hour)

	p1 := strings.Split(tok, ".")
	p2 := strings.Split(other, ".")
	forged := p1[0] + "." + p2[1] + "." + p1[2]

	if _, err := c.Verify(forged); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	a := newTestCodec(t, clock)
	b, err := NewCodec("a-different-secret", WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	tok, _, _ := a.Issue(Claims{Subject: "u1"}, time.Hour)
	if _, err := b.Verify(tok); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	c := newTestCodec(t, &fakeClock{t: time.Now()})
	for _, tok := range []string{"", "abc", "a.b", "a..c", "a.b.c.d", "a.b.!!!"} {
		if _, err := c.Verify(tok); !errors.Is(err, ErrMalformed) {
			t.Errorf("Verify(%q) err = %v, want ErrMalformed", tok, err)
		}
	}
}

func TestNewCodecRequiresSecret(t *testing.T) {
	if _, err := NewCodec(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	c := newTestCodec(t, &fakeClock{t: time.Now()})
	if _, _, err := c.Issue(Claims{Subject: "u1"}, 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
	if _, _, err := c.Issue(Claims{}, time.Hour); err == nil {
		t.Fatal("expected error for empty subject")
	}
}
