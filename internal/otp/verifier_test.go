package otp

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"dcss-portal/internal/apperr"
)

type memStore struct {
	mu    sync.Mutex
	codes map[string]*Code
	seq   int
	order map[string]int
}

func newMemStore() *memStore {
	return &memStore{codes: map[string]*Code{}, order: map[string]int{}}
}

func (s *memStore) CountSince(_ context.Context, owner string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.codes {
		if c.Owner == owner && !c.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) InvalidatePending(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes {
		if c.Owner == owner && c.Status == StatusPending {
			c.Status = StatusInvalidated
		}
	}
	return nil
}

func (s *memStore) Insert(_ context.Context, c *Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.codes[c.ID] = &cp
	s.seq++
	s.order[c.ID] = s.seq
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, id)
	return nil
}

func (s *memStore) LatestPending(_ context.Context, owner string) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*Code
	for _, c := range s.codes {
		if c.Owner == owner && c.Status == StatusPending {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(pending, func(i, j int) bool { return s.order[pending[i].ID] > s.order[pending[j].ID] })
	cp := *pending[0]
	return &cp, nil
}

func (s *memStore) IncrementAttempts(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok || c.Status != StatusPending {
		return 0, ErrNotFound
	}
	c.Attempts++
	return c.Attempts, nil
}

func (s *memStore) SetStatus(_ context.Context, id string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok || c.Status != from {
		return ErrNotFound
	}
	c.Status = to
	return nil
}

func (s *memStore) byStatus(owner string, st Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.codes {
		if c.Owner == owner && c.Status == st {
			n++
		}
	}
	return n
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (d *fakeDispatcher) Send(_ context.Context, _, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, message)
	return nil
}

var sixDigits = regexp.MustCompile(`\b\d{6}\b`)

func (d *fakeDispatcher) lastCode(t *testing.T) string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		t.Fatal("no message dispatched")
	}
	code := sixDigits.FindString(d.sent[len(d.sent)-1])
	if code == "" {
		t.Fatalf("no code in message %q", d.sent[len(d.sent)-1])
	}
	return code
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestVerifier(t *testing.T) (*Verifier, *memStore, *fakeDispatcher, *testClock) {
	t.Helper()
	store := newMemStore()
	disp := &fakeDispatcher{}
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	v, err := NewVerifier(store, disp, Config{Secret: "otp-secret"}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v, store, disp, clock
}

func wrongCode(code string) string {
	if code == "123456" {
		return "654321"
	}
	return "123456"
}

func TestIssueAndVerify(t *testing.T) {
	v, store, disp, clock := newTestVerifier(t)
	ctx := context.Background()

	issued, err := v.IssueCode(ctx, "u1", "+15551234567")
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	if want := clock.Now().Add(5 * time.Minute); !issued.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", issued.ExpiresAt, want)
	}

	code := disp.lastCode(t)
	for _, c := range store.codes {
		if c.CodeHash == code {
			t.Fatal("plaintext code stored")
		}
	}

	rec, err := v.VerifyCode(ctx, "u1", code)
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if rec.Status != StatusVerified {
		t.Fatalf("status = %s, want verified", rec.Status)
	}

	if _, err := v.VerifyCode(ctx, "u1", code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second verify err = %v, want ErrNotFound", err)
	}
}

func TestVerifyWithoutCode(t *testing.T) {
	v, _, _, _ := newTestVerifier(t)
	if _, err := v.VerifyCode(context.Background(), "nobody", "123456"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestVerifyRejectsBadFormat(t *testing.T) {
	v, _, _, _ := newTestVerifier(t)
	for _, c := range []string{"", "12345", "1234567", "12a456", " 123456"} {
		_, err := v.VerifyCode(context.Background(), "u1", c)
		if !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("VerifyCode(%q) err = %v, want ErrInvalidFormat", c, err)
		}
	}
}

func TestWrongAttemptsThenCorrectCode(t *testing.T) {
	v, store, disp, _ := newTestVerifier(t)
	ctx := context.Background()

	if _, err := v.IssueCode(ctx, "u1", "+15551234567"); err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	code := disp.lastCode(t)
	bad := wrongCode(code)

	for i, wantRemaining := range []int{2, 1, 0} {
		_, err := v.VerifyCode(ctx, "u1", bad)
		var ice *InvalidCodeError
		if !errors.As(err, &ice) {
			t.Fatalf("attempt %d: err = %v, want InvalidCodeError", i+1, err)
		}
		if ice.Remaining != wantRemaining {
			t.Fatalf("attempt %d: remaining = %d, want %d", i+1, ice.Remaining, wantRemaining)
		}
		if !errors.Is(err, ErrInvalidCode) || apperr.KindOf(err) != apperr.Unauthorized {
			t.Fatalf("attempt %d: wrong classification for %v", i+1, err)
		}
	}
	if got := apperr.Message(&InvalidCodeError{Remaining: 0}); got != "invalid code, 0 attempts remaining" {
		t.Fatalf("message = %q", got)
	}

	if _, err := v.VerifyCode(ctx, "u1", code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("correct code after exhaustion err = %v, want ErrNotFound", err)
	}
	if store.byStatus("u1", StatusExpired) != 1 {
		t.Fatal("expected exhausted code to be expired")
	}
}

func TestVerifyExhaustedRecord(t *testing.T) {
	v, store, disp, _ := newTestVerifier(t)
	ctx := context.Background()

	if _, err := v.IssueCode(ctx, "u1", "+15551234567"); err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	code := disp.lastCode(t)

	// A record that reached the cap without being closed, e.g. written by an
	// older instance, is still refused.
	for _, c := range store.codes {
		c.Attempts = 3
	}
	if _, err := v.VerifyCode(ctx, "u1", code); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if apperr.KindOf(ErrExhausted) != apperr.RateLimited {
		t.Fatal("exhausted should be rate limited")
	}
	if store.byStatus("u1", StatusExpired) != 1 {
		t.Fatal("expected record to move to expired")
	}
}

func TestVerifyExpiredCode(t *testing.T) {
	v, store, disp, clock := newTestVerifier(t)
	ctx := context.Background()

	if _, err := v.IssueCode(ctx, "u1", "+15551234567"); err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	code := disp.lastCode(t)

	clock.Advance(5*time.Minute + time.Second)
	_, err := v.VerifyCode(ctx, "u1", code)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if apperr.KindOf(err) != apperr.Gone {
		t.Fatalf("kind = %v, want Gone", apperr.KindOf(err))
	}
	if store.byStatus("u1", StatusExpired) != 1 {
		t.Fatal("expected record to move to expired")
	}
	if _, err := v.VerifyCode(ctx, "u1", code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestNewCodeInvalidatesOld(t *testing.T) {
	v, store, disp, _ := newTestVerifier(t)
	ctx := context.Background()

	if _, err := v.IssueCode(ctx, "u1", "+15551234567"); err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	first := disp.lastCode(t)
	if _, err := v.IssueCode(ctx, "u1", "+15551234567"); err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	second := disp.lastCode(t)

	if store.byStatus("u1", StatusPending) != 1 || store.byStatus("u1", StatusInvalidated) != 1 {
		t.Fatal("expected exactly one pending and one invalidated code")
	}

	if first != second {
		if _, err := v.VerifyCode(ctx, "u1", first); err == nil {
			t.Fatal("old code verified after a new one was issued")
		}
	}
	if _, err := v.VerifyCode(ctx, "u1", second); err != nil {
		t.Fatalf("new code: %v", err)
	}
}

func TestIssueRateLimits(t *testing.T) {
	tests := []struct {
		name  string
		issue func(v *Verifier) (Issued, error)
		limit int
	}{
		{"send", func(v *Verifier) (Issued, error) { return v.IssueCode(context.Background(), "u1", "+15551234567") }, 3},
		{"resend", func(v *Verifier) (Issued, error) { return v.ResendCode(context.Background(), "u1", "+15551234567") }, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, _, clock := newTestVerifier(t)
			for i := 0; i < tt.limit; i++ {
				if _, err := tt.issue(v); err != nil {
					t.Fatalf("issue %d: %v", i+1, err)
				}
				clock.Advance(time.Minute)
			}
			_, err := tt.issue(v)
			if !errors.Is(err, ErrRateLimited) {
				t.Fatalf("issue %d err = %v, want ErrRateLimited", tt.limit+1, err)
			}

			// The window trails: once the first request ages out, one more is allowed.
			clock.Advance(10*time.Minute - time.Duration(tt.limit)*time.Minute + time.Second)
			if _, err := tt.issue(v); err != nil {
				t.Fatalf("issue after window: %v", err)
			}
		})
	}
}

func TestDispatchFailureRemovesCode(t *testing.T) {
	v, store, disp, _ := newTestVerifier(t)
	disp.err = errors.New("twilio down")

	_, err := v.IssueCode(context.Background(), "u1", "+15551234567")
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("err = %v, want ErrDispatch", err)
	}
	if len(store.codes) != 0 {
		t.Fatalf("expected no stored codes, got %d", len(store.codes))
	}
	if _, err := v.VerifyCode(context.Background(), "u1", "123456"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentIssueLeavesOnePending(t *testing.T) {
	store := newMemStore()
	disp := &fakeDispatcher{}
	v, err := NewVerifier(store, disp, Config{Secret: "s", Send: Policy{Limit: 100, Window: time.Minute}})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.IssueCode(context.Background(), "u1", "+15551234567"); err != nil {
				t.Errorf("IssueCode: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := store.byStatus("u1", StatusPending); n != 1 {
		t.Fatalf("pending codes = %d, want 1", n)
	}
}

func TestGeneratedCodesInRange(t *testing.T) {
	v, _, _, _ := newTestVerifier(t)
	for i := 0; i < 500; i++ {
		c, err := v.generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !codePattern.MatchString(c) || c < "100000" || c > "999999" {
			t.Fatalf("code %q out of range", c)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	all := []Status{StatusPending, StatusVerified, StatusInvalidated, StatusExpired}
	for _, from := range all {
		for _, to := range all {
			want := from == StatusPending && to != StatusPending
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
	}
	if _, err := ParseStatus("bogus"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestNewVerifierValidation(t *testing.T) {
	if _, err := NewVerifier(newMemStore(), &fakeDispatcher{}, Config{}); err == nil {
		t.Fatal("expected error without secret")
	}
	if _, err := NewVerifier(nil, &fakeDispatcher{}, Config{Secret: "s"}); err == nil {
		t.Fatal("expected error without store")
	}
}
