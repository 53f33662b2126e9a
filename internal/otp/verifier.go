// verifier.go - One-time verification codes for two-factor login.
//
// Codes are six digits, stored only as an HMAC, valid for a short window and
// a bounded number of attempts. Issuing is rate limited per owner over a
// trailing window, and a new code always supersedes the owner's pending one.
package otp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"dcss-portal/internal/apperr"
	"dcss-portal/internal/logging"
)

var (
	ErrRateLimited   = apperr.New(apperr.RateLimited, "too many verification codes requested, try again later")
	ErrNotFound      = apperr.New(apperr.NotFound, "no verification code found, request a new one")
	ErrExpired       = apperr.New(apperr.Gone, "verification code has expired, request a new one")
	ErrExhausted     = apperr.New(apperr.RateLimited, "too many failed attempts, request a new code")
	ErrInvalidCode   = apperr.New(apperr.Unauthorized, "invalid code")
	ErrInvalidFormat = apperr.New(apperr.Validation, "code must be 6 digits")
	ErrDispatch      = apperr.New(apperr.Internal, "failed to send verification code")
)

// InvalidCodeError reports a mismatched code and how many attempts are left.
type InvalidCodeError struct {
	Remaining int
}

func (e *InvalidCodeError) Error() string {
	noun := "attempts"
	if e.Remaining == 1 {
		noun = "attempt"
	}
	return fmt.Sprintf("invalid code, %d %s remaining", e.Remaining, noun)
}

func (e *InvalidCodeError) Kind() apperr.Kind { return apperr.Unauthorized }

func (e *InvalidCodeError) Is(target error) bool { return target == ErrInvalidCode }

// Store persists verification codes. Mutations are conditional on the record
// still being pending and return ErrNotFound when nothing matched.
type Store interface {
	CountSince(ctx context.Context, owner string, since time.Time) (int, error)
	InvalidatePending(ctx context.Context, owner string) error
	Insert(ctx context.Context, c *Code) error
	Delete(ctx context.Context, id string) error
	LatestPending(ctx context.Context, owner string) (*Code, error)
	IncrementAttempts(ctx context.Context, id string) (int, error)
	SetStatus(ctx context.Context, id string, from, to Status) error
}

// Dispatcher delivers a message to an SMS number or email address.
type Dispatcher interface {
	Send(ctx context.Context, destination, message string) error
}

// Policy caps how many codes an owner may request per window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Config carries the secret and thresholds. Zero values take defaults.
type Config struct {
	Secret      string
	Brand       string
	TTL         time.Duration
	MaxAttempts int
	Send        Policy
	Resend      Policy
}

func (c Config) withDefaults() Config {
	if c.Brand == "" {
		c.Brand = "DCSS Web Dev"
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Send.Limit <= 0 {
		c.Send.Limit = 3
	}
	if c.Send.Window <= 0 {
		c.Send.Window = 10 * time.Minute
	}
	if c.Resend.Limit <= 0 {
		c.Resend.Limit = 5
	}
	if c.Resend.Window <= 0 {
		c.Resend.Window = 10 * time.Minute
	}
	return c
}

// Issued describes a freshly dispatched code.
type Issued struct {
	ID          string
	Destination string
	ExpiresAt   time.Time
}

// Verifier issues and checks codes.
type Verifier struct {
	store      Store
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time
	random     io.Reader
	locks      ownerLocks
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithRandom overrides the randomness source for code generation.
func WithRandom(r io.Reader) Option {
	return func(v *Verifier) { v.random = r }
}

// NewVerifier builds a Verifier. The secret keys the stored code hashes.
func NewVerifier(store Store, dispatcher Dispatcher, cfg Config, opts ...Option) (*Verifier, error) {
	if store == nil || dispatcher == nil {
		return nil, errors.New("otp: store and dispatcher are required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("otp: secret is empty")
	}
	v := &Verifier{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		random:     rand.Reader,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Config returns the effective configuration.
func (v *Verifier) Config() Config { return v.cfg }

// IssueCode sends a code under the initial-send policy.
func (v *Verifier) IssueCode(ctx context.Context, owner, destination string) (Issued, error) {
	return v.issue(ctx, owner, destination, v.cfg.Send)
}

// ResendCode sends a code under the more generous resend policy.
func (v *Verifier) ResendCode(ctx context.Context, owner, destination string) (Issued, error) {
	return v.issue(ctx, owner, destination, v.cfg.Resend)
}

func (v *Verifier) issue(ctx context.Context, owner, destination string, p Policy) (Issued, error) {
	if owner == "" || destination == "" {
		return Issued{}, apperr.New(apperr.Validation, "owner and destination are required")
	}

	unlock := v.locks.lock(owner)
	defer unlock()

	now := v.now()
	n, err := v.store.CountSince(ctx, owner, now.Add(-p.Window))
	if err != nil {
		return Issued{}, fmt.Errorf("count recent codes: %w", err)
	}
	if n >= p.Limit {
		logging.Warn("otp_rate_limited", map[string]any{"owner": owner, "count": n, "limit": p.Limit})
		return Issued{}, ErrRateLimited
	}

	if err := v.store.InvalidatePending(ctx, owner); err != nil {
		return Issued{}, fmt.Errorf("invalidate pending codes: %w", err)
	}

	plain, err := v.generate()
	if err != nil {
		return Issued{}, fmt.Errorf("generate code: %w", err)
	}

	rec := &Code{
		ID:          uuid.NewString(),
		Owner:       owner,
		CodeHash:    v.hash(plain),
		Destination: destination,
		CreatedAt:   now,
		ExpiresAt:   now.Add(v.cfg.TTL),
		Status:      StatusPending,
	}
	if err := v.store.Insert(ctx, rec); err != nil {
		return Issued{}, fmt.Errorf("store code: %w", err)
	}

	if err := v.dispatcher.Send(ctx, destination, v.message(plain)); err != nil {
		// A code the user never received must not stay actionable.
		if derr := v.store.Delete(ctx, rec.ID); derr != nil {
			logging.Error("otp_cleanup_failed", map[string]any{"owner": owner, "code_id": rec.ID}, derr)
		}
		logging.Error("otp_dispatch_failed", map[string]any{"owner": owner}, err)
		return Issued{}, fmt.Errorf("%w: %w", ErrDispatch, err)
	}

	logging.Info("otp_code_sent", map[string]any{"owner": owner, "code_id": rec.ID})
	return Issued{ID: rec.ID, Destination: destination, ExpiresAt: rec.ExpiresAt}, nil
}

var codePattern = regexp.MustCompile(`^\d{6}$`)

// VerifyCode checks candidate against the owner's pending code. Success is
// reported once; the verified record is no longer pending afterwards.
func (v *Verifier) VerifyCode(ctx context.Context, owner, candidate string) (*Code, error) {
	if !codePattern.MatchString(candidate) {
		return nil, ErrInvalidFormat
	}

	unlock := v.locks.lock(owner)
	defer unlock()

	rec, err := v.store.LatestPending(ctx, owner)
	if err != nil {
		return nil, err
	}

	if v.now().After(rec.ExpiresAt) {
		v.expire(ctx, rec)
		return nil, ErrExpired
	}
	if rec.Attempts >= v.cfg.MaxAttempts {
		v.expire(ctx, rec)
		return nil, ErrExhausted
	}

	if !hmac.Equal([]byte(v.hash(candidate)), []byte(rec.CodeHash)) {
		attempts, err := v.store.IncrementAttempts(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		rec.Attempts = attempts
		if attempts >= v.cfg.MaxAttempts {
			v.expire(ctx, rec)
		}
		remaining := v.cfg.MaxAttempts - attempts
		if remaining < 0 {
			remaining = 0
		}
		return nil, &InvalidCodeError{Remaining: remaining}
	}

	if err := rec.transition(StatusVerified); err != nil {
		return nil, err
	}
	if err := v.store.SetStatus(ctx, rec.ID, StatusPending, StatusVerified); err != nil {
		return nil, err
	}
	return rec, nil
}

func (v *Verifier) expire(ctx context.Context, rec *Code) {
	if err := rec.transition(StatusExpired); err != nil {
		return
	}
	err := v.store.SetStatus(ctx, rec.ID, StatusPending, StatusExpired)
	if err != nil && !errors.Is(err, ErrNotFound) {
		logging.Error("otp_expire_failed", map[string]any{"code_id": rec.ID}, err)
	}
}

func (v *Verifier) generate() (string, error) {
	n, err := rand.Int(v.random, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func (v *Verifier) hash(code string) string {
	m := hmac.New(sha256.New, []byte(v.cfg.Secret))
	_, _ = m.Write([]byte(code))
	return hex.EncodeToString(m.Sum(nil))
}

func (v *Verifier) message(code string) string {
	return fmt.Sprintf("Your %s verification code is: %s\n\nThis code expires in %d minutes.\n\nIf you didn't request this, please ignore.",
		v.cfg.Brand, code, int(v.cfg.TTL/time.Minute))
}

// ownerLocks serializes issue and verify per owner within this process.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func (o *ownerLocks) lock(owner string) func() {
	o.mu.Lock()
	if o.locks == nil {
		o.locks = make(map[string]*ownerLock)
	}
	l, ok := o.locks[owner]
	if !ok {
		l = &ownerLock{}
		o.locks[owner] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, owner)
		}
		o.mu.Unlock()
	}
}
