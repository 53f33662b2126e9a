// service.go - Account registration, password login and the two-factor step.
//
// Login with two-factor enabled stops at a challenge: a code goes to the
// user's phone and no token is issued until VerifyTwoFactor succeeds, unless
// the device was trusted on an earlier verification.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dcss-portal/internal/apperr"
	"dcss-portal/internal/logging"
	"dcss-portal/internal/otp"
	"dcss-portal/internal/token"
)

// Activity log actions.
const (
	ActionRegister       = "REGISTER"
	ActionLogin          = "LOGIN"
	ActionCodeSent       = "2FA_CODE_SENT"
	ActionCodeVerified   = "2FA_VERIFIED"
	ActionUploadComplete = "UPLOAD_COMPLETE"
)

var (
	ErrEmailTaken         = apperr.New(apperr.Conflict, "an account with this email already exists")
	ErrUserNotFound       = apperr.New(apperr.NotFound, "user not found")
	ErrInvalidCredentials = apperr.New(apperr.Unauthorized, "invalid email or password")
	ErrLockedOut          = apperr.New(apperr.RateLimited, "too many failed login attempts, try again later")
	ErrTwoFactorDisabled  = apperr.New(apperr.Validation, "two-factor authentication is not enabled for this account")
)

// User is a registered account.
type User struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	Phone            string     `json:"phone,omitempty"`
	PasswordHash     string     `json:"-"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	CreatedAt        time.Time  `json:"created_at"`
	LastLogin        *time.Time `json:"last_login,omitempty"`
}

// UserStore persists accounts. CreateUser returns ErrEmailTaken on a
// duplicate email; lookups return ErrUserNotFound.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
	TouchLogin(ctx context.Context, id string, at time.Time) error
}

// DeviceStore remembers devices that may skip the two-factor step.
type DeviceStore interface {
	IsTrusted(ctx context.Context, userID, fingerprint string, now time.Time) (bool, error)
	Trust(ctx context.Context, userID, fingerprint string, until time.Time) error
}

// ActivityLog records security-relevant events.
type ActivityLog interface {
	Record(ctx context.Context, userID, action, detail string) error
}

// CodeVerifier is the subset of otp.Verifier the service needs.
type CodeVerifier interface {
	IssueCode(ctx context.Context, owner, destination string) (otp.Issued, error)
	ResendCode(ctx context.Context, owner, destination string) (otp.Issued, error)
	VerifyCode(ctx context.Context, owner, candidate string) (*otp.Code, error)
}

// TokenIssuer signs session tokens.
type TokenIssuer interface {
	Issue(claims token.Claims, ttl time.Duration) (string, time.Time, error)
}

// Device identifies the client a login came from.
type Device struct {
	UserAgent string
	IP        string
}

// Fingerprint is the hex SHA-256 of the user agent and client IP.
func (d Device) Fingerprint() string {
	sum := sha256.Sum256([]byte(d.UserAgent + d.IP))
	return hex.EncodeToString(sum[:])
}

type ServiceConfig struct {
	SessionTTL    time.Duration
	RememberTTL   time.Duration
	TrustTTL      time.Duration
	BcryptCost    int
	MaxFailures   int
	FailureWindow time.Duration
	LockDuration  time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.RememberTTL <= 0 {
		c.RememberTTL = 30 * 24 * time.Hour
	}
	if c.TrustTTL <= 0 {
		c.TrustTTL = 30 * 24 * time.Hour
	}
	if c.BcryptCost <= 0 {
		c.BcryptCost = bcryptCost
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 15 * time.Minute
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 15 * time.Minute
	}
	return c
}

// RegisterInput is a new account request.
type RegisterInput struct {
	Name             string
	Email            string
	Password         string
	Phone            string
	TwoFactorEnabled bool
}

// Challenge is returned instead of a token when a code was sent.
type Challenge struct {
	UserID      string    `json:"user_id"`
	MaskedPhone string    `json:"masked_phone"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// LoginResult carries either a token or a two-factor challenge.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *User
	Challenge *Challenge
}

// Service implements the account flows.
type Service struct {
	users    UserStore
	devices  DeviceStore
	activity ActivityLog
	codes    CodeVerifier
	tokens   TokenIssuer
	lockout  *Lockout
	cfg      ServiceConfig
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

type ServiceOption func(*Service)

// WithServiceClock replaces time.Now for the service and its lockout.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(users UserStore, devices DeviceStore, activity ActivityLog, codes CodeVerifier, tokens TokenIssuer, cfg ServiceConfig, opts ...ServiceOption) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		users:    users,
		devices:  devices,
		activity: activity,
		codes:    codes,
		tokens:   tokens,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lockout = NewLockout(cfg.MaxFailures, cfg.FailureWindow, cfg.LockDuration)
	s.lockout.now = s.now
	return s
}

// Register validates and stores a new account.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	name := strings.TrimSpace(in.Name)
	email := normalizeEmail(in.Email)
	phone := strings.TrimSpace(in.Phone)

	if name == "" {
		return nil, apperr.New(apperr.Validation, "name is required")
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	if in.TwoFactorEnabled && phone == "" {
		return nil, apperr.New(apperr.Validation, "phone number is required for two-factor authentication")
	}
	if phone != "" {
		if err := validatePhone(phone); err != nil {
			return nil, err
		}
	}

	hash, err := hashPassword(in.Password, s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		ID:               uuid.NewString(),
		Name:             name,
		Email:            email,
		Phone:            phone,
		PasswordHash:     hash,
		TwoFactorEnabled: in.TwoFactorEnabled,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	s.record(ctx, u.ID, ActionRegister, "account created")
	logging.Info("user_registered", map[string]any{"user_id": u.ID, "two_factor": u.TwoFactorEnabled})
	return u, nil
}

// Login checks the password and either issues a token or starts the
// two-factor step. Unknown emails and wrong passwords fail identically.
func (s *Service) Login(ctx context.Context, email, password string, remember bool, dev Device) (LoginResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return LoginResult{}, apperr.New(apperr.Validation, "email and password are required")
	}

	if locked, until := s.lockout.Locked(email); locked {
		logging.Warn("login_locked_out", map[string]any{"email": email, "until": until})
		return LoginResult{}, ErrLockedOut
	}

	u, err := s.users.UserByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return LoginResult{}, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil {
		// Keep timing close to the wrong-password path.
		checkPassword(s.dummy(), password)
		s.failed(email)
		return LoginResult{}, ErrInvalidCredentials
	}
	if !checkPassword(u.PasswordHash, password) {
		s.failed(email)
		return LoginResult{}, ErrInvalidCredentials
	}
	s.lockout.Reset(email)

	if u.TwoFactorEnabled {
		trusted, err := s.devices.IsTrusted(ctx, u.ID, dev.Fingerprint(), s.now())
		if err != nil {
			logging.Warn("trusted_device_lookup_failed", map[string]any{"user_id": u.ID, "error": err.Error()})
		}
		if !trusted {
			issued, err := s.codes.IssueCode(ctx, u.ID, destination(u))
			if err != nil {
				return LoginResult{}, err
			}
			s.record(ctx, u.ID, ActionCodeSent, "login challenge")
			return LoginResult{Challenge: &Challenge{
				UserID:      u.ID,
				MaskedPhone: MaskPhone(u.Phone),
				ExpiresAt:   issued.ExpiresAt,
			}}, nil
		}
	}

	ttl := s.cfg.SessionTTL
	if remember {
		ttl = s.cfg.RememberTTL
	}
	return s.session(ctx, u, ttl, ActionLogin)
}

// ResendCode sends a fresh code to the user's registered destination.
func (s *Service) ResendCode(ctx context.Context, userID string) (*Challenge, error) {
	u, err := s.users.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.TwoFactorEnabled {
		return nil, ErrTwoFactorDisabled
	}

	issued, err := s.codes.ResendCode(ctx, u.ID, destination(u))
	if err != nil {
		return nil, err
	}
	s.record(ctx, u.ID, ActionCodeSent, "resend")
	return &Challenge{UserID: u.ID, MaskedPhone: MaskPhone(u.Phone), ExpiresAt: issued.ExpiresAt}, nil
}

// VerifyTwoFactor completes a challenged login.
func (s *Service) VerifyTwoFactor(ctx context.Context, userID, code string, trust bool, dev Device) (LoginResult, error) {
	u, err := s.users.UserByID(ctx, userID)
	if err != nil {
		return LoginResult{}, err
	}
	if _, err := s.codes.VerifyCode(ctx, u.ID, code); err != nil {
		return LoginResult{}, err
	}

	if trust {
		until := s.now().Add(s.cfg.TrustTTL)
		if err := s.devices.Trust(ctx, u.ID, dev.Fingerprint(), until); err != nil {
			logging.Warn("trust_device_failed", map[string]any{"user_id": u.ID, "error": err.Error()})
		}
	}
	return s.session(ctx, u, s.cfg.SessionTTL, ActionCodeVerified)
}

// CurrentUser loads the account behind an authenticated principal.
func (s *Service) CurrentUser(ctx context.Context, userID string) (*User, error) {
	return s.users.UserByID(ctx, userID)
}

// Record writes an activity row on behalf of other components.
func (s *Service) Record(ctx context.Context, userID, action, detail string) {
	s.record(ctx, userID, action, detail)
}

func (s *Service) session(ctx context.Context, u *User, ttl time.Duration, action string) (LoginResult, error) {
	tok, exp, err := s.tokens.Issue(token.Claims{
		Subject: u.ID,
		Extra:   map[string]any{"email": u.Email, "name": u.Name},
	}, ttl)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue token: %w", err)
	}

	now := s.now().UTC()
	if err := s.users.TouchLogin(ctx, u.ID, now); err != nil {
		logging.Warn("touch_login_failed", map[string]any{"user_id": u.ID, "error": err.Error()})
	} else {
		u.LastLogin = &now
	}
	s.record(ctx, u.ID, action, "")
	return LoginResult{Token: tok, ExpiresAt: exp, User: u}, nil
}

func (s *Service) failed(email string) {
	if s.lockout.Fail(email) {
		logging.Warn("login_lockout_engaged", map[string]any{"email": email})
	}
}

// record never fails the caller.
func (s *Service) record(ctx context.Context, userID, action, detail string) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Record(ctx, userID, action, detail); err != nil {
		logging.Warn("activity_log_failed", map[string]any{"user_id": userID, "action": action, "error": err.Error()})
	}
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = hashPassword("not-a-real-password-0", s.cfg.BcryptCost)
	})
	return s.dummyHash
}

func destination(u *User) string {
	if u.Phone != "" {
		return u.Phone
	}
	return u.Email
}
