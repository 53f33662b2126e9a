// codec.go - Stateless signed session tokens.
//
// A token is header.payload.signature, each part base64url without padding.
// The signature is HMAC-SHA256 over "header.payload" keyed with the
// configured secret. There is no revocation list: a token stays valid until
// its exp claim passes.
package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dcss-portal/internal/apperr"
)

var (
	ErrMalformed        = apperr.New(apperr.Unauthorized, "malformed token")
	ErrInvalidSignature = apperr.New(apperr.Unauthorized, "invalid token signature")
	ErrExpired          = apperr.New(apperr.Unauthorized, "token expired")

	errEmptySecret = errors.New("token secret is empty")
)

const algHS256 = "HS256"

var enc = base64.RawURLEncoding

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Claims is the token payload. Extra holds any claims beyond sub/iat/exp and
// is flattened into the payload object.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Extra     map[string]any
}

// Get returns an extra claim as a string.
func (c Claims) Get(key string) string {
	v, ok := c.Extra[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (c Claims) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Extra)+3)
	for k, v := range c.Extra {
		m[k] = v
	}
	m["sub"] = c.Subject
	m["iat"] = c.IssuedAt.Unix()
	m["exp"] = c.ExpiresAt.Unix()
	return json.Marshal(m)
}

func (c *Claims) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}

	sub, _ := m["sub"].(string)
	iat, err := unixClaim(m["iat"])
	if err != nil {
		return fmt.Errorf("iat: %w", err)
	}
	exp, err := unixClaim(m["exp"])
	if err != nil {
		return fmt.Errorf("exp: %w", err)
	}
	delete(m, "sub")
	delete(m, "iat")
	delete(m, "exp")

	c.Subject = sub
	c.IssuedAt = iat
	c.ExpiresAt = exp
	c.Extra = nil
	if len(m) > 0 {
		c.Extra = m
	}
	return nil
}

func unixClaim(v any) (time.Time, error) {
	n, ok := v.(json.Number)
	if !ok {
		return time.Time{}, errors.New("missing or not a number")
	}
	secs, err := n.Int64()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}

// Codec issues and verifies tokens with one shared secret.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source. Tests use it to step past expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec returns a Codec keyed with secret.
func NewCodec(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, errEmptySecret
	}
	c := &Codec{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Codec) sign(signingInput string) []byte {
	m := hmac.New(sha256.New, c.secret)
	_, _ = m.Write([]byte(signingInput))
	return m.Sum(nil)
}

// Issue stamps iat/exp onto claims and returns the signed token with its expiry.
func (c *Codec) Issue(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	if claims.Subject == "" {
		return "", time.Time{}, errors.New("token subject is empty")
	}

	// iat and exp travel as whole seconds; exp rounds up so the token never
	// expires before now+ttl.
	now := c.now()
	claims.IssuedAt = now.Truncate(time.Second)
	claims.ExpiresAt = ceilSecond(now.Add(ttl))

	hb, err := json.Marshal(header{Alg: algHS256, Typ: "JWT"})
	if err != nil {
		return "", time.Time{}, err
	}
	pb, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, err
	}

	signingInput := enc.EncodeToString(hb) + "." + enc.EncodeToString(pb)
	sig := c.sign(signingInput)

	return signingInput + "." + enc.EncodeToString(sig), time.Unix(claims.ExpiresAt.Unix(), 0), nil
}

func ceilSecond(t time.Time) time.Time {
	if r := t.Truncate(time.Second); !r.Equal(t) {
		return r.Add(time.Second)
	}
	return t
}

// Verify checks the signature before anything else, then expiry.
func (c *Codec) Verify(tok string) (Claims, error) {
	var claims Claims

	parts := strings.Split(tok, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return claims, ErrMalformed
	}

	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return claims, ErrMalformed
	}
	if !hmac.Equal(sig, c.sign(parts[0]+"."+parts[1])) {
		return claims, ErrInvalidSignature
	}

	hb, err := enc.DecodeString(parts[0])
	if err != nil {
		return claims, ErrMalformed
	}
	var h header
	if err := json.Unmarshal(hb, &h); err != nil || h.Alg != algHS256 {
		return claims, ErrMalformed
	}

	pb, err := enc.DecodeString(parts[1])
	if err != nil {
		return claims, ErrMalformed
	}
	if err := json.Unmarshal(pb, &claims); err != nil {
		return Claims{}, ErrMalformed
	}

	if !c.now().Before(claims.ExpiresAt) {
		return Claims{}, ErrExpired
	}
	return claims, nil
}
