// validator.go - Collects every configuration problem before failing.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ValidationError names the offending variable.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator accumulates errors while values are parsed.
type Validator struct {
	errors []ValidationError
	lookup func(string) string
}

func NewValidator(lookup func(string) string) *Validator {
	return &Validator{lookup: lookup}
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) HasErrors() bool { return len(v.errors) > 0 }

func (v *Validator) Errors() []ValidationError { return v.errors }

// Err returns nil or a single error listing every problem.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return fmt.Errorf("%s", sb.String())
}

// String returns the value or def when unset.
func (v *Validator) String(key, def string) string {
	if val := strings.TrimSpace(v.lookup(key)); val != "" {
		return val
	}
	return def
}

func (v *Validator) Required(key string) string {
	val := v.String(key, "")
	if val == "" {
		v.AddError(key, "required environment variable not set")
	}
	return val
}

func (v *Validator) PositiveInt(key string, def int) int {
	raw := v.String(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return def
	}
	if n <= 0 {
		v.AddError(key, "must be a positive integer")
		return def
	}
	return n
}

// NonNegativeInt accepts zero, for indexes such as REDIS_DB.
func (v *Validator) NonNegativeInt(key string, def int) int {
	raw := v.String(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		v.AddError(key, "must be a non-negative integer")
		return def
	}
	return n
}

func (v *Validator) PositiveInt64(key string, def int64) int64 {
	raw := v.String(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		v.AddError(key, "must be a positive integer")
		return def
	}
	return n
}

func (v *Validator) Duration(key string, def time.Duration) time.Duration {
	raw := v.String(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		v.AddError(key, "must be a positive duration (e.g. 5m, 1h)")
		return def
	}
	return d
}

func (v *Validator) Bool(key string, def bool) bool {
	raw := v.String(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		v.AddError(key, "must be true or false")
		return def
	}
	return b
}

func (v *Validator) MinLength(key, value string, minLen int) {
	if value != "" && len(value) < minLen {
		v.AddError(key, fmt.Sprintf("must be at least %d characters long (got %d)", minLen, len(value)))
	}
}

func (v *Validator) Enum(key, value string, allowed []string) {
	if value == "" {
		return
	}
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// Addr checks a listen address of the form "host:port" or ":port".
func (v *Validator) Addr(key, value string) {
	i := strings.LastIndex(value, ":")
	if i < 0 {
		v.AddError(key, "must be host:port or :port")
		return
	}
	port, err := strconv.Atoi(value[i+1:])
	if err != nil || port < 1 || port > 65535 {
		v.AddError(key, "port must be between 1 and 65535")
	}
}

// Origin checks a CORS origin: an http(s) scheme and host, nothing else.
func (v *Validator) Origin(key, value string) {
	if value == "*" {
		v.AddError(key, "wildcard origin is not allowed; list explicit origins")
		return
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.AddError(key, fmt.Sprintf("invalid origin %q", value))
		return
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		v.AddError(key, fmt.Sprintf("origin %q must not contain a path", value))
	}
}

func (v *Validator) EmailAddress(key, value string) {
	if value != "" && (!strings.Contains(value, "@") || !strings.Contains(value, ".")) {
		v.AddError(key, "must be a valid email address")
	}
}
