package auth

import (
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"dcss-portal/internal/apperr"
)

const bcryptCost = 12

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phoneRegex = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)
	hasDigit   = regexp.MustCompile(`[0-9]`)
	hasLetter  = regexp.MustCompile(`[a-zA-Z]`)
)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if len(email) > 254 || !emailRegex.MatchString(email) {
		return apperr.New(apperr.Validation, "invalid email format")
	}
	return nil
}

func validatePhone(phone string) error {
	if !phoneRegex.MatchString(phone) {
		return apperr.New(apperr.Validation, "phone number must be in E.164 format, e.g. +15551234567")
	}
	return nil
}

// validatePassword enforces length and a letter/digit mix. bcrypt ignores
// input past 72 bytes, so longer passwords are refused outright.
func validatePassword(pw string) error {
	switch {
	case len(pw) < 8:
		return apperr.New(apperr.Validation, "password must be at least 8 characters long")
	case len(pw) > 72:
		return apperr.New(apperr.Validation, "password must be at most 72 bytes")
	case !hasDigit.MatchString(pw) || !hasLetter.MatchString(pw):
		return apperr.New(apperr.Validation, "password must contain both letters and numbers")
	}
	return nil
}

func hashPassword(pw string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func checkPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// MaskPhone hides all but the last four digits: "+1 (***) ***-4567".
func MaskPhone(phone string) string {
	if len(phone) < 10 {
		return "***-***-****"
	}
	last4 := phone[len(phone)-4:]
	country := "+1"
	if strings.HasPrefix(phone, "+") {
		country = phone[:2]
	}
	return country + " (***) ***-" + last4
}
