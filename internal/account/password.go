package account

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/fjod/go_cinema/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLen = 8
	// bcrypt ignores input past 72 bytes
	maxPasswordLen = 72
	specialChars   = "@$!%*?#&"
)

func ValidatePasswordStrength(password string) error {
	switch {
	case len(password) < minPasswordLen:
		return passwordErr("must contain at least 8 characters")
	case len(password) > maxPasswordLen:
		return passwordErr("must not exceed 72 characters")
	case !strings.ContainsFunc(password, unicode.IsUpper):
		return passwordErr("must contain at least one uppercase letter")
	case !strings.ContainsFunc(password, unicode.IsLower):
		return passwordErr("must contain at least one lowercase letter")
	case !strings.ContainsFunc(password, unicode.IsDigit):
		return passwordErr("must contain at least one digit")
	case !strings.ContainsAny(password, specialChars):
		return passwordErr("must contain at least one special character: @, $, !, %, *, ?, #, &")
	}
	return nil
}

func passwordErr(msg string) error {
	return fmt.Errorf("%w: password %s", domain.ErrValidation, msg)
}

func hashPassword(password string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func verifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
