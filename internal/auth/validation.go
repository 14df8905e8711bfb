package auth

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/servicedesk/authcore/internal/config"
)

// Policy rules reported by PolicyViolation, in evaluation order.
const (
	RuleMinLength   = "min_length"
	RuleUppercase   = "uppercase"
	RuleLowercase   = "lowercase"
	RuleNumber      = "number"
	RuleSpecialChar = "special_char"
	RuleReuse       = "reuse"
)

// SpecialChars is the punctuation set accepted for the special character rule.
const SpecialChars = "!@#$%^&*()_+-=[]{};':\"\\|,.<>/?`~"

// PolicyViolation names the first password rule that failed.
type PolicyViolation struct {
	Rule    string
	Message string
}

func (e *PolicyViolation) Error() string {
	return e.Message
}

// ValidatePassword checks password against policy. Rules are evaluated in a
// fixed order and the first failure is returned as *PolicyViolation.
func ValidatePassword(password string, policy config.PasswordPolicy) error {
	if len([]rune(password)) < policy.MinLength {
		return &PolicyViolation{
			Rule:    RuleMinLength,
			Message: fmt.Sprintf("password must be at least %d characters long", policy.MinLength),
		}
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(SpecialChars, r):
			hasSpecial = true
		}
	}

	if policy.RequireUppercase && !hasUpper {
		return &PolicyViolation{Rule: RuleUppercase, Message: "password must contain an uppercase letter"}
	}
	if policy.RequireLowercase && !hasLower {
		return &PolicyViolation{Rule: RuleLowercase, Message: "password must contain a lowercase letter"}
	}
	if policy.RequireNumbers && !hasDigit {
		return &PolicyViolation{Rule: RuleNumber, Message: "password must contain a number"}
	}
	if policy.RequireSpecialChars && !hasSpecial {
		return &PolicyViolation{Rule: RuleSpecialChar, Message: "password must contain a special character"}
	}

	return nil
}

// IsPasswordExpired reports whether now is past lastChanged + expiryDays.
// A non-positive expiryDays disables expiry.
func IsPasswordExpired(lastChanged time.Time, expiryDays int, now time.Time) bool {
	if expiryDays <= 0 {
		return false
	}
	return now.After(lastChanged.AddDate(0, 0, expiryDays))
}
