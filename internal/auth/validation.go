package auth

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxPasswordLength bounds the work a single hash can cost
const MaxPasswordLength = 128

// Requirement names one password complexity rule
type Requirement string

const (
	RequireMinLength Requirement = "minLength"
	RequireUppercase Requirement = "uppercase"
	RequireLowercase Requirement = "lowercase"
	RequireDigit     Requirement = "digit"
	RequireSpecial   Requirement = "special"
	RequireMaxLength Requirement = "maxLength"
	RequireMatch     Requirement = "match"
)

// ComplexityError lists every requirement a candidate password failed
type ComplexityError struct {
	Failed    []Requirement
	MinLength int
}

func (e *ComplexityError) Error() string {
	names := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		names[i] = string(f)
	}
	return fmt.Sprintf("password does not meet requirements: %s", strings.Join(names, ", "))
}

// Has reports whether r is among the failed requirements
func (e *ComplexityError) Has(r Requirement) bool {
	for _, f := range e.Failed {
		if f == r {
			return true
		}
	}
	return false
}

// ValidatePassword checks length and character classes: at least minLength
// characters, one upper case, one lower case, one digit and one special.
// It returns a *ComplexityError naming every failed rule.
func ValidatePassword(password string, minLength int) error {
	if minLength == 0 {
		minLength = 12
	}

	var failed []Requirement
	length := len([]rune(password))
	if length < minLength {
		failed = append(failed, RequireMinLength)
	}
	if length > MaxPasswordLength {
		failed = append(failed, RequireMaxLength)
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
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			hasSpecial = true
		}
	}
	if !hasUpper {
		failed = append(failed, RequireUppercase)
	}
	if !hasLower {
		failed = append(failed, RequireLowercase)
	}
	if !hasDigit {
		failed = append(failed, RequireDigit)
	}
	if !hasSpecial {
		failed = append(failed, RequireSpecial)
	}

	if len(failed) > 0 {
		return &ComplexityError{Failed: failed, MinLength: minLength}
	}
	return nil
}

// ValidatePasswordChange runs ValidatePassword and also checks the
// confirmation field matches.
func ValidatePasswordChange(password, confirm string, minLength int) error {
	err := ValidatePassword(password, minLength)
	if password == confirm {
		return err
	}
	if cerr, ok := err.(*ComplexityError); ok {
		cerr.Failed = append(cerr.Failed, RequireMatch)
		return cerr
	}
	return &ComplexityError{Failed: []Requirement{RequireMatch}, MinLength: minLength}
}
