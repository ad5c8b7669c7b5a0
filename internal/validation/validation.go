// Package validation collects field-level problems in API payloads.
// Services enforce their own domain rules; this layer exists so a bad
// request reports every broken field in one response instead of one
// per round trip.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/neontrader/backend/internal/apperr"
)

// ValidationError is one field problem.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every field problem in a payload.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "validation errors: " + strings.Join(msgs, "; ")
}

// HasErrors reports whether any field failed.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// AsAppError converts the collected problems into the boundary error
// the HTTP layer renders: a validation kind with a fields detail map.
func (e ValidationErrors) AsAppError() error {
	if len(e) == 0 {
		return nil
	}
	fields := make(map[string]string, len(e))
	for _, err := range e {
		// First problem per field wins; later checks usually depend
		// on the earlier ones anyway.
		if _, seen := fields[err.Field]; !seen {
			fields[err.Field] = err.Message
		}
	}
	return apperr.New(apperr.KindValidation, "invalid request").
		WithDetail("fields", fields)
}

// Validator accumulates field checks.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// AddError records a field problem.
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Errors returns everything recorded so far.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

// HasErrors reports whether any check failed.
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Required checks that a string is not blank.
func (v *Validator) Required(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "is required")
	}
}

// MinLength checks a minimum string length.
func (v *Validator) MinLength(field, value string, min int) {
	if len(value) < min {
		v.AddError(field, fmt.Sprintf("must be at least %d characters", min))
	}
}

// MaxLength checks a maximum string length.
func (v *Validator) MaxLength(field, value string, max int) {
	if len(value) > max {
		v.AddError(field, fmt.Sprintf("must be at most %d characters", max))
	}
}

// OneOf checks membership in an allowed set.
func (v *Validator) OneOf(field, value string, allowed []string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.AddError(field, fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")))
}

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,32}$`)
	symbolRegex   = regexp.MustCompile(`^[A-Z0-9]{5,12}$`)
)

// Email checks address format.
func (v *Validator) Email(field, value string) {
	if !emailRegex.MatchString(value) {
		v.AddError(field, "must be a valid email address")
	}
}

// Username checks handle format: 3 to 32 word characters.
func (v *Validator) Username(field, value string) {
	if !usernameRegex.MatchString(value) {
		v.AddError(field, "must be 3-32 letters, digits or underscores")
	}
}

// Password checks credential strength. The 72 byte ceiling is bcrypt's
// input limit; anything longer would be silently truncated.
func (v *Validator) Password(field, value string) {
	if len(value) < 8 {
		v.AddError(field, "must be at least 8 characters")
		return
	}
	if len(value) > 72 {
		v.AddError(field, "must be at most 72 characters")
		return
	}

	var hasLetter, hasDigit bool
	for _, ch := range value {
		switch {
		case ch >= '0' && ch <= '9':
			hasDigit = true
		case (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z'):
			hasLetter = true
		}
	}
	if !hasLetter || !hasDigit {
		v.AddError(field, "must contain at least one letter and one digit")
	}
}

// UUID checks identifier format.
func (v *Validator) UUID(field, value string) {
	if _, err := uuid.Parse(value); err != nil {
		v.AddError(field, "must be a valid UUID")
	}
}

// Symbol checks a normalized instrument symbol (BTCUSDT, EURUSD).
func (v *Validator) Symbol(field, value string) {
	if !symbolRegex.MatchString(value) {
		v.AddError(field, "must be a valid symbol (e.g. BTCUSDT)")
	}
}

// NormalizeSymbol upper-cases a symbol and strips the separators
// clients habitually include, so BTC/USDT and btc-usdt both resolve
// to BTCUSDT before lookup.
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	symbol = strings.ReplaceAll(symbol, "/", "")
	symbol = strings.ReplaceAll(symbol, "-", "")
	symbol = strings.ReplaceAll(symbol, " ", "")
	return symbol
}

// SanitizeInput strips null bytes, trims whitespace and caps length on
// free-form text fields.
func SanitizeInput(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	if len(input) > 10000 {
		input = input[:10000]
	}
	return input
}

// ValidateRegistration checks a registration payload.
func ValidateRegistration(email, username, password string) ValidationErrors {
	v := NewValidator()

	v.Required("email", email)
	if strings.TrimSpace(email) != "" {
		v.Email("email", email)
		v.MaxLength("email", email, 254)
	}

	v.Required("username", username)
	if strings.TrimSpace(username) != "" {
		v.Username("username", username)
	}

	v.Required("password", password)
	if password != "" {
		v.Password("password", password)
	}

	return v.Errors()
}

// ValidateLogin checks a login payload. Strength rules do not apply
// here: an old weaker password must still be able to log in.
func ValidateLogin(email, password string) ValidationErrors {
	v := NewValidator()
	v.Required("email", email)
	if strings.TrimSpace(email) != "" {
		v.Email("email", email)
	}
	v.Required("password", password)
	return v.Errors()
}

// ValidateModeChange checks a trading mode payload.
func ValidateModeChange(mode string) ValidationErrors {
	v := NewValidator()
	v.Required("mode", mode)
	if strings.TrimSpace(mode) != "" {
		v.OneOf("mode", strings.ToLower(strings.TrimSpace(mode)),
			[]string{"learning_only", "assisted", "autopilot"})
	}
	return v.Errors()
}
