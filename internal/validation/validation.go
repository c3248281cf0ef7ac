// Package validation provides input validation helpers and middleware for the API.
package validation

import (
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditrisk/internal/idgen"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

const (
	MaxNameLength  = 255
	MaxEmailLength = 254
	MaxPhoneLength = 32
)

var phoneRegex = regexp.MustCompile(`^\+?[0-9 ()\-]{4,31}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEmail accepts a bare address ("a@b.c"), not a display-name form.
func IsValidEmail(s string) bool {
	if len(s) > MaxEmailLength {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && strings.Contains(s[at+1:], ".")
}

// IsValidPhone accepts digits with optional leading + and common separators.
// At least four digits are required.
func IsValidPhone(s string) bool {
	if !phoneRegex.MatchString(s) {
		return false
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 4
}

// SanitizeString trims whitespace, drops null bytes and limits length in runes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
	if r := []rune(s); len(r) > maxLen {
		s = string(r[:maxLen])
	}
	return s
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length in runes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len([]rune(value)) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidEmail checks an email field. Empty values pass; combine with Required.
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidEmail(value) {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// ValidPhone checks a phone field. Empty values pass.
func ValidPhone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidPhone(value) {
			return &ValidationError{Field: field, Message: "must be a valid phone number"}
		}
		return nil
	}
}

// UUIDParamMiddleware rejects requests whose :name URL parameter is not a UUID.
func UUIDParamMiddleware(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(name); v != "" && !idgen.Valid(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": name + " must be a UUID",
			})
			return
		}
		c.Next()
	}
}

// Int64ParamMiddleware rejects requests whose :name URL parameter is not a
// positive integer, and stores the parsed value under the same key.
func Int64ParamMiddleware(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v := c.Param(name)
		if v == "" {
			c.Next()
			return
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": name + " must be a positive integer",
			})
			return
		}
		c.Set(name, id)
		c.Next()
	}
}
