// Package validation checks request input before it reaches the escrow and
// balance services.
package validation

import (
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/trackerjam/escrow/internal/money"
)

const (
	// MaxRequestSize caps request bodies at 1MB.
	MaxRequestSize = 1 << 20
	// MaxIDLength bounds identifiers accepted in paths and headers.
	MaxIDLength = 128
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// FieldError is one failed check, reported back to the client.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors are the failed checks of one request. The first one is the
// summary message.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule is a single check. It returns nil when the input passes.
type Rule func() *FieldError

// Validate runs every rule and collects the failures.
func Validate(rules ...Rule) Errors {
	var errs Errors
	for _, r := range rules {
		if fe := r(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Reject writes a 400 validation_error body when errs is non-empty and
// reports whether it did.
func Reject(c *gin.Context, errs Errors) bool {
	if len(errs) == 0 {
		return false
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
	return true
}

// IsValidID reports whether s is a well-formed record or user identifier.
func IsValidID(s string) bool {
	return s != "" && len(s) <= MaxIDLength && idPattern.MatchString(s)
}

// SanitizeString trims s, drops NUL bytes and truncates it to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	return Truncate(strings.ReplaceAll(strings.TrimSpace(s), "\x00", ""), maxLen)
}

// Truncate cuts s to at most maxLen bytes without splitting a UTF-8 sequence.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := max(maxLen, 0)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Required fails on an empty or blank value.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// OneOf fails when a non-empty value is outside allowed.
func OneOf(field, value string, allowed ...string) Rule {
	return func() *FieldError {
		if value == "" || slices.Contains(allowed, value) {
			return nil
		}
		return &FieldError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// ValidAmount fails unless a non-empty value parses as a positive amount
// with at most two decimal places.
func ValidAmount(field, value string) Rule {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		d, err := money.Parse(value)
		if err != nil {
			return &FieldError{Field: field, Message: "invalid amount format"}
		}
		if !d.IsPositive() {
			return &FieldError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// QueryLimit reads ?limit, falling back to def when it is missing or not a
// positive integer and clamping it to limit.
func QueryLimit(c *gin.Context, def, limit int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, limit)
}

// RequestSizeMiddleware caps the request body at maxSize bytes.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IDParamMiddleware rejects malformed :id path parameters.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must contain only letters, digits, '-' and '_'",
			})
			return
		}
		c.Next()
	}
}
