// Package validation provides input validation helpers for the Agora API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

var (
	// ethAddressRegex validates Ethereum addresses
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// txHashRegex validates 32-byte transaction hashes
	txHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	// amountRegex validates decimal amounts like "1.5" or "0.001"
	amountRegex = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidTxHash checks if a string is a valid transaction hash
func IsValidTxHash(hash string) bool {
	return txHashRegex.MatchString(hash)
}

// IsValidAmount checks if a string is a non-negative decimal amount
func IsValidAmount(amount string) bool {
	if !amountRegex.MatchString(amount) {
		return false
	}
	// Reject bare zero-like garbage such as "00000"
	return strings.Trim(amount, "0.") != "" || amount == "0"
}

// SanitizeAddress normalizes an Ethereum address
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.ToLower(addr)

	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}

	return addr
}

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of field errors.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Check is a single validation to run.
type Check func() *FieldError

// Validate runs all checks and collects failures.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if fe := check(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// ValidAddress returns a check that the field is a valid Ethereum address.
func ValidAddress(field, value string) Check {
	return func() *FieldError {
		if !IsValidEthAddress(value) {
			return &FieldError{Field: field, Message: "must be a valid 0x-prefixed address"}
		}
		return nil
	}
}

// ValidAmount returns a check that the field is a positive decimal amount.
func ValidAmount(field, value string) Check {
	return func() *FieldError {
		if !IsValidAmount(value) {
			return &FieldError{Field: field, Message: "must be a positive decimal amount"}
		}
		return nil
	}
}

// NonEmpty returns a check that the field is present.
func NonEmpty(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}
