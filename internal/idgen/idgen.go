// Package idgen provides random identifiers for ledger records and
// idempotency keys.
package idgen

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// New generates a random RFC 4122 v4 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a prefixed opaque ID (e.g. "pay_", "wd_", "ntf_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IdempotencyKey joins a stable subject (such as a job ID) with an attempt
// epoch. Retries of one logical operation reuse the same epoch so the
// processor deduplicates them; a new logical attempt picks a new epoch.
func IdempotencyKey(subject string, epoch int64) string {
	return subject + ":" + strconv.FormatInt(epoch, 10)
}
