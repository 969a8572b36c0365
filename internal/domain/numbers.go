package domain

import (
	"strings"

	"github.com/google/uuid"
)

// newNumber builds human-facing identifiers like PAY-20260118-3F9A1C2B.
// Uniqueness is backed by a unique index on the column.
func newNumber(prefix string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return prefix + "-" + timeNow().Format("20060102") + "-" + suffix
}
