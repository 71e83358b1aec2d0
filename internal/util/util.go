package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NormalizePhone canonicalizes a raw phone-like address to "+<digits>".
// Returns "" when the input cannot be a dialable number.
func NormalizePhone(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	var b strings.Builder
	for i, r := range p {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			// kept implicitly; prefix added below
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators are dropped
		default:
			return ""
		}
	}
	digits := b.String()
	if len(digits) < 7 || len(digits) > 15 {
		return ""
	}
	return "+" + digits
}

func NewBroadcastID() string {
	// ULID is sortable (nice for DB indexes and dashboards)
	t := time.Now().UTC()
	return "bc_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewSessionID() string {
	t := time.Now().UTC()
	return "sess_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
