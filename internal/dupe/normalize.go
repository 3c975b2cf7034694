package dupe

import (
	"strings"
	"unicode"
)

// Normalize canonicalizes a MSGID for duplicate comparison: it case-folds the
// "@domain" portion (the part of the address component after '@', present on
// some gateways' MSGIDs), collapses internal whitespace runs to a single
// space, and trims leading/trailing whitespace. Normalize is idempotent:
// Normalize(Normalize(m)) == Normalize(m).
func Normalize(msgID string) string {
	msgID = strings.TrimSpace(msgID)
	msgID = collapseWhitespace(msgID)
	msgID = foldDomain(msgID)
	return msgID
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte(' ')
				inSpace = true
			}
			continue
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// foldDomain lowercases the "@domain" suffix of the address component (the
// text before the first whitespace), leaving the hex serial and any
// whitespace separator untouched.
func foldDomain(s string) string {
	addrPart := s
	rest := ""
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		addrPart = s[:idx]
		rest = s[idx:]
	}

	at := strings.IndexByte(addrPart, '@')
	if at < 0 {
		return s
	}
	return addrPart[:at] + strings.ToLower(addrPart[at:]) + rest
}
