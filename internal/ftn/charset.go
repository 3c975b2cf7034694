package ftn

import (
	"golang.org/x/text/encoding/charmap"
)

// DecodeCP437 converts CP437-encoded packet bytes (the historical default
// for FTN message text) to a UTF-8 string. Bytes that charmap.CodePage437
// cannot map are replaced with U+FFFD by the decoder, matching its documented
// behavior; FTN text is not expected to contain such bytes in practice.
func DecodeCP437(b []byte) string {
	out, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// EncodeCP437 converts a UTF-8 string to CP437 bytes for writing into a
// packet. Runes with no CP437 representation are replaced with '?'.
func EncodeCP437(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := charmap.CodePage437.EncodeRune(r)
		if !ok {
			b = '?'
		}
		out = append(out, b)
	}
	return out
}
