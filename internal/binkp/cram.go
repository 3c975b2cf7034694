package binkp

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// CRAM algorithm names, as they appear in the "CRAM-<ALGO>-..." wire tokens.
const (
	CramMD5  = "MD5"
	CramSHA1 = "SHA1"
)

func cramHasher(algo string) (func() hash.Hash, error) {
	switch strings.ToUpper(algo) {
	case CramMD5:
		return md5.New, nil
	case CramSHA1:
		return sha1.New, nil
	default:
		return nil, fmt.Errorf("binkp: unsupported CRAM algorithm %q", algo)
	}
}

// GenerateChallenge returns n random bytes hex-encoded, for embedding in an
// OPT CRAM-<algo>-<hex> line sent by the answering side.
func GenerateChallenge(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("binkp: generate CRAM challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// FormatChallengeOption builds the "CRAM-<ALGO>-<hexchallenge>" token that
// goes inside the answering side's OPT kludge in its M_NUL frames.
func FormatChallengeOption(algo, challengeHex string) string {
	return fmt.Sprintf("CRAM-%s-%s", strings.ToUpper(algo), challengeHex)
}

// ParseChallengeOption parses a "CRAM-<ALGO>-<hexchallenge>" token. ok is
// false if tok does not have the CRAM- prefix or is malformed.
func ParseChallengeOption(tok string) (algo, challengeHex string, ok bool) {
	rest, found := strings.CutPrefix(tok, "CRAM-")
	if !found {
		return "", "", false
	}
	algo, challengeHex, found = strings.Cut(rest, "-")
	if !found || algo == "" || challengeHex == "" {
		return "", "", false
	}
	return algo, challengeHex, true
}

// ComputeDigest computes the CRAM response digest: HMAC(key=password,
// message=decoded challenge) using the named hash algorithm, hex-encoded.
func ComputeDigest(algo, password, challengeHex string) (string, error) {
	newHash, err := cramHasher(algo)
	if err != nil {
		return "", err
	}
	challenge, err := hex.DecodeString(challengeHex)
	if err != nil {
		return "", fmt.Errorf("binkp: malformed CRAM challenge %q: %w", challengeHex, err)
	}
	mac := hmac.New(newHash, []byte(password))
	mac.Write(challenge)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// FormatPasswordResponse builds the "CRAM-<ALGO>-<hexdigest>" token sent in
// the M_PWD frame by the originating side once it has computed the digest.
func FormatPasswordResponse(algo, digestHex string) string {
	return fmt.Sprintf("CRAM-%s-%s", strings.ToUpper(algo), digestHex)
}

// ParsePasswordResponse parses the "CRAM-<ALGO>-<hexdigest>" token from an
// M_PWD frame. ok is false if the token isn't a CRAM response at all (a
// plain-text password was sent instead).
func ParsePasswordResponse(tok string) (algo, digestHex string, ok bool) {
	return ParseChallengeOption(tok)
}

// VerifyDigest reports whether digestHex is the correct CRAM response for
// password and challengeHex, using a constant-time comparison.
func VerifyDigest(algo, password, challengeHex, digestHex string) bool {
	want, err := ComputeDigest(algo, password, challengeHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(digestHex))) == 1
}
