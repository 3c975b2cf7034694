package binkp

import "strings"

// Well-known option names advertised on the M_NUL "OPT" line.
const (
	OptNR  = "NR"
	OptND  = "ND"
	OptCRC = "CRC"
	OptPLZ = "PLZ"
)

// Option is a single capability advertised on an OPT line. Required options
// advertised by one side and absent from the other abort the session, per
// spec.md §4.3; the wire convention used here suffixes a required option's
// token with "!" (e.g. "CRC!").
type Option struct {
	Name     string
	Level    string // e.g. compression level for PLZ; empty if not applicable
	Required bool
}

// String renders the option back to its OPT-line token form.
func (o Option) String() string {
	s := o.Name
	if o.Level != "" {
		s += "-" + o.Level
	}
	if o.Required {
		s += "!"
	}
	return s
}

// ParseOption parses a single OPT-line token into an Option.
func ParseOption(tok string) Option {
	required := false
	if strings.HasSuffix(tok, "!") {
		required = true
		tok = tok[:len(tok)-1]
	}
	name, level, _ := strings.Cut(tok, "-")
	return Option{Name: name, Level: level, Required: required}
}

// OptionSet is the set of options advertised or negotiated in a session,
// keyed by option name.
type OptionSet map[string]Option

// ParseOptionLine parses a space-separated OPT argument string (as found in
// an M_NUL "OPT <tokens>" frame) into an OptionSet. CRAM challenge tokens
// ("CRAM-MD5-<hex>", "CRAM-SHA1-<hex>") are skipped here; use
// ExtractCramChallenges for those.
func ParseOptionLine(line string) OptionSet {
	set := make(OptionSet)
	for _, tok := range strings.Fields(line) {
		if strings.HasPrefix(tok, "CRAM-") {
			continue
		}
		opt := ParseOption(tok)
		if opt.Name == "" {
			continue
		}
		set[opt.Name] = opt
	}
	return set
}

// FormatOptionLine renders an OptionSet back into OPT-line token form, for
// embedding in an outgoing M_NUL "OPT ..." frame.
func FormatOptionLine(set OptionSet) string {
	var parts []string
	for _, opt := range set {
		parts = append(parts, opt.String())
	}
	return strings.Join(parts, " ")
}

// ExtractCramChallenges scans an OPT line for CRAM challenge tokens and
// returns them keyed by algorithm name.
func ExtractCramChallenges(line string) map[string]string {
	out := make(map[string]string)
	for _, tok := range strings.Fields(line) {
		algo, challenge, ok := ParseChallengeOption(tok)
		if !ok {
			continue
		}
		out[strings.ToUpper(algo)] = challenge
	}
	return out
}

// Negotiate computes the set of options active for a session: those present
// in both local and remote sets. It returns an error if either side marked
// an option Required that the other side did not advertise at all.
func Negotiate(local, remote OptionSet) (OptionSet, error) {
	active := make(OptionSet)
	for name, opt := range local {
		if opt.Required {
			if _, ok := remote[name]; !ok {
				return nil, &OptionError{Option: name, Side: "local"}
			}
		}
	}
	for name, opt := range remote {
		if opt.Required {
			if _, ok := local[name]; !ok {
				return nil, &OptionError{Option: name, Side: "remote"}
			}
		}
	}
	for name, opt := range local {
		if _, ok := remote[name]; ok {
			active[name] = opt
		}
	}
	return active, nil
}

// OptionError reports a required-option mismatch during negotiation.
type OptionError struct {
	Option string
	Side   string // "local" or "remote": which side required it
}

func (e *OptionError) Error() string {
	return "binkp: required option " + e.Option + " (required by " + e.Side + ") not advertised by peer"
}

// cramPreferenceOrder ranks CRAM algorithms strongest-first; SHA1 beats MD5
// on a tie per spec.md §4.3.
var cramPreferenceOrder = []string{CramSHA1, CramMD5}

// SelectCramChallenge picks the strongest CRAM algorithm that the answerer
// advertised a challenge for and that appears in the caller's own
// supported-algorithm list. Strength follows cramPreferenceOrder; the order
// of the caller's list is not consulted. ok is false if no algorithm
// overlaps.
func SelectCramChallenge(offered map[string]string, supported []string) (algo, challengeHex string, ok bool) {
	supportedSet := make(map[string]bool, len(supported))
	for _, s := range supported {
		supportedSet[strings.ToUpper(s)] = true
	}
	for _, algo := range cramPreferenceOrder {
		if !supportedSet[algo] {
			continue
		}
		if challenge, present := offered[algo]; present {
			return algo, challenge, true
		}
	}
	return "", "", false
}
