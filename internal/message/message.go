// Package message defines the domain-level FTN message: the tagged
// netmail/echomail variant that the router, duplicate detector, and storage
// layers operate on, independent of its packed on-wire representation.
package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/stlalpha/ftnd/internal/address"
)

// Attribute flags, per FTS-0001.
const (
	AttrPrivate = 1 << iota
	AttrCrash
	AttrReceived
	AttrSent
	AttrFileAttach
	AttrInTransit
	AttrOrphan
	AttrKillSent
	AttrLocal
	AttrHold
)

// Kludge is a single generic control line (without its leading SOH byte).
type Kludge struct {
	Tag   string
	Value string
}

// String renders the kludge back to "TAG:value" form.
func (k Kludge) String() string {
	return k.Tag + ":" + k.Value
}

// Message is a single FTN message, either netmail (Area == "") or echomail
// (Area non-empty), per spec.md §3.
type Message struct {
	Origin address.Address
	Dest   address.Address

	Attr uint16 // FTS-0001 attribute bits (AttrXxx); unrecognized bits preserved verbatim

	Cost      int
	Timestamp time.Time // stored as UTC seconds

	ToUser   string
	FromUser string
	Subject  string
	Body     string // message text, without AREA/kludge/tearline/origin/SEEN-BY/PATH framing

	Area string // echomail echo-tag; empty for netmail

	MsgID   string
	Reply   string
	FMPT    int
	TOPT    int
	Intl    string
	TZUTC   string
	Via     []string
	Tearline string
	Origin2  string // " * Origin:" line, echomail only
	SeenBy   []string
	Path     []string

	Kludges []Kludge // generic, unrecognized kludge lines, order preserved
}

// IsEchomail reports whether the message belongs to an echo area.
func (m *Message) IsEchomail() bool {
	return m.Area != ""
}

// Validate checks the invariants spec.md §3 names for a Message.
func (m *Message) Validate() error {
	if m.MsgID != "" {
		if err := ValidateMsgID(m.MsgID); err != nil {
			return err
		}
	}
	return nil
}

// ValidateMsgID checks that a MSGID has the form "<address><ws><hex-serial>".
func ValidateMsgID(msgID string) error {
	fields := strings.Fields(msgID)
	if len(fields) != 2 {
		return fmt.Errorf("message: malformed MSGID %q: expected \"address serial\"", msgID)
	}
	if _, err := address.Parse(fields[0]); err != nil {
		return fmt.Errorf("message: malformed MSGID %q: %w", msgID, err)
	}
	for _, c := range fields[1] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return fmt.Errorf("message: malformed MSGID %q: serial %q is not hex", msgID, fields[1])
		}
	}
	return nil
}

// HasAttr reports whether a given attribute bit is set.
func (m *Message) HasAttr(bit uint16) bool {
	return m.Attr&bit != 0
}
