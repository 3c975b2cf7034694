package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/stlalpha/ftnd/internal/message"
)

// MailConverter renders an FTN message as RFC822 text. The real conversion
// (full header mapping, MIME quirks) is out of scope here — spec.md treats
// it as an external pure function; RFC822 below is the default
// implementation plugged into MailStore, swappable by callers that need
// more fidelity.
type MailConverter func(msg *message.Message) ([]byte, error)

// NewsConverter renders an FTN message as an RFC1036 article for the given
// newsgroup.
type NewsConverter func(msg *message.Message, newsgroup string) ([]byte, error)

// NewsgroupMapper maps an echo-tag area name to a newsgroup name.
type NewsgroupMapper func(area string) string

// RFC822 is the default MailConverter: a minimal but valid RFC822 rendering
// of msg's envelope and body.
func RFC822(msg *message.Message) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.FromUser)
	fmt.Fprintf(&b, "To: %s\r\n", msg.ToUser)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", msg.Timestamp.Format(time.RFC1123Z))
	if msg.MsgID != "" {
		fmt.Fprintf(&b, "Message-Id: <%s>\r\n", rfc822ID(msg.MsgID))
	}
	if msg.Reply != "" {
		fmt.Fprintf(&b, "In-Reply-To: <%s>\r\n", rfc822ID(msg.Reply))
	}
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return []byte(b.String()), nil
}

// RFC1036 is the default NewsConverter: a minimal but valid RFC1036
// rendering of msg as a news article in newsgroup.
func RFC1036(msg *message.Message, newsgroup string) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Newsgroups: %s\r\n", newsgroup)
	fmt.Fprintf(&b, "From: %s\r\n", msg.FromUser)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", msg.Timestamp.Format(time.RFC1123Z))
	if msg.MsgID != "" {
		fmt.Fprintf(&b, "Message-ID: <%s>\r\n", rfc822ID(msg.MsgID))
	}
	if len(msg.Path) > 0 {
		fmt.Fprintf(&b, "Path: %s\r\n", strings.Join(msg.Path, "!"))
	}
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return []byte(b.String()), nil
}

// DefaultNewsgroupMapper lowercases an FTN echo-tag for use as a newsgroup
// name; the dot-separated hierarchy is already in the right shape.
func DefaultNewsgroupMapper(area string) string {
	return strings.ToLower(area)
}

// rfc822ID folds a wire MSGID ("<address> <serial>") into something legal
// inside angle brackets: whitespace isn't allowed in an RFC822 msg-id token.
func rfc822ID(msgID string) string {
	return strings.ReplaceAll(msgID, " ", ".")
}
