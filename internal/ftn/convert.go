package ftn

import (
	"strconv"
	"strings"
	"time"

	"github.com/stlalpha/ftnd/internal/address"
	"github.com/stlalpha/ftnd/internal/message"
)

// known kludge tags that get their own Message field instead of landing in
// the generic Kludges slice.
const (
	kludgeMSGID = "MSGID"
	kludgeREPLY = "REPLY"
	kludgeFMPT  = "FMPT"
	kludgeTOPT  = "TOPT"
	kludgeINTL  = "INTL"
	kludgeTZUTC = "TZUTC"
	kludgeVIA   = "VIA"
)

// ToMessage converts a packed wire message plus its enclosing packet header
// into the domain message.Message type. The packet body is decoded from
// CP437 before any text processing, per spec.md's wire-charset note.
func ToMessage(hdr *PacketHeader, pm *PackedMessage) (*message.Message, error) {
	ts, err := ParseFTNDateTime(pm.DateTime)
	if err != nil {
		ts = time.Time{}
	}

	body := DecodeCP437([]byte(pm.Body))
	parsed := ParsePackedMessageBody(body)

	m := &message.Message{
		Origin: address.Address{
			Zone:  int(hdr.OrigZone),
			Net:   int(pm.OrigNet),
			Node:  int(pm.OrigNode),
			Point: int(hdr.OrigPoint),
		},
		Dest: address.Address{
			Zone:  int(hdr.DestZone),
			Net:   int(pm.DestNet),
			Node:  int(pm.DestNode),
			Point: int(hdr.DestPoint),
		},
		Attr:      pm.Attr,
		Cost:      int(pm.Cost),
		Timestamp: ts,
		ToUser:    pm.To,
		FromUser:  pm.From,
		Subject:   pm.Subject,
		Area:      parsed.Area,
		SeenBy:    parsed.SeenBy,
		Path:      parsed.Path,
	}

	for _, k := range parsed.Kludges {
		tag, value, ok := splitKludge(k)
		if !ok {
			m.Kludges = append(m.Kludges, message.Kludge{Tag: k})
			continue
		}
		switch strings.ToUpper(tag) {
		case kludgeMSGID:
			m.MsgID = value
		case kludgeREPLY:
			m.Reply = value
		case kludgeFMPT:
			m.FMPT, _ = strconv.Atoi(value)
		case kludgeTOPT:
			m.TOPT, _ = strconv.Atoi(value)
		case kludgeINTL:
			m.Intl = value
		case kludgeTZUTC:
			m.TZUTC = value
		case kludgeVIA:
			m.Via = append(m.Via, value)
		default:
			m.Kludges = append(m.Kludges, message.Kludge{Tag: tag, Value: value})
		}
	}

	// The tearline and origin line are the last two non-empty text lines
	// before SEEN-BY, by FTS-0004 convention.
	textLines := strings.Split(parsed.Text, "\r")
	m.Tearline, m.Origin2, textLines = extractTrailer(textLines)
	m.Body = strings.Join(textLines, "\r")

	return m, nil
}

// extractTrailer pulls a trailing "--- <tagline>" tearline and " * Origin:"
// line off the end of lines, returning what remains as the message text.
func extractTrailer(lines []string) (tearline, origin string, rest []string) {
	rest = lines
	for len(rest) > 0 && rest[len(rest)-1] == "" {
		rest = rest[:len(rest)-1]
	}
	if n := len(rest); n > 0 && strings.HasPrefix(rest[n-1], " * Origin:") {
		origin = rest[n-1]
		rest = rest[:n-1]
	}
	if n := len(rest); n > 0 && strings.HasPrefix(rest[n-1], "--- ") {
		tearline = rest[n-1]
		rest = rest[:n-1]
	}
	return tearline, origin, rest
}

// splitKludge splits a kludge line "TAG: value" or "TAG value" into its tag
// and value. Returns ok=false if the line has no recognizable tag token.
func splitKludge(line string) (tag, value string, ok bool) {
	if tag, rest, found := strings.Cut(line, ":"); found {
		return tag, strings.TrimSpace(rest), true
	}
	if tag, rest, found := strings.Cut(line, " "); found {
		return tag, strings.TrimSpace(rest), true
	}
	return "", "", false
}

// FromMessage converts a domain message.Message back into a packed wire
// message, ready for WritePacket. The header's own address fields (zone,
// point) must be set by the caller to match m.Origin/m.Dest; FromMessage
// only fills the message-level net/node/attr/body fields.
func FromMessage(m *message.Message) *PackedMessage {
	parsed := &ParsedBody{
		Area:   m.Area,
		SeenBy: m.SeenBy,
		Path:   m.Path,
	}

	if m.MsgID != "" {
		parsed.Kludges = append(parsed.Kludges, kludgeMSGID+": "+m.MsgID)
	}
	if m.Reply != "" {
		parsed.Kludges = append(parsed.Kludges, kludgeREPLY+": "+m.Reply)
	}
	if m.FMPT != 0 {
		parsed.Kludges = append(parsed.Kludges, kludgeFMPT+": "+strconv.Itoa(m.FMPT))
	}
	if m.TOPT != 0 {
		parsed.Kludges = append(parsed.Kludges, kludgeTOPT+": "+strconv.Itoa(m.TOPT))
	}
	if m.Intl != "" {
		parsed.Kludges = append(parsed.Kludges, kludgeINTL+": "+m.Intl)
	}
	if m.TZUTC != "" {
		parsed.Kludges = append(parsed.Kludges, kludgeTZUTC+": "+m.TZUTC)
	}
	for _, v := range m.Via {
		parsed.Kludges = append(parsed.Kludges, kludgeVIA+": "+v)
	}
	for _, k := range m.Kludges {
		parsed.Kludges = append(parsed.Kludges, k.String())
	}

	var textLines []string
	if m.Body != "" {
		textLines = strings.Split(m.Body, "\r")
	}
	if m.Tearline != "" {
		textLines = append(textLines, m.Tearline)
	}
	if m.Origin2 != "" {
		textLines = append(textLines, m.Origin2)
	}
	parsed.Text = strings.Join(textLines, "\r")

	body := FormatPackedMessageBody(parsed)

	return &PackedMessage{
		MsgType:  PacketType2Plus,
		OrigNode: uint16(m.Origin.Node),
		DestNode: uint16(m.Dest.Node),
		OrigNet:  uint16(m.Origin.Net),
		DestNet:  uint16(m.Dest.Net),
		Attr:     m.Attr,
		Cost:     uint16(m.Cost),
		DateTime: FormatFTNDateTime(m.Timestamp),
		To:       m.ToUser,
		From:     m.FromUser,
		Subject:  m.Subject,
		Body:     string(EncodeCP437(body)),
	}
}
