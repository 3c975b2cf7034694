package tosser

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stlalpha/ftnd/internal/address"
	"github.com/stlalpha/ftnd/internal/config"
	"github.com/stlalpha/ftnd/internal/dupe"
	"github.com/stlalpha/ftnd/internal/ftn"
	"github.com/stlalpha/ftnd/internal/router"
	"github.com/stlalpha/ftnd/internal/storage"
)

func parseAddr(t *testing.T, s string) address.Address {
	t.Helper()
	a, err := address.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

// writeTestPacket builds a .pkt file at path containing a single message
// from orig to dest, with the given area (empty for netmail).
func writeTestPacket(t *testing.T, path string, orig, dest address.Address, area, toUser, msgID string) {
	t.Helper()
	hdr := ftn.NewPacketHeader(
		uint16(orig.Zone), uint16(orig.Net), uint16(orig.Node), uint16(orig.Point),
		uint16(dest.Zone), uint16(dest.Net), uint16(dest.Node), uint16(dest.Point),
		"",
	)
	body := &ftn.ParsedBody{Area: area, Text: "hello there"}
	if msgID != "" {
		body.Kludges = []string{"MSGID: " + msgID}
	}
	pm := &ftn.PackedMessage{
		MsgType:  ftn.PacketType2Plus,
		OrigNode: uint16(orig.Node),
		DestNode: uint16(dest.Node),
		OrigNet:  uint16(orig.Net),
		DestNet:  uint16(dest.Net),
		To:       toUser,
		From:     "Tester",
		Subject:  "subject",
		DateTime: ftn.FormatFTNDateTime(time.Now()),
		Body:     ftn.FormatPackedMessageBody(body),
	}

	var buf bytes.Buffer
	if err := ftn.WritePacket(&buf, hdr, []*ftn.PackedMessage{pm}); err != nil {
		t.Fatalf("write packet: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestTosser(t *testing.T, rt *router.Router, networks map[string]config.NetworkConfig) *Tosser {
	t.Helper()
	root := t.TempDir()

	mailStore := storage.NewMailStore(filepath.Join(root, "mail", "%NETWORK%", "%USER%"))
	active, err := storage.OpenActiveFile(filepath.Join(root, "news", "active"))
	if err != nil {
		t.Fatalf("open active file: %v", err)
	}
	newsStore := storage.NewNewsStore(filepath.Join(root, "news", "spool"), active)

	dupeDB, err := dupe.Open(filepath.Join(root, "dupes.db"))
	if err != nil {
		t.Fatalf("open dupe db: %v", err)
	}

	hwm, err := LoadHighWaterMark(filepath.Join(root, "hwm.json"))
	if err != nil {
		t.Fatalf("load hwm: %v", err)
	}

	return New(Settings{
		NodeAddress: parseAddr(t, "1:1/100"),
		Networks:    networks,
		PollSeconds: 0,
	}, rt, mailStore, newsStore, dupeDB, hwm)
}

func TestProcessInboundDeliversLocalMail(t *testing.T) {
	local := parseAddr(t, "1:1/100")
	hub := parseAddr(t, "1:1/1")
	rt := router.New(router.Config{
		LocalAddrs:  []address.Address{local},
		MailboxRoot: "unused",
		Network:     "fidonet",
		Hub:         &hub,
	})

	inbox := t.TempDir()
	processed := t.TempDir()
	bad := t.TempDir()
	networks := map[string]config.NetworkConfig{
		"fidonet": {Address: local, Hub: &hub, Inbox: inbox, Processed: processed, Bad: bad},
	}
	ts := newTestTosser(t, rt, networks)

	writeTestPacket(t, filepath.Join(inbox, "0000001.pkt"), hub, local, "", "Alice", "1:1/1 aaaaaaaa")

	result := ts.ProcessInbound()
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.MessagesImported != 1 {
		t.Fatalf("messages imported = %d, want 1", result.MessagesImported)
	}
	if result.PacketsProcessed != 1 {
		t.Fatalf("packets processed = %d, want 1", result.PacketsProcessed)
	}

	entries, _ := os.ReadDir(processed)
	if len(entries) != 1 {
		t.Fatalf("processed dir has %d entries, want 1", len(entries))
	}
	entries, _ = os.ReadDir(inbox)
	if len(entries) != 0 {
		t.Fatalf("inbox dir has %d entries, want 0", len(entries))
	}
}

func TestProcessInboundMovesUnparseablePacketToBad(t *testing.T) {
	rt := router.New(router.Config{})
	inbox := t.TempDir()
	bad := t.TempDir()
	networks := map[string]config.NetworkConfig{
		"fidonet": {Inbox: inbox, Bad: bad},
	}
	ts := newTestTosser(t, rt, networks)

	if err := os.WriteFile(filepath.Join(inbox, "garbage.pkt"), []byte("not a packet"), 0o644); err != nil {
		t.Fatal(err)
	}

	result := ts.ProcessInbound()
	if len(result.Errors) == 0 {
		t.Fatal("expected a parse error")
	}

	entries, _ := os.ReadDir(bad)
	if len(entries) != 1 {
		t.Fatalf("bad dir has %d entries, want 1", len(entries))
	}
	entries, _ = os.ReadDir(inbox)
	if len(entries) != 0 {
		t.Fatalf("inbox dir has %d entries, want 0", len(entries))
	}
}

func TestProcessInboundSkipsDuplicateMsgID(t *testing.T) {
	local := parseAddr(t, "1:1/100")
	hub := parseAddr(t, "1:1/1")
	rt := router.New(router.Config{
		LocalAddrs: []address.Address{local},
		Hub:        &hub,
		Network:    "fidonet",
	})
	inbox := t.TempDir()
	processed := t.TempDir()
	networks := map[string]config.NetworkConfig{
		"fidonet": {Inbox: inbox, Processed: processed},
	}
	ts := newTestTosser(t, rt, networks)

	writeTestPacket(t, filepath.Join(inbox, "0000001.pkt"), hub, local, "", "Alice", "1:1/1 aaaaaaaa")
	r1 := ts.ProcessInbound()
	if r1.MessagesImported != 1 {
		t.Fatalf("first pass imported = %d, want 1", r1.MessagesImported)
	}

	writeTestPacket(t, filepath.Join(inbox, "0000002.pkt"), hub, local, "", "Alice", "1:1/1 aaaaaaaa")
	r2 := ts.ProcessInbound()
	if r2.DupesSkipped != 1 {
		t.Fatalf("second pass dupes skipped = %d, want 1", r2.DupesSkipped)
	}
	if r2.MessagesImported != 0 {
		t.Fatalf("second pass imported = %d, want 0", r2.MessagesImported)
	}
}

func TestProcessInboundQueuesForwardAndScanAndExportWritesPacket(t *testing.T) {
	local := parseAddr(t, "1:1/100")
	hub := parseAddr(t, "1:1/1")
	other := parseAddr(t, "1:2/200")
	rt := router.New(router.Config{
		LocalAddrs: []address.Address{local},
		Hub:        &hub,
		Network:    "fidonet",
	})

	inbox := t.TempDir()
	outbox := t.TempDir()
	processed := t.TempDir()
	networks := map[string]config.NetworkConfig{
		"fidonet": {Address: local, Hub: &hub, Inbox: inbox, Outbox: outbox, Processed: processed},
	}
	ts := newTestTosser(t, rt, networks)

	writeTestPacket(t, filepath.Join(inbox, "0000001.pkt"), other, other, "", "Bob", "1:2/200 bbbbbbbb")
	importResult := ts.ProcessInbound()
	if len(importResult.Errors) != 0 {
		t.Fatalf("unexpected import errors: %v", importResult.Errors)
	}

	exportResult := ts.ScanAndExport()
	if len(exportResult.Errors) != 0 {
		t.Fatalf("unexpected export errors: %v", exportResult.Errors)
	}
	if exportResult.MessagesExported != 1 {
		t.Fatalf("messages exported = %d, want 1", exportResult.MessagesExported)
	}

	entries, err := os.ReadDir(outbox)
	if err != nil || len(entries) != 1 {
		t.Fatalf("outbox has %d entries (err=%v), want 1", len(entries), err)
	}

	f, err := os.Open(filepath.Join(outbox, entries[0].Name()))
	if err != nil {
		t.Fatalf("open outbound packet: %v", err)
	}
	defer f.Close()
	hdr, msgs, err := ftn.ReadPacket(f)
	if err != nil {
		t.Fatalf("read outbound packet: %v", err)
	}
	if int(hdr.DestZone) != hub.Zone || int(hdr.DestNode) != hub.Node {
		t.Errorf("outbound packet not addressed to hub")
	}
	if len(msgs) != 1 {
		t.Fatalf("outbound packet has %d messages, want 1", len(msgs))
	}
}

// TestExplicitForwardRuleRoutesToItsOwnNetworkQueue guards against
// internal/router.Decision.Network being derived from the rule's own name
// instead of its configured Network field: a rule named differently from
// every [network] section must still land its forwarded message in that
// network's outbound queue, not silently vanish.
func TestExplicitForwardRuleRoutesToItsOwnNetworkQueue(t *testing.T) {
	local := parseAddr(t, "1:1/100")
	fsxHub := parseAddr(t, "2:2/2")
	other := parseAddr(t, "9:9/9")

	rt := router.New(router.Config{
		LocalAddrs: []address.Address{local},
		Rules: []router.Rule{
			{Name: "to-fsxnet", Pattern: "2:*", Action: router.ActionForward, Parameter: fsxHub.String(), Network: "fsxnet", Priority: 0},
		},
	})

	inbox := t.TempDir()
	fidoOutbox := t.TempDir()
	fsxOutbox := t.TempDir()
	processed := t.TempDir()
	networks := map[string]config.NetworkConfig{
		"fidonet": {Address: local, Inbox: inbox, Outbox: fidoOutbox, Processed: processed},
		"fsxnet":  {Address: local, Outbox: fsxOutbox},
	}
	ts := newTestTosser(t, rt, networks)

	dest := parseAddr(t, "2:2/200")
	writeTestPacket(t, filepath.Join(inbox, "0000001.pkt"), other, dest, "", "Bob", "9:9/9 cccccccc")
	importResult := ts.ProcessInbound()
	if len(importResult.Errors) != 0 {
		t.Fatalf("unexpected import errors: %v", importResult.Errors)
	}
	if importResult.MessagesImported != 1 {
		t.Fatalf("messages imported = %d, want 1", importResult.MessagesImported)
	}

	exportResult := ts.ScanAndExport()
	if len(exportResult.Errors) != 0 {
		t.Fatalf("unexpected export errors: %v", exportResult.Errors)
	}
	if exportResult.MessagesExported != 1 {
		t.Fatalf("messages exported = %d, want 1", exportResult.MessagesExported)
	}

	entries, err := os.ReadDir(fsxOutbox)
	if err != nil || len(entries) != 1 {
		t.Fatalf("fsxnet outbox has %d entries (err=%v), want 1 — rule's forwarded message was lost", len(entries), err)
	}
	entries, _ = os.ReadDir(fidoOutbox)
	if len(entries) != 0 {
		t.Fatalf("fidonet outbox has %d entries, want 0 (message belongs to fsxnet)", len(entries))
	}
}

// TestProcessInboundAppendsSeenByAndPathOnEchomailForward guards against
// internal/tosser/seenby.go's ParseSeenByLine/FormatSeenByLine/MergeSeenBy/
// AppendPath going unused: a forwarded echomail message must pick up this
// node's net/node in both SEEN-BY (deduplicated) and PATH (appended) before
// it reaches the outbound queue.
func TestProcessInboundAppendsSeenByAndPathOnEchomailForward(t *testing.T) {
	local := parseAddr(t, "1:1/100")
	hub := parseAddr(t, "1:1/1")
	other := parseAddr(t, "1:2/200")
	rt := router.New(router.Config{
		Network: "fidonet",
		Hub:     &hub,
	})

	inbox := t.TempDir()
	outbox := t.TempDir()
	processed := t.TempDir()
	networks := map[string]config.NetworkConfig{
		"fidonet": {Address: local, Hub: &hub, Inbox: inbox, Outbox: outbox, Processed: processed},
	}
	ts := newTestTosser(t, rt, networks)

	pktPath := filepath.Join(inbox, "0000001.pkt")
	hdr := ftn.NewPacketHeader(
		uint16(other.Zone), uint16(other.Net), uint16(other.Node), uint16(other.Point),
		uint16(local.Zone), uint16(local.Net), uint16(local.Node), uint16(local.Point),
		"",
	)
	body := &ftn.ParsedBody{
		Area:   "FIDONET.GENERAL",
		Text:   "hello there",
		SeenBy: []string{"1/2 1/1"},
		Path:   []string{"1/2"},
	}
	pm := &ftn.PackedMessage{
		MsgType:  ftn.PacketType2Plus,
		OrigNode: uint16(other.Node),
		DestNode: uint16(local.Node),
		OrigNet:  uint16(other.Net),
		DestNet:  uint16(local.Net),
		To:       "All",
		From:     "Bob",
		Subject:  "subject",
		DateTime: ftn.FormatFTNDateTime(time.Now()),
		Body:     ftn.FormatPackedMessageBody(body),
	}
	var buf bytes.Buffer
	if err := ftn.WritePacket(&buf, hdr, []*ftn.PackedMessage{pm}); err != nil {
		t.Fatalf("write packet: %v", err)
	}
	if err := os.WriteFile(pktPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", pktPath, err)
	}

	importResult := ts.ProcessInbound()
	if len(importResult.Errors) != 0 {
		t.Fatalf("unexpected import errors: %v", importResult.Errors)
	}

	exportResult := ts.ScanAndExport()
	if len(exportResult.Errors) != 0 {
		t.Fatalf("unexpected export errors: %v", exportResult.Errors)
	}
	if exportResult.MessagesExported != 1 {
		t.Fatalf("messages exported = %d, want 1", exportResult.MessagesExported)
	}

	entries, err := os.ReadDir(outbox)
	if err != nil || len(entries) != 1 {
		t.Fatalf("outbox has %d entries (err=%v), want 1", len(entries), err)
	}
	f, err := os.Open(filepath.Join(outbox, entries[0].Name()))
	if err != nil {
		t.Fatalf("open outbound packet: %v", err)
	}
	defer f.Close()
	_, msgs, err := ftn.ReadPacket(f)
	if err != nil {
		t.Fatalf("read outbound packet: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("outbound packet has %d messages, want 1", len(msgs))
	}
	outParsed := ftn.ParsePackedMessageBody(msgs[0].Body)
	if len(outParsed.SeenBy) != 1 || outParsed.SeenBy[0] != "1/1 2 100" {
		t.Errorf("SEEN-BY = %v, want [\"1/1 2 100\"] (this node's 1/100 merged in)", outParsed.SeenBy)
	}
	if len(outParsed.Path) != 1 || outParsed.Path[0] != "1/2 100" {
		t.Errorf("PATH = %v, want [\"1/2 100\"] (this node's 1/100 appended)", outParsed.Path)
	}
}

func TestScanAndExportWithNothingQueuedWritesNoFile(t *testing.T) {
	rt := router.New(router.Config{})
	outbox := t.TempDir()
	networks := map[string]config.NetworkConfig{
		"fidonet": {Outbox: outbox},
	}
	ts := newTestTosser(t, rt, networks)

	result := ts.ScanAndExport()
	if result.MessagesExported != 0 {
		t.Fatalf("messages exported = %d, want 0", result.MessagesExported)
	}
	entries, _ := os.ReadDir(outbox)
	if len(entries) != 0 {
		t.Fatalf("outbox has %d entries, want 0", len(entries))
	}
}
