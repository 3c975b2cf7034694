package tosser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stlalpha/ftnd/internal/ftn"
	"github.com/stlalpha/ftnd/internal/message"
	"github.com/stlalpha/ftnd/internal/router"
)

// ProcessInbound scans every configured network's inbox directory for
// packet files, routes and delivers every message inside, then moves each
// packet to its network's processed (or bad) directory. A packet that
// fails to parse at all moves to bad/ without touching any message inside
// it; a packet that parses but contains one or more unroutable or
// unconvertible messages still moves to processed/ once every message in
// it has been handled, per the teacher runner's "toss what you can, never
// block the inbox" behavior.
func (t *Tosser) ProcessInbound() ImportResult {
	var result ImportResult

	for network, net := range t.config.Networks {
		if net.Inbox == "" {
			continue
		}
		entries, err := os.ReadDir(net.Inbox)
		if err != nil {
			if !os.IsNotExist(err) {
				result.Errors = append(result.Errors, fmt.Sprintf("tosser: read inbox %s: %v", net.Inbox, err))
			}
			continue
		}

		before := result
		for _, entry := range entries {
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".pkt") {
				continue
			}
			pktPath := filepath.Join(net.Inbox, entry.Name())
			t.processPacketFile(network, net.Bad, net.Processed, net.Password, pktPath, &result)
		}
		t.config.Metrics.RecordImport(network,
			result.PacketsProcessed-before.PacketsProcessed,
			result.MessagesImported-before.MessagesImported,
			0,
			result.DupesSkipped-before.DupesSkipped,
		)
	}

	return result
}

func (t *Tosser) processPacketFile(network, badDir, processedDir, expectPassword, pktPath string, result *ImportResult) {
	result.PacketsProcessed++

	f, err := os.Open(pktPath)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("tosser: open %s: %v", pktPath, err))
		return
	}
	hdr, msgs, err := ftn.ReadPacket(f)
	f.Close()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("tosser: parse %s: %v", pktPath, err))
		moveFile(pktPath, badDir, result)
		return
	}

	if expectPassword != "" && !passwordMatches(hdr, expectPassword) {
		result.Errors = append(result.Errors, fmt.Sprintf("tosser: %s: session password mismatch for network %s", pktPath, network))
		moveFile(pktPath, badDir, result)
		return
	}

	for _, pm := range msgs {
		msg, err := ftn.ToMessage(hdr, pm)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("tosser: %s: convert message: %v", pktPath, err))
			continue
		}
		if err := msg.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("tosser: %s: invalid message: %v", pktPath, err))
			continue
		}

		if t.dupeDB != nil && t.dupeDB.IsDuplicate(msg) {
			result.DupesSkipped++
			continue
		}
		if t.dupeDB != nil {
			t.dupeDB.Add(msg)
		}

		t.deliverOne(network, msg, result)
	}

	moveFile(pktPath, processedDir, result)
}

func (t *Tosser) deliverOne(network string, msg *message.Message, result *ImportResult) {
	decision := t.router.Route(msg)
	switch decision.Action {
	case router.ActionLocalMail:
		if _, err := t.deliverLocalMail(msg, network); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("tosser: deliver mail to %s: %v", decision.User, err))
			t.config.Metrics.RecordDeliveryError(network, "mail")
			return
		}
	case router.ActionLocalNews:
		if _, err := t.deliverLocalNews(msg); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("tosser: deliver news to %s: %v", msg.Area, err))
			t.config.Metrics.RecordDeliveryError(network, "news")
			return
		}
	case router.ActionForward:
		if msg.IsEchomail() {
			local := fmt.Sprintf("%d/%d", t.config.NodeAddress.Net, t.config.NodeAddress.Node)
			msg.SeenBy = MergeSeenBy(msg.SeenBy, local)
			msg.Path = AppendPath(msg.Path, local)
		}
		t.enqueueForward(decision.Network, decision.ForwardAddress, ftn.FromMessage(msg))
	case router.ActionBounce:
		result.Errors = append(result.Errors, fmt.Sprintf("tosser: bounced message for %s: %s", msg.Dest, decision.Reason))
		return
	case router.ActionDrop:
		return
	}
	result.MessagesImported++
}

// passwordMatches compares the packet header's null-padded password field
// against the configured session password for this network.
func passwordMatches(hdr *ftn.PacketHeader, expected string) bool {
	got := strings.TrimRight(string(hdr.Password[:]), "\x00")
	return got == expected
}

// moveFile relocates a processed packet file into destDir, appending a
// timestamp suffix on a name collision rather than overwriting.
func moveFile(srcPath, destDir string, result *ImportResult) {
	if destDir == "" {
		if err := os.Remove(srcPath); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("tosser: remove %s: %v", srcPath, err))
		}
		return
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("tosser: mkdir %s: %v", destDir, err))
		return
	}

	destPath := filepath.Join(destDir, filepath.Base(srcPath))
	if _, err := os.Lstat(destPath); err == nil {
		destPath = fmt.Sprintf("%s.%d", destPath, time.Now().UnixNano())
	}
	if err := os.Rename(srcPath, destPath); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("tosser: move %s to %s: %v", srcPath, destPath, err))
	}
}
