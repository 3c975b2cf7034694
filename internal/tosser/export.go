package tosser

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/stlalpha/ftnd/internal/config"
	"github.com/stlalpha/ftnd/internal/ftn"
)

// packetSeqArea is the HighWaterMark "area" key used to persist each
// network's outbound packet sequence counter across restarts, the same
// role the teacher's export-position tracking played for its JAM area
// scan, repurposed here to number outbound .pkt files instead of JAM
// message offsets.
const packetSeqArea = "packet-seq"

// ScanAndExport packs every network's pending forward queue (built up by
// ProcessInbound's Forward routing decisions) into one outbound .pkt file
// per network and writes it to that network's outbox directory.
func (t *Tosser) ScanAndExport() ExportResult {
	var result ExportResult

	for network, net := range t.config.Networks {
		queued := t.drainForwardQueue(network)
		if len(queued) == 0 {
			continue
		}
		if net.Outbox == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("tosser: network %s has queued mail but no outbox configured", network))
			continue
		}

		n, err := t.exportNetwork(network, net, queued)
		result.MessagesExported += n
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		t.config.Metrics.RecordImport(network, 0, 0, n, 0)
	}

	return result
}

func (t *Tosser) exportNetwork(network string, net config.NetworkConfig, queued []queuedMessage) (int, error) {
	hdr := ftn.NewPacketHeader(
		uint16(t.config.NodeAddress.Zone), uint16(t.config.NodeAddress.Net),
		uint16(t.config.NodeAddress.Node), uint16(t.config.NodeAddress.Point),
		uint16(queued[0].to.Zone), uint16(queued[0].to.Net),
		uint16(queued[0].to.Node), uint16(queued[0].to.Point),
		net.Password,
	)

	msgs := make([]*ftn.PackedMessage, 0, len(queued))
	for _, q := range queued {
		msgs = append(msgs, q.msg)
	}

	if err := os.MkdirAll(net.Outbox, 0o755); err != nil {
		return 0, fmt.Errorf("tosser: mkdir outbox %s: %w", net.Outbox, err)
	}

	seq := t.hwm.Get(network, packetSeqArea) + 1
	t.hwm.Set(network, packetSeqArea, seq)
	if err := t.hwm.Save(); err != nil {
		return 0, fmt.Errorf("tosser: save export sequence for %s: %w", network, err)
	}

	outPath := filepath.Join(net.Outbox, fmt.Sprintf("%08X.pkt", seq))
	f, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("tosser: create outbound packet %s: %w", outPath, err)
	}
	defer f.Close()

	if err := ftn.WritePacket(f, hdr, msgs); err != nil {
		os.Remove(outPath)
		return 0, fmt.Errorf("tosser: write outbound packet %s: %w", outPath, err)
	}

	return len(msgs), nil
}
