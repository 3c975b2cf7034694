package binkp

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// connPair returns two directly-connected sessions already past the
// handshake, ready to drive a Batch. It reuses loopbackPair from
// session_test.go so the transfer runs over a real kernel-buffered TCP
// socket, matching how DATA frames actually flow during a transfer larger
// than a single frame.
func connPair(t *testing.T) (a, b *Session) {
	t.Helper()
	clientConn, serverConn := loopbackPair(t)
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	a = NewSession(clientConn, Config{Role: RoleOriginator, Timeout: 5 * time.Second})
	b = NewSession(serverConn, Config{Role: RoleAnswerer, Timeout: 5 * time.Second})
	a.phase = PhaseReady
	b.phase = PhaseReady
	return a, b
}

// TestBatchSingleFileSendNoOptions exercises spec.md's "single file send, no
// options" scenario: a 100,000-byte file split across four DATA frames
// (32767, 32767, 32767, 1699 bytes), received whole and byte-identical at the
// other end, with M_GOT dequeuing the sender's outbound entry.
func TestBatchSingleFileSendNoOptions(t *testing.T) {
	srcDir := t.TempDir()
	inboundDir := t.TempDir()
	finalDir := t.TempDir()

	payload := make([]byte, 100000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	srcPath := filepath.Join(srcDir, "pkt0001.pkt")
	if err := os.WriteFile(srcPath, payload, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	sender, receiver := connPair(t)

	senderBatch := NewBatch(sender, inboundDir, finalDir)
	if err := senderBatch.Queue(srcPath); err != nil {
		t.Fatalf("queue: %v", err)
	}
	receiverBatch := NewBatch(receiver, inboundDir, finalDir)

	var receivedPath string
	received := make(chan struct{})
	receiverBatch.OnFileReceived = func(finalPath string) error {
		receivedPath = finalPath
		close(received)
		return nil
	}

	errCh := make(chan error, 2)
	go func() { errCh <- senderBatch.Run() }()
	go func() { errCh <- receiverBatch.Run() }()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for file to be received")
	}

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("batch run error: %v", err)
		}
	}

	if receivedPath != filepath.Join(finalDir, "pkt0001.pkt") {
		t.Errorf("received path = %q, want %q", receivedPath, filepath.Join(finalDir, "pkt0001.pkt"))
	}
	got, err := os.ReadFile(receivedPath)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("received file content does not match source")
	}

	if senderBatch.current != nil {
		t.Error("sender still has a current outbound file after M_GOT")
	}
	if len(senderBatch.outQueue) != 0 {
		t.Error("sender outbound queue not drained")
	}
	if !sender.localEOBSent || !sender.remoteEOBRecvd {
		t.Error("sender did not complete EOB exchange")
	}
	if !receiver.localEOBSent || !receiver.remoteEOBRecvd {
		t.Error("receiver did not complete EOB exchange")
	}
}

// TestBatchEmptyQueuesExchangeEOBOnly covers the case where neither side has
// anything to send: both should send M_EOB immediately and converge without
// any M_FILE/DATA frames changing hands.
func TestBatchEmptyQueuesExchangeEOBOnly(t *testing.T) {
	a, b := connPair(t)
	batchA := NewBatch(a, t.TempDir(), t.TempDir())
	batchB := NewBatch(b, t.TempDir(), t.TempDir())

	errCh := make(chan error, 2)
	go func() { errCh <- batchA.Run() }()
	go func() { errCh <- batchB.Run() }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("batch run error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for empty batch to complete")
		}
	}

	if a.phase != PhaseEOBAcked || b.phase != PhaseEOBAcked {
		t.Errorf("phases = %v, %v, want both PhaseEOBAcked", a.phase, b.phase)
	}
}

// TestBatchResumesInterruptedFileWhenNROptionActive exercises spec.md §8
// scenario 3: a receiver that already has a partial temp file for an
// incoming file, with NR active, requests resume via M_GET instead of
// re-receiving the file from byte zero.
func TestBatchResumesInterruptedFileWhenNROptionActive(t *testing.T) {
	srcDir := t.TempDir()
	inboundDir := t.TempDir()
	finalDir := t.TempDir()

	payload := make([]byte, 100000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	srcPath := filepath.Join(srcDir, "pkt0001.pkt")
	if err := os.WriteFile(srcPath, payload, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	const partialSize = 40000
	tempPath := filepath.Join(inboundDir, "pkt0001.pkt.bin.tmp")
	if err := os.WriteFile(tempPath, payload[:partialSize], 0o644); err != nil {
		t.Fatalf("write partial temp file: %v", err)
	}

	sender, receiver := connPair(t)
	sender.activeOptions = OptionSet{OptNR: {Name: OptNR}}
	receiver.activeOptions = OptionSet{OptNR: {Name: OptNR}}

	senderBatch := NewBatch(sender, inboundDir, finalDir)
	if err := senderBatch.Queue(srcPath); err != nil {
		t.Fatalf("queue: %v", err)
	}
	receiverBatch := NewBatch(receiver, inboundDir, finalDir)

	received := make(chan struct{})
	var receivedPath string
	receiverBatch.OnFileReceived = func(finalPath string) error {
		receivedPath = finalPath
		close(received)
		return nil
	}

	errCh := make(chan error, 2)
	go func() { errCh <- senderBatch.Run() }()
	go func() { errCh <- receiverBatch.Run() }()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for resumed file to be received")
	}

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("batch run error: %v", err)
		}
	}

	got, err := os.ReadFile(receivedPath)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("resumed file content does not match source; resume did not append correctly")
	}
	if n := len(payload) - partialSize; n <= 0 {
		t.Fatalf("test setup error: nothing left to resume")
	}
}

// TestHandleMFileWithoutNRAlwaysRestartsFromZero covers the non-resume
// path: even with a partial temp file present, NR not being active means
// the receiver truncates and restarts, matching the original pre-resume
// behavior rather than silently continuing an un-negotiated resume.
func TestHandleMFileWithoutNRAlwaysRestartsFromZero(t *testing.T) {
	inboundDir := t.TempDir()
	finalDir := t.TempDir()
	tempPath := filepath.Join(inboundDir, "pkt0002.pkt.bin.tmp")
	if err := os.WriteFile(tempPath, []byte("stale partial data"), 0o644); err != nil {
		t.Fatalf("write partial temp file: %v", err)
	}

	sender, _ := connPair(t)
	b := NewBatch(sender, inboundDir, finalDir)
	// sender.activeOptions left empty: NR not active.

	if err := b.handleMFile("pkt0002.pkt 100 1700000000 0"); err != nil {
		t.Fatalf("handleMFile: %v", err)
	}
	if b.inbound == nil || b.inbound.Offset != 0 {
		t.Fatalf("inbound offset = %v, want 0 (fresh start, no resume without NR)", b.inbound)
	}
	b.inbound.f.Close()
}

func TestEscapeUnescapeFilename(t *testing.T) {
	cases := []string{"plain.pkt", "with space.pkt", "a\\b.pkt"}
	for _, name := range cases {
		escaped := escapeFilename(name)
		if got := unescapeFilename(escaped); got != name {
			t.Errorf("escape/unescape round trip for %q: got %q", name, got)
		}
	}
}
