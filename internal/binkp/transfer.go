package binkp

import (
	"crypto/crc32"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/stlalpha/ftnd/internal/util"
)

// FileState is a transferring file's position in its own lifecycle, per
// spec.md §3's File transfer type.
type FileState int

const (
	StateIdle FileState = iota
	StateSending
	StateReceiving
	StateWaitingAck
	StateCompleted
	StateError
)

// dataChunkSize is the largest DATA frame payload the batch engine streams
// a file in, per spec.md §4.4.
const dataChunkSize = MaxFrameData

// resumeGraceWindow is how long sendFile waits, after announcing a fresh
// (offset-zero) M_FILE with NR active, for the peer to redirect the send
// with M_GET before committing to streaming from byte zero.
const resumeGraceWindow = 200 * time.Millisecond

// OutboundFile is a file queued to send to the peer.
type OutboundFile struct {
	Path      string // local source path
	Name      string // wire filename (no directory component)
	Size      int64
	Timestamp time.Time
	Offset    int64
	State     FileState
}

// InboundFile tracks a file currently being received.
type InboundFile struct {
	Name      string
	Size      int64
	Timestamp time.Time
	Offset    int64
	TempPath  string
	FinalPath string
	f         *os.File
	crc       uint32
	State     FileState
}

// Batch drives the file-transfer phase of a session (spec.md §4.4): it
// pumps a queue of outbound files and reacts to the peer's inbound M_FILE
// frames, one file "current" in each direction at a time.
type Batch struct {
	s *Session

	outQueue []*OutboundFile
	current  *OutboundFile

	inboundDir string
	finalDir   string
	inbound    *InboundFile

	// pendingFrames holds frames read during sendFile's brief post-M_FILE
	// resume-redirect window that turned out not to be the M_GET it was
	// waiting for (e.g. the peer's own M_EOB, which Run sends before it has
	// read anything when its own queue is empty, so it can reach the wire ahead of any
	// M_GET reacting to this batch's M_FILE). nextFrame drains these, in
	// arrival order, before reading the conn again, so Run's dispatch loop
	// never loses a frame to the probe.
	pendingFrames []*Frame

	// OnFileReceived is called with the final path once an inbound file
	// has been completely received and renamed into place.
	OnFileReceived func(finalPath string) error
}

// NewBatch creates a batch engine for s. inboundDir is where incoming files
// are assembled before being moved to finalDir on completion.
func NewBatch(s *Session, inboundDir, finalDir string) *Batch {
	return &Batch{s: s, inboundDir: inboundDir, finalDir: finalDir}
}

// Queue adds a local file to the outbound queue.
func (b *Batch) Queue(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("binkp: queue %s: %w", path, err)
	}
	b.outQueue = append(b.outQueue, &OutboundFile{
		Path:      path,
		Name:      filepath.Base(path),
		Size:      info.Size(),
		Timestamp: info.ModTime(),
		State:     StateIdle,
	})
	return nil
}

// Run drives the batch to completion: sends every queued file, receives
// whatever the peer sends, and exchanges M_EOB in both directions.
func (b *Batch) Run() error {
	b.s.phase = PhaseXfer

	if err := b.advance(); err != nil {
		return err
	}

	for {
		if b.s.localEOBSent && b.s.remoteEOBRecvd && b.current == nil && b.inbound == nil {
			b.s.phase = PhaseEOBAcked
			return nil
		}

		f, err := b.nextFrame()
		if err != nil {
			var crcErr *CrcError
			if errors.As(err, &crcErr) {
				b.s.sendError(err.Error())
			}
			return fmt.Errorf("binkp: transfer: %w", err)
		}

		if !f.Command {
			if err := b.handleData(f.Data); err != nil {
				b.s.sendError(err.Error())
				return err
			}
			continue
		}

		switch f.Type {
		case MFile:
			if err := b.handleMFile(string(f.Data)); err != nil {
				b.s.sendError(err.Error())
				return err
			}
		case MGot:
			if err := b.handleMGot(string(f.Data)); err != nil {
				return err
			}
			if err := b.advance(); err != nil {
				return err
			}
		case MSkip:
			b.handleMSkip(string(f.Data))
			if err := b.advance(); err != nil {
				return err
			}
		case MGet:
			if err := b.handleMGet(string(f.Data)); err != nil {
				return err
			}
		case MEob:
			b.s.remoteEOBRecvd = true
			if err := b.advance(); err != nil {
				return err
			}
		case MErr:
			return fmt.Errorf("binkp: remote error during transfer: %s", string(f.Data))
		case MBsy:
			return fmt.Errorf("binkp: remote busy during transfer: %s", string(f.Data))
		default:
			// ignore unrecognized command frames during transfer
		}
	}
}

// advance sends the next queued outbound file, if any, and otherwise sends
// the local M_EOB once (the local queue draining is itself the trigger: a
// freshly-emptied queue after an M_GOT, same as an empty queue at batch
// start, both mean "nothing left to send").
func (b *Batch) advance() error {
	if err := b.sendNextOutbound(); err != nil {
		return err
	}
	if b.current == nil && !b.s.localEOBSent {
		if err := b.s.SendEOB(); err != nil {
			return err
		}
		b.s.phase = PhaseEOBSent
	}
	return nil
}

// nextFrame returns the next frame, draining pendingFrames first so frames
// sendFile's resume-redirect window read but didn't consume are dispatched
// in the order they actually arrived.
func (b *Batch) nextFrame() (*Frame, error) {
	if len(b.pendingFrames) > 0 {
		f := b.pendingFrames[0]
		b.pendingFrames = b.pendingFrames[1:]
		return f, nil
	}
	return b.s.readFrame()
}

func (b *Batch) sendNextOutbound() error {
	if b.current != nil || len(b.outQueue) == 0 {
		if len(b.outQueue) == 0 {
			b.current = nil
		}
		return nil
	}
	next := b.outQueue[0]
	b.outQueue = b.outQueue[1:]
	b.current = next
	return b.sendFile(next)
}

func (b *Batch) sendFile(of *OutboundFile) error {
	arg := fmt.Sprintf("%s %d %d %d", escapeFilename(of.Name), of.Size, of.Timestamp.Unix(), of.Offset)
	if err := b.s.writeFrame(NewCommandFrame(MFile, arg)); err != nil {
		return fmt.Errorf("binkp: send M_FILE: %w", err)
	}

	if of.Offset == 0 {
		if _, ok := b.s.ActiveOptions()[OptNR]; ok {
			if err := b.awaitResumeRedirect(of); err != nil {
				return err
			}
		}
	}

	f, err := os.Open(of.Path)
	if err != nil {
		return fmt.Errorf("binkp: open %s: %w", of.Path, err)
	}
	defer f.Close()

	if of.Offset > 0 {
		if _, err := f.Seek(of.Offset, io.SeekStart); err != nil {
			return fmt.Errorf("binkp: seek %s: %w", of.Path, err)
		}
	}

	of.State = StateSending
	buf := make([]byte, dataChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := b.s.writeFrame(NewDataFrame(buf[:n])); werr != nil {
				return fmt.Errorf("binkp: send file data: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("binkp: read %s: %w", of.Path, err)
		}
	}
	of.State = StateWaitingAck
	b.s.logf("sent %s (%s)", of.Name, util.FormatFileSize(of.Size))
	return nil
}

// awaitResumeRedirect gives the peer a brief window, immediately after a
// fresh offset-zero M_FILE announcement, to reply with M_GET requesting
// resume from an existing partial copy (spec.md §8 scenario 3) before any
// DATA frames are committed. It only runs when NR is active, since
// otherwise the peer has no reason to redirect this early and every send
// would just wait out the window for nothing.
//
// It keeps reading until a matching M_GET arrives or the window's overall
// deadline passes, rather than stopping at the first frame: a peer with
// nothing else to send writes its own M_EOB the instant its batch starts,
// before it has read anything at all, so that frame can reach this side
// ahead of the M_GET its M_FILE handling goes on to trigger. Every other
// frame read along the way is queued on b.pendingFrames for nextFrame to
// return first, in order, so none of it is lost to Run's dispatch loop.
//
// A matching M_GET updates of.Offset in place; sendFile's existing
// offset>0 seek then starts the stream from there, with no second M_FILE
// needed.
func (b *Batch) awaitResumeRedirect(of *OutboundFile) error {
	deadline := time.Now().Add(resumeGraceWindow)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		f, err := b.s.tryReadFrame(remaining)
		if err != nil {
			return fmt.Errorf("binkp: read resume reply: %w", err)
		}
		if f == nil {
			return nil
		}
		if f.Command && f.Type == MGet {
			fields := strings.Fields(string(f.Data))
			if len(fields) >= 2 && unescapeFilename(fields[0]) == of.Name {
				offset, err := strconv.ParseInt(fields[1], 10, 64)
				if err != nil {
					return fmt.Errorf("binkp: malformed M_GET offset %q", fields[1])
				}
				of.Offset = offset
				return nil
			}
		}
		b.pendingFrames = append(b.pendingFrames, f)
	}
}

func (b *Batch) handleMGot(arg string) error {
	name, _, _ := strings.Cut(arg, " ")
	if b.current == nil || unescapeFilename(name) != b.current.Name {
		return fmt.Errorf("binkp: M_GOT for unexpected file %q", name)
	}
	b.current.State = StateCompleted
	b.current = nil
	return nil
}

func (b *Batch) handleMSkip(arg string) {
	name, _, _ := strings.Cut(arg, " ")
	if b.current != nil && unescapeFilename(name) == b.current.Name {
		b.current = nil
	}
}

func (b *Batch) handleMGet(arg string) error {
	fields := strings.Fields(arg)
	if len(fields) < 2 {
		return fmt.Errorf("binkp: malformed M_GET %q", arg)
	}
	offset, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return fmt.Errorf("binkp: malformed M_GET offset %q", fields[1])
	}
	if b.current == nil || unescapeFilename(fields[0]) != b.current.Name {
		return nil
	}
	b.current.Offset = offset
	return b.sendFile(b.current)
}

// handleMFile processes an inbound M_FILE announcement, per spec.md §4.4/
// §8 scenario 3 ("resume after interruption with NR"). If the sender
// already named a nonzero offset itself, that offset is honored directly
// (some peers track their own resume state this way). Otherwise, when NR
// is active for this session and a same-named, non-empty partial temp file
// smaller than the announced size, left by an earlier, interrupted receipt
// of this file, is still on disk, the conflict is resolved by requesting the sender resume
// from that partial file's length: an M_GET naming the offset is sent, the
// existing partial file is reopened at that offset, and the sender's reply
// is DATA frames continuing the same file, not a second M_FILE (see
// awaitResumeRedirect). Without NR — or with no usable partial file — the
// transfer starts over from zero, truncating any stale partial data.
func (b *Batch) handleMFile(arg string) error {
	fields := strings.Fields(arg)
	if len(fields) != 4 {
		return fmt.Errorf("binkp: malformed M_FILE %q", arg)
	}
	name := unescapeFilename(fields[0])
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return fmt.Errorf("binkp: malformed M_FILE size %q", fields[1])
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return fmt.Errorf("binkp: malformed M_FILE timestamp %q", fields[2])
	}
	offset, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return fmt.Errorf("binkp: malformed M_FILE offset %q", fields[3])
	}

	if b.inbound != nil {
		return fmt.Errorf("binkp: M_FILE for %q while %q is still in progress", name, b.inbound.Name)
	}

	tempPath := filepath.Join(b.inboundDir, name+".bin.tmp")

	if offset == 0 {
		if _, ok := b.s.ActiveOptions()[OptNR]; ok {
			if partial, statErr := os.Stat(tempPath); statErr == nil && partial.Size() > 0 && partial.Size() < size {
				return b.requestResume(name, tempPath, size, time.Unix(ts, 0).UTC(), partial.Size())
			}
		}
	}

	var f *os.File
	if offset > 0 {
		f, err = os.OpenFile(tempPath, os.O_WRONLY, 0o644)
		if err != nil {
			offset = 0
			f, err = os.Create(tempPath)
		}
	} else {
		f, err = os.Create(tempPath)
	}
	if err != nil {
		return fmt.Errorf("binkp: open inbound temp file: %w", err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return fmt.Errorf("binkp: seek inbound temp file: %w", err)
		}
	}

	b.inbound = &InboundFile{
		Name:      name,
		Size:      size,
		Timestamp: time.Unix(ts, 0).UTC(),
		Offset:    offset,
		TempPath:  tempPath,
		FinalPath: filepath.Join(b.finalDir, name),
		f:         f,
		State:     StateReceiving,
	}
	return nil
}

// requestResume reopens an existing partial temp file for append at
// partialSize and sends M_GET asking the peer to restart this file's
// transfer from that offset, per spec.md §8 scenario 3. b.inbound is set up
// exactly as a fresh receipt would be (full size and timestamp carried over
// from the M_FILE that triggered this), except Offset and the file position
// start at partialSize instead of zero; the peer answers with DATA frames
// directly, not a second M_FILE.
func (b *Batch) requestResume(name string, tempPath string, size int64, ts time.Time, partialSize int64) error {
	f, err := os.OpenFile(tempPath, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("binkp: reopen partial inbound file %s: %w", tempPath, err)
	}
	if _, err := f.Seek(partialSize, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("binkp: seek partial inbound file %s: %w", tempPath, err)
	}

	b.inbound = &InboundFile{
		Name:      name,
		Size:      size,
		Timestamp: ts,
		Offset:    partialSize,
		TempPath:  tempPath,
		FinalPath: filepath.Join(b.finalDir, name),
		f:         f,
		State:     StateReceiving,
	}

	if err := b.s.writeFrame(NewCommandFrame(MGet, fmt.Sprintf("%s %d", escapeFilename(name), partialSize))); err != nil {
		f.Close()
		b.inbound = nil
		return fmt.Errorf("binkp: send M_GET resume request: %w", err)
	}
	b.s.logf("requesting resume of %s at offset %d", name, partialSize)
	return nil
}

func (b *Batch) handleData(data []byte) error {
	if b.inbound == nil {
		return fmt.Errorf("binkp: received DATA frame with no file in progress")
	}
	n, err := b.inbound.f.Write(data)
	if err != nil {
		return fmt.Errorf("binkp: write inbound data: %w", err)
	}
	b.inbound.Offset += int64(n)
	b.inbound.crc = crc32.Update(b.inbound.crc, crc32.IEEETable, data)

	if b.inbound.Offset < b.inbound.Size {
		return nil
	}
	return b.completeInbound()
}

func (b *Batch) completeInbound() error {
	in := b.inbound
	if err := in.f.Close(); err != nil {
		os.Remove(in.TempPath)
		b.inbound = nil
		return fmt.Errorf("binkp: close inbound temp file: %w", err)
	}
	if err := os.Rename(in.TempPath, in.FinalPath); err != nil {
		os.Remove(in.TempPath)
		b.inbound = nil
		return fmt.Errorf("binkp: rename inbound file into place: %w", err)
	}
	in.State = StateCompleted
	b.s.logf("received %s (%s, crc32=%08x)", in.Name, util.FormatFileSize(in.Size), in.crc)

	if err := b.s.writeFrame(NewCommandFrame(MGot, fmt.Sprintf("%s %d", escapeFilename(in.Name), in.Size))); err != nil {
		b.inbound = nil
		return fmt.Errorf("binkp: send M_GOT: %w", err)
	}

	if b.OnFileReceived != nil {
		if err := b.OnFileReceived(in.FinalPath); err != nil {
			b.s.logf("file received hook error for %s: %v", in.FinalPath, err)
		}
	}

	b.inbound = nil
	return nil
}

func escapeFilename(name string) string {
	return strings.ReplaceAll(name, " ", "\\ ")
}

func unescapeFilename(name string) string {
	return strings.ReplaceAll(name, "\\ ", " ")
}
