package binkp

import (
	"bufio"
	"crypto/crc32"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stlalpha/ftnd/internal/address"
	"github.com/stlalpha/ftnd/internal/logging"
)

// CrcError reports a frame that failed CRC verification; the session
// escalates it to M_ERR and closes, per spec.md §4.1.
type CrcError struct {
	Frame *Frame
}

func (e *CrcError) Error() string {
	return fmt.Sprintf("binkp: CRC mismatch on frame %s", e.Frame)
}

// Role distinguishes the dialing side of a binkp connection from the
// listening side; the two sides differ in who presents the CRAM challenge
// and who answers it.
type Role int

const (
	RoleOriginator Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOriginator {
		return "originator"
	}
	return "answerer"
}

// Phase is a session's position in the handshake/transfer/teardown
// lifecycle, per spec.md §3's Session state type.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseAuthWait
	PhaseAuthSent
	PhaseReady
	PhaseXfer
	PhaseEOBSent
	PhaseEOBAcked
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseAuthWait:
		return "AUTH_WAIT"
	case PhaseAuthSent:
		return "AUTH_SENT"
	case PhaseReady:
		return "READY"
	case PhaseXfer:
		return "XFER"
	case PhaseEOBSent:
		return "EOB_SENT"
	case PhaseEOBAcked:
		return "EOB_ACKED"
	case PhaseClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Config holds the locally-owned parameters of a session: who we claim to
// be, what we support, and how we authenticate peers.
type Config struct {
	Role Role

	LocalAddresses []address.Address
	SystemName     string
	Sysop          string
	Location       string
	Version        string

	// Password is this node's shared secret with the peer. For the
	// answerer it is the secret the originator's M_PWD is checked against
	// (replaced by PasswordLookup's result when that is set and non-empty);
	// for the originator it is the configured outbound secret.
	Password string

	SupportedOptions OptionSet
	SupportedCram    []string // ranked strongest-first; empty disables CRAM

	// PasswordLookup, when set, resolves the per-network secret for an
	// answerer session once the peer's M_ADR addresses are known,
	// overriding Password. Used by a listener serving several networks
	// from one accept loop, where the right secret isn't known until the
	// peer identifies itself.
	PasswordLookup func(remote []address.Address) string

	Timeout time.Duration
}

// RemoteInfo collects what the peer announced about itself during the
// handshake.
type RemoteInfo struct {
	Addresses  []address.Address
	SystemName string
	Sysop      string
	Location   string
	Version    string
	Time       string
}

// Session drives one binkp connection through handshake, transfer, and
// teardown. Its CRAM, CRC, and PLZ state are owned sub-components reached
// only through the Session itself; there are no back-references, per
// spec.md §5.
type Session struct {
	// ID uniquely identifies this session for log correlation; it has no
	// meaning on the wire.
	ID string

	conn   net.Conn
	r      *bufio.Reader
	cfg    Config
	phase  Phase
	debug  bool

	remote RemoteInfo

	localOptions  OptionSet
	activeOptions OptionSet
	authenticated bool

	cramAlgo      string
	cramChallenge string

	// cramOffered holds the challenges this node generated as answerer,
	// keyed by algorithm, so verifyPassword can look up the one the
	// originator actually used.
	cramOffered map[string]string

	crcEnabled bool
	plz        *plzCodec

	localEOBSent   bool
	remoteEOBRecvd bool

	batch *Batch
}

// NewSession creates a session bound to an already-connected socket. Caller
// chooses Role via cfg; everything else about the handshake follows from
// it.
func NewSession(conn net.Conn, cfg Config) *Session {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Session{
		ID:           uuid.NewString(),
		conn:         conn,
		r:            NewFrameReader(conn),
		cfg:          cfg,
		phase:        PhaseInit,
		localOptions: cfg.SupportedOptions,
	}
}

// SetDebug toggles verbose frame logging.
func (s *Session) SetDebug(debug bool) { s.debug = debug }

// Phase returns the session's current lifecycle phase.
func (s *Session) Phase() Phase { return s.phase }

// RemoteInfo returns what the peer announced about itself.
func (s *Session) RemoteInfo() RemoteInfo { return s.remote }

// ActiveOptions returns the negotiated option set, valid only once the
// session has reached READY.
func (s *Session) ActiveOptions() OptionSet { return s.activeOptions }

func (s *Session) logf(format string, args ...any) {
	if s.debug {
		log.Printf("binkp[%s %s]: "+format, append([]any{s.ID, s.cfg.Role}, args...)...)
	}
}

// isCRCFramed reports whether f carries a trailing CRC32 when CRC is
// negotiated: every DATA frame and M_FILE/M_GOT command, per spec.md §4.1.
func isCRCFramed(f *Frame) bool {
	if !f.Command {
		return true
	}
	return f.Type == MFile || f.Type == MGot
}

// writeFrame writes f, applying PLZ compression and CRC trailers if active.
func (s *Session) writeFrame(f *Frame) error {
	out := f
	crcSource := f.Data
	if s.plz != nil {
		compressed, err := s.plz.compress(f.Data)
		if err != nil {
			return fmt.Errorf("binkp: plz compress: %w", err)
		}
		out = &Frame{Command: f.Command, Type: f.Type, Data: compressed}
		crcSource = compressed
	}

	s.logf("-> %s", f)
	if err := WriteFrame(s.conn, out); err != nil {
		return err
	}
	if s.crcEnabled && isCRCFramed(f) {
		var trailer [4]byte
		binary.BigEndian.PutUint32(trailer[:], crc32.ChecksumIEEE(crcSource))
		if _, err := s.conn.Write(trailer[:]); err != nil {
			return fmt.Errorf("binkp: write CRC trailer: %w", err)
		}
	}
	return nil
}

// readFrame reads the next frame, applying CRC verification and PLZ
// decompression if active.
func (s *Session) readFrame() (*Frame, error) {
	f, err := ReadFrame(s.r)
	if err != nil {
		return nil, err
	}

	if s.crcEnabled && isCRCFramed(f) {
		var trailer [4]byte
		if _, err := io.ReadFull(s.r, trailer[:]); err != nil {
			return nil, fmt.Errorf("binkp: read CRC trailer: %w", err)
		}
		if crc32.ChecksumIEEE(f.Data) != binary.BigEndian.Uint32(trailer[:]) {
			return nil, &CrcError{Frame: f}
		}
	}

	if s.plz != nil {
		plain, err := s.plz.decompress(f.Data)
		if err != nil {
			return nil, fmt.Errorf("binkp: plz decompress: %w", err)
		}
		f.Data = plain
	}
	s.logf("<- %s", f)
	return f, nil
}

// tryReadFrame attempts to read the next frame within d, used by the batch
// engine's brief post-M_FILE window for an NR resume redirect. A timeout is
// reported as (nil, nil) rather than an error; the read deadline is always
// restored to "none" before returning, matching the rest of the transfer
// phase, which does not otherwise bound reads.
func (s *Session) tryReadFrame(d time.Duration) (*Frame, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(d))
	f, err := s.readFrame()
	_ = s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// Handshake drives the session through INIT and AUTH_WAIT, ending in READY
// on success. On any failure it sends M_ERR (when the failure is visible to
// the peer) and returns an error; the caller is responsible for closing the
// connection.
func (s *Session) Handshake() error {
	deadline := time.Now().Add(s.cfg.Timeout)
	_ = s.conn.SetDeadline(deadline)

	if err := s.sendInit(); err != nil {
		return err
	}
	s.phase = PhaseAuthWait

	if err := s.runAuthWait(); err != nil {
		s.sendError(err.Error())
		return err
	}

	s.phase = PhaseReady
	_ = s.conn.SetDeadline(time.Time{})
	return nil
}

func (s *Session) sendInit() error {
	nulLines := []string{
		"SYS " + s.cfg.SystemName,
		"ZYZ " + s.cfg.Sysop,
		"LOC " + s.cfg.Location,
		"VER " + s.cfg.Version,
		"TIME " + time.Now().Format(time.RFC822),
	}

	optLine := FormatOptionLine(s.localOptions)
	if s.cfg.Role == RoleAnswerer && len(s.cfg.SupportedCram) > 0 {
		challenges, err := s.generateCramChallenges()
		if err != nil {
			return err
		}
		if optLine != "" {
			optLine += " "
		}
		optLine += challenges
	}
	if optLine != "" {
		nulLines = append(nulLines, "OPT "+optLine)
	}

	for _, line := range nulLines {
		if err := s.writeFrame(NewCommandFrame(MNul, line)); err != nil {
			return fmt.Errorf("binkp: send M_NUL: %w", err)
		}
	}

	addrs := make([]string, len(s.cfg.LocalAddresses))
	for i, a := range s.cfg.LocalAddresses {
		addrs[i] = a.String()
	}
	if err := s.writeFrame(NewCommandFrame(MAdr, strings.Join(addrs, " "))); err != nil {
		return fmt.Errorf("binkp: send M_ADR: %w", err)
	}

	if s.cfg.Role == RoleOriginator {
		// The originator doesn't yet know the CRAM challenge (it arrives
		// in the answerer's M_NUL OPT line, read in runAuthWait), so the
		// password frame is deferred there.
		return nil
	}
	return nil
}

// generateCramChallenges builds "CRAM-<ALGO>-<hex>" tokens for every
// algorithm this node supports as answerer.
func (s *Session) generateCramChallenges() (string, error) {
	var parts []string
	for _, algo := range s.cfg.SupportedCram {
		challenge, err := GenerateChallenge(16)
		if err != nil {
			return "", err
		}
		if s.cramOffered == nil {
			s.cramOffered = make(map[string]string)
		}
		s.cramOffered[strings.ToUpper(algo)] = challenge
		parts = append(parts, FormatChallengeOption(algo, challenge))
	}
	return strings.Join(parts, " "), nil
}

func (s *Session) runAuthWait() error {
	var (
		remoteOptions OptionSet
		cramOffered   map[string]string
	)

	for {
		f, err := s.readFrame()
		if err != nil {
			return fmt.Errorf("binkp: auth wait: %w", err)
		}
		if !f.Command {
			return fmt.Errorf("binkp: unexpected data frame during handshake")
		}

		switch f.Type {
		case MNul:
			key, value, _ := strings.Cut(string(f.Data), " ")
			switch strings.ToUpper(key) {
			case "SYS":
				s.remote.SystemName = value
			case "ZYZ":
				s.remote.Sysop = value
			case "LOC":
				s.remote.Location = value
			case "VER":
				s.remote.Version = value
			case "TIME":
				s.remote.Time = value
			case "OPT":
				remoteOptions = ParseOptionLine(value)
				cramOffered = ExtractCramChallenges(value)
			}

		case MAdr:
			for _, tok := range strings.Fields(string(f.Data)) {
				addr, err := address.Parse(strings.TrimSuffix(tok, "@"))
				if err != nil {
					continue
				}
				s.remote.Addresses = append(s.remote.Addresses, addr)
			}

			if s.cfg.Role == RoleOriginator {
				if err := s.sendCramResponse(cramOffered); err != nil {
					return err
				}
			}

		case MPwd:
			if s.cfg.Role == RoleAnswerer {
				if s.cfg.PasswordLookup != nil {
					if pw := s.cfg.PasswordLookup(s.remote.Addresses); pw != "" {
						s.cfg.Password = pw
					}
				}
				if err := s.verifyPassword(string(f.Data)); err != nil {
					return err
				}
				if err := s.writeFrame(NewCommandFrame(MOk, "")); err != nil {
					return fmt.Errorf("binkp: send M_OK: %w", err)
				}
				return s.finishNegotiation(remoteOptions)
			}

		case MOk:
			if s.cfg.Role == RoleOriginator {
				return s.finishNegotiation(remoteOptions)
			}

		case MErr:
			return fmt.Errorf("binkp: remote error: %s", string(f.Data))

		case MBsy:
			return fmt.Errorf("binkp: remote busy: %s", string(f.Data))

		default:
			// Ignore anything else during handshake; transfer frames are
			// not expected until READY.
		}
	}
}

func (s *Session) sendCramResponse(offered map[string]string) error {
	algo, challenge, ok := SelectCramChallenge(offered, s.cfg.SupportedCram)
	if !ok {
		// No mutually supported CRAM algorithm: fall back to plaintext.
		return s.writeFrame(NewCommandFrame(MPwd, s.cfg.Password))
	}
	digest, err := ComputeDigest(algo, s.cfg.Password, challenge)
	if err != nil {
		return fmt.Errorf("binkp: compute CRAM digest: %w", err)
	}
	s.cramAlgo = algo
	s.cramChallenge = challenge
	s.authenticated = true // originator trusts its own computed digest; final trust is the peer's M_OK
	return s.writeFrame(NewCommandFrame(MPwd, FormatPasswordResponse(algo, digest)))
}

func (s *Session) verifyPassword(remotePassword string) error {
	algo, digest, isCram := ParsePasswordResponse(remotePassword)
	if isCram && len(s.cfg.SupportedCram) > 0 {
		challenge, ok := s.cramOffered[strings.ToUpper(algo)]
		if !ok {
			return fmt.Errorf("binkp: CRAM response for algorithm %s we never offered", algo)
		}
		if VerifyDigest(algo, s.cfg.Password, challenge, digest) {
			s.authenticated = true
			return nil
		}
		return fmt.Errorf("binkp: CRAM authentication failed")
	}
	if remotePassword == s.cfg.Password {
		s.authenticated = true
		return nil
	}
	return fmt.Errorf("binkp: bad password")
}

func (s *Session) finishNegotiation(remoteOptions OptionSet) error {
	if !s.authenticated {
		return fmt.Errorf("binkp: handshake ended before authentication completed")
	}
	active, err := Negotiate(s.localOptions, remoteOptions)
	if err != nil {
		return err
	}
	s.activeOptions = active
	if _, ok := active[OptCRC]; ok {
		s.crcEnabled = true
	}
	if plzOpt, ok := active[OptPLZ]; ok {
		s.plz = newPLZCodec(plzOpt.Level)
	}
	logging.Debug("binkp: negotiated options: %s", FormatOptionLine(active))
	return nil
}

func (s *Session) sendError(msg string) {
	_ = s.writeFrame(NewCommandFrame(MErr, msg))
}

// SendEOB sends M_EOB once, tracking that it was sent.
func (s *Session) SendEOB() error {
	if s.localEOBSent {
		return nil
	}
	if err := s.writeFrame(&Frame{Command: true, Type: MEob}); err != nil {
		return err
	}
	s.localEOBSent = true
	return nil
}

// Close performs an orderly shutdown: ensures M_EOB has been exchanged (best
// effort, bounded by a short deadline), then closes the write side before
// the full connection, matching the graceful-shutdown convention peers
// expect so they don't see a reset.
func (s *Session) Close() error {
	s.phase = PhaseClosing
	if s.conn == nil {
		return nil
	}

	if !s.localEOBSent {
		_ = s.SendEOB()
	}
	if !s.remoteEOBRecvd {
		_ = s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			f, err := s.readFrame()
			if err != nil {
				break
			}
			if f.Command && f.Type == MEob {
				s.remoteEOBRecvd = true
				break
			}
		}
	}

	if tcpConn, ok := s.conn.(*net.TCPConn); ok {
		if err := tcpConn.CloseWrite(); err == nil {
			_ = tcpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			buf := make([]byte, 1024)
			for {
				if _, err := tcpConn.Read(buf); err != nil {
					break
				}
			}
		}
	}

	return s.conn.Close()
}

var _ io.Closer = (*Session)(nil)
