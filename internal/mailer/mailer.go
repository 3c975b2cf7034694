// Package mailer implements the outbound poll scheduler: per network, it
// dials the configured hub on a timer and drives a binkp session as the
// originator, per spec.md §4.11. The scheduling skeleton (cron-driven
// timer, a bounded concurrency semaphore, and a persisted per-job history
// file) is grounded on stlalpha-vision3/internal/scheduler's
// Scheduler/history pair; the executed unit changes from "run an external
// command" to "dial a hub and toss a batch".
package mailer

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/xid"

	"github.com/stlalpha/ftnd/internal/address"
	"github.com/stlalpha/ftnd/internal/binkp"
	"github.com/stlalpha/ftnd/internal/config"
)

// Metrics is the narrow observation seam mailer needs; internal/metrics'
// Collector satisfies it structurally, no import required in either
// direction.
type Metrics interface {
	RecordPoll(network string, success bool, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordPoll(string, bool, time.Duration) {}

// Settings is the mailer's resolved configuration: the local node
// identity and every network it polls.
type Settings struct {
	Node     config.NodeConfig
	Networks map[string]config.NetworkConfig

	// DialTimeout bounds the TCP connect attempt; SessionTimeout becomes
	// binkp.Config.Timeout, which bounds the binkp handshake as a whole.
	// Frame reads and writes in the transfer phase are not bounded by it.
	DialTimeout    time.Duration
	SessionTimeout time.Duration

	SupportedOptions binkp.OptionSet
	SupportedCram    []string

	// MaxConcurrentPolls bounds how many hubs are dialed at once, the
	// same role stlalpha-vision3's concurrencySem plays for events.
	MaxConcurrentPolls int

	Metrics Metrics
}

// NetworkState is one network's poll bookkeeping, per spec.md §4.11.
type NetworkState struct {
	Network             string    `json:"network"`
	NextPollTime        time.Time `json:"next_poll_time"`
	LastSuccessTime     time.Time `json:"last_success_time"`
	LastAttemptTime     time.Time `json:"last_attempt_time"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Mailer polls every configured network's hub on its own interval and
// drives a binkp session as originator against it.
type Mailer struct {
	cfg         Settings
	historyPath string

	cron *cron.Cron
	sem  chan struct{}

	mu     sync.RWMutex
	states map[string]*NetworkState

	ctx    context.Context
	cancel context.CancelFunc

	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New assembles a Mailer. historyPath is where per-network poll state is
// persisted across restarts, in the same JSON-list-to-map shape
// stlalpha-vision3's scheduler history uses.
func New(cfg Settings, historyPath string) *Mailer {
	if cfg.MaxConcurrentPolls <= 0 {
		cfg.MaxConcurrentPolls = 4
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}

	states, err := loadHistory(historyPath)
	if err != nil {
		log.Printf("WARN: mailer: failed to load poll history from %s: %v", historyPath, err)
		states = make(map[string]*NetworkState)
	}
	for name := range cfg.Networks {
		if _, ok := states[name]; !ok {
			states[name] = &NetworkState{Network: name}
		}
	}

	m := &Mailer{
		cfg:         cfg,
		historyPath: historyPath,
		sem:         make(chan struct{}, cfg.MaxConcurrentPolls),
		states:      states,
		dialFunc: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: cfg.DialTimeout}
			return d.DialContext(ctx, network, addr)
		},
	}
	return m
}

// Start begins polling every network on its own "@every <poll_frequency>"
// schedule (default 30 minutes when unset) until ctx is cancelled.
// Readiness of the whole scheduler is the minimum of any network's next
// scheduled run, which is exactly what robfig/cron's own run loop already
// computes, per spec.md §4.11.
func (m *Mailer) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	defer m.cancel()

	m.cron = cron.New()
	for name, netCfg := range m.cfg.Networks {
		name, nc := name, netCfg
		freq := nc.PollFrequency
		if freq <= 0 {
			freq = 30 * time.Minute
		}
		if freq < time.Second {
			freq = time.Second
		}
		spec := fmt.Sprintf("@every %s", freq)
		if _, err := m.cron.AddFunc(spec, func() { m.pollWithConcurrency(name, nc) }); err != nil {
			log.Printf("ERROR: mailer: schedule network %s: %v", name, err)
			continue
		}
		log.Printf("INFO: mailer: network %s polling every %s", name, freq)
	}

	m.cron.Start()
	log.Printf("INFO: mailer started (%d networks, max %d concurrent polls)", len(m.cfg.Networks), m.cfg.MaxConcurrentPolls)

	<-m.ctx.Done()
	log.Printf("INFO: mailer stopping")
	m.Stop()
}

// Stop drains running polls and persists history.
func (m *Mailer) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	if err := m.saveHistory(); err != nil {
		log.Printf("ERROR: mailer: save poll history: %v", err)
	}
}

// PollNow polls a single network immediately, bypassing the schedule.
// Used by cmd/ftnmailer's manual "poll now" operation and by tests.
func (m *Mailer) PollNow(name string) error {
	nc, ok := m.cfg.Networks[name]
	if !ok {
		return fmt.Errorf("mailer: unknown network %q", name)
	}
	return m.poll(name, nc)
}

func (m *Mailer) pollWithConcurrency(name string, nc config.NetworkConfig) {
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	default:
		log.Printf("WARN: mailer: network %s skipped, max concurrent polls reached", name)
		return
	}
	if err := m.poll(name, nc); err != nil {
		log.Printf("ERROR: mailer: poll %s: %v", name, err)
	}
}

// States returns a snapshot of every network's poll bookkeeping.
func (m *Mailer) States() map[string]NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]NetworkState, len(m.states))
	for k, v := range m.states {
		out[k] = *v
	}
	return out
}

func (m *Mailer) hubDialAddress(nc config.NetworkConfig) (string, error) {
	if nc.Hub == nil {
		return "", fmt.Errorf("mailer: network has no configured hub")
	}
	if nc.Domain == "" {
		return "", fmt.Errorf("mailer: network has no configured hub hostname")
	}
	const defaultBinkpPort = 24554 // IANA-assigned default
	return fmt.Sprintf("%s:%d", nc.Domain, defaultBinkpPort), nil
}

// poll dials net's hub, runs one binkp session as originator, and tosses
// every file in nc.Outbox; anything the hub sends back lands in
// nc.Inbox for the tosser's next cycle. Counters update and
// next_poll_time advances regardless of outcome, per spec.md §4.11.
func (m *Mailer) poll(name string, nc config.NetworkConfig) error {
	correlationID := xid.New().String()
	start := time.Now()
	log.Printf("INFO: mailer[%s]: polling network %s", correlationID, name)
	err := m.dialAndTransfer(name, nc)
	m.recordResult(name, nc, start, err)
	m.cfg.Metrics.RecordPoll(name, err == nil, time.Since(start))
	if err != nil {
		log.Printf("WARN: mailer[%s]: poll %s failed: %v", correlationID, name, err)
	} else {
		log.Printf("INFO: mailer[%s]: poll %s complete in %s", correlationID, name, time.Since(start))
	}
	return err
}

func (m *Mailer) dialAndTransfer(name string, nc config.NetworkConfig) error {
	addr, err := m.hubDialAddress(nc)
	if err != nil {
		return err
	}

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	conn, err := m.dialFunc(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mailer: dial %s: %w", addr, err)
	}
	defer conn.Close()

	localAddrs := []address.Address{m.cfg.Node.Address}

	sess := binkp.NewSession(conn, binkp.Config{
		Role:             binkp.RoleOriginator,
		LocalAddresses:   localAddrs,
		SystemName:       m.cfg.Node.SystemName,
		Sysop:            m.cfg.Node.Sysop,
		Password:         nc.Password,
		SupportedOptions: m.cfg.SupportedOptions,
		SupportedCram:    m.cfg.SupportedCram,
		Timeout:          m.cfg.SessionTimeout,
	})
	if err := sess.Handshake(); err != nil {
		return fmt.Errorf("mailer: handshake with %s: %w", addr, err)
	}

	batch := binkp.NewBatch(sess, nc.Inbox, nc.Inbox)
	batch.OnFileReceived = func(string) error { return nil }

	if nc.Outbox != "" {
		entries, err := os.ReadDir(nc.Outbox)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("mailer: read outbox %s: %w", nc.Outbox, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pkt") {
				continue
			}
			if err := batch.Queue(filepath.Join(nc.Outbox, e.Name())); err != nil {
				return fmt.Errorf("mailer: queue %s: %w", e.Name(), err)
			}
		}
	}

	if err := batch.Run(); err != nil {
		sess.Close()
		return fmt.Errorf("mailer: transfer with %s: %w", addr, err)
	}
	return sess.Close()
}

func (m *Mailer) recordResult(name string, nc config.NetworkConfig, start time.Time, pollErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[name]
	if !ok {
		st = &NetworkState{Network: name}
		m.states[name] = st
	}

	st.LastAttemptTime = start
	if pollErr == nil {
		st.LastSuccessTime = start
		st.ConsecutiveFailures = 0
		st.LastError = ""
	} else {
		st.ConsecutiveFailures++
		st.LastError = pollErr.Error()
	}

	freq := nc.PollFrequency
	if freq <= 0 {
		freq = 30 * time.Minute
	}
	st.NextPollTime = start.Add(freq)
}
