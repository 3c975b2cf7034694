package mailer

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stlalpha/ftnd/internal/address"
	"github.com/stlalpha/ftnd/internal/binkp"
	"github.com/stlalpha/ftnd/internal/config"
)

func parseAddr(t *testing.T, s string) address.Address {
	t.Helper()
	a, err := address.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

// runAnswerer accepts one connection on ln and drives it as a binkp
// answerer with no files to offer, mirroring how a real hub would
// respond to an empty poll.
func runAnswerer(t *testing.T, ln net.Listener, local address.Address, inboundDir string) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	sess := binkp.NewSession(conn, binkp.Config{
		Role:           binkp.RoleAnswerer,
		LocalAddresses: []address.Address{local},
		SystemName:     "hub",
		Timeout:        5 * time.Second,
	})
	if err := sess.Handshake(); err != nil {
		t.Logf("answerer handshake: %v", err)
		return
	}
	batch := binkp.NewBatch(sess, inboundDir, inboundDir)
	if err := batch.Run(); err != nil {
		t.Logf("answerer batch: %v", err)
	}
	sess.Close()
}

func newTestMailer(t *testing.T, networks map[string]config.NetworkConfig) *Mailer {
	t.Helper()
	historyPath := filepath.Join(t.TempDir(), "history.json")
	return New(Settings{
		Node:     config.NodeConfig{Address: parseAddr(t, "1:1/100"), SystemName: "test"},
		Networks: networks,
	}, historyPath)
}

func TestNewSeedsStateForEveryConfiguredNetwork(t *testing.T) {
	m := newTestMailer(t, map[string]config.NetworkConfig{
		"fidonet": {},
		"fsxnet":  {},
	})
	states := m.States()
	if len(states) != 2 {
		t.Fatalf("states = %d, want 2", len(states))
	}
	if _, ok := states["fidonet"]; !ok {
		t.Error("missing fidonet state")
	}
}

func TestHubDialAddressRequiresHubAndDomain(t *testing.T) {
	m := newTestMailer(t, nil)

	if _, err := m.hubDialAddress(config.NetworkConfig{}); err == nil {
		t.Fatal("expected error with no hub configured")
	}

	hub := parseAddr(t, "1:1/1")
	if _, err := m.hubDialAddress(config.NetworkConfig{Hub: &hub}); err == nil {
		t.Fatal("expected error with no domain configured")
	}

	addr, err := m.hubDialAddress(config.NetworkConfig{Hub: &hub, Domain: "hub.example.org"})
	if err != nil {
		t.Fatalf("hubDialAddress: %v", err)
	}
	if addr != "hub.example.org:24554" {
		t.Errorf("addr = %q, want hub.example.org:24554", addr)
	}
}

func TestPollNowUnknownNetwork(t *testing.T) {
	m := newTestMailer(t, map[string]config.NetworkConfig{"fidonet": {}})
	if err := m.PollNow("nonesuch"); err == nil {
		t.Fatal("expected error for unknown network")
	}
}

func TestPollRecordsFailureAndAdvancesNextPollTimeOnDialError(t *testing.T) {
	hub := parseAddr(t, "1:1/1")
	wantErr := errors.New("connection refused")

	m := newTestMailer(t, map[string]config.NetworkConfig{
		"fidonet": {Hub: &hub, Domain: "hub.example.org", PollFrequency: time.Minute},
	})
	m.ctx = context.Background()
	m.dialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, wantErr
	}

	start := time.Now()
	if err := m.PollNow("fidonet"); err == nil {
		t.Fatal("expected dial error to propagate")
	}

	states := m.States()
	st := states["fidonet"]
	if st.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", st.ConsecutiveFailures)
	}
	if st.LastError == "" {
		t.Error("expected LastError to be set")
	}
	if !st.NextPollTime.After(start) {
		t.Error("expected NextPollTime to advance past start")
	}
}

func TestPollSucceedsAgainstLoopbackAnswerer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	hubAddr := parseAddr(t, "1:1/1")
	localAddr := parseAddr(t, "1:1/100")

	answererDone := make(chan struct{})
	go func() {
		defer close(answererDone)
		runAnswerer(t, ln, hubAddr, t.TempDir())
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}

	m := newTestMailer(t, map[string]config.NetworkConfig{
		"fidonet": {
			Address:       localAddr,
			Hub:           &hubAddr,
			Domain:        "127.0.0.1",
			Inbox:         t.TempDir(),
			Outbox:        t.TempDir(),
			PollFrequency: time.Minute,
		},
	})
	m.ctx = context.Background()
	m.dialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort("127.0.0.1", port))
	}

	var polled int32
	m.cfg.Metrics = recordingMetrics{counter: &polled}

	if err := m.PollNow("fidonet"); err != nil {
		t.Fatalf("PollNow: %v", err)
	}
	<-answererDone

	if atomic.LoadInt32(&polled) != 1 {
		t.Errorf("metrics recorded %d polls, want 1", polled)
	}

	states := m.States()
	st := states["fidonet"]
	if st.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", st.ConsecutiveFailures)
	}
	if st.LastSuccessTime.IsZero() {
		t.Error("expected LastSuccessTime to be set")
	}
}

type recordingMetrics struct {
	counter *int32
}

func (r recordingMetrics) RecordPoll(network string, success bool, duration time.Duration) {
	atomic.AddInt32(r.counter, 1)
}

func TestSaveAndLoadHistoryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.json")

	m := newTestMailer(t, map[string]config.NetworkConfig{"fidonet": {}})
	m.historyPath = path
	m.states["fidonet"].ConsecutiveFailures = 3
	m.states["fidonet"].LastError = "boom"

	if err := m.saveHistory(); err != nil {
		t.Fatalf("saveHistory: %v", err)
	}

	reloaded, err := loadHistory(path)
	if err != nil {
		t.Fatalf("loadHistory: %v", err)
	}
	st, ok := reloaded["fidonet"]
	if !ok {
		t.Fatal("missing fidonet in reloaded history")
	}
	if st.ConsecutiveFailures != 3 || st.LastError != "boom" {
		t.Errorf("reloaded state = %+v, want ConsecutiveFailures=3 LastError=boom", st)
	}
}

func TestLoadHistoryMissingFileStartsEmpty(t *testing.T) {
	states, err := loadHistory(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("loadHistory: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("states = %d, want 0", len(states))
	}
}
