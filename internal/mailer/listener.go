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

	"github.com/rs/xid"

	"github.com/stlalpha/ftnd/internal/address"
	"github.com/stlalpha/ftnd/internal/binkp"
	"github.com/stlalpha/ftnd/internal/config"
)

// Listener accepts inbound binkp connections and drives each one as the
// answerer, one goroutine per connection per spec.md §5 ("each session
// owns its file descriptors... no sharing across sessions"). Received
// files land directly in the owning network's inbox directory for the
// tosser's next scan; the per-network secret is resolved from the peer's
// M_ADR addresses since a listener serves every configured network from
// a single accept loop.
type Listener struct {
	cfg Settings

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewListener builds a Listener bound to cfg's networks and options.
func NewListener(cfg Settings) *Listener {
	return &Listener{cfg: cfg}
}

// Serve accepts connections on addr (e.g. ":24554") until ctx is
// cancelled. It blocks until the listener is closed.
func (l *Listener) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mailer: listen %s: %w", addr, err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	log.Printf("INFO: mailer: binkp listener on %s", addr)

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		if l.listener != nil {
			l.listener.Close()
		}
		l.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return nil
			default:
				return fmt.Errorf("mailer: accept: %w", err)
			}
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
		}()
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	correlationID := xid.New().String()
	log.Printf("INFO: mailer[%s]: inbound connection from %s", correlationID, remote)

	sess := binkp.NewSession(conn, binkp.Config{
		Role:             binkp.RoleAnswerer,
		LocalAddresses:   l.localAddresses(),
		SystemName:       l.cfg.Node.SystemName,
		Sysop:            l.cfg.Node.Sysop,
		Password:         l.cfg.Node.Password,
		SupportedOptions: l.cfg.SupportedOptions,
		SupportedCram:    l.cfg.SupportedCram,
		PasswordLookup:   l.lookupPassword,
		Timeout:          l.cfg.SessionTimeout,
	})

	start := time.Now()
	err := l.runSession(sess)
	l.cfg.Metrics.RecordPoll("inbound", err == nil, time.Since(start))
	if err != nil {
		log.Printf("WARN: mailer[%s]: inbound session from %s: %v", correlationID, remote, err)
		return
	}
	log.Printf("INFO: mailer[%s]: inbound session from %s complete", correlationID, remote)
}

func (l *Listener) runSession(sess *binkp.Session) error {
	if err := sess.Handshake(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	nc, ok := l.networkFor(sess.RemoteInfo().Addresses)
	if !ok {
		sess.Close()
		return fmt.Errorf("no configured network for remote addresses %v", sess.RemoteInfo().Addresses)
	}
	if nc.Inbox == "" {
		sess.Close()
		return fmt.Errorf("network %s has no inbox configured", nc.Name)
	}
	if err := os.MkdirAll(nc.Inbox, 0o755); err != nil {
		sess.Close()
		return fmt.Errorf("mkdir inbox %s: %w", nc.Inbox, err)
	}

	batch := binkp.NewBatch(sess, nc.Inbox, nc.Inbox)
	if nc.Outbox != "" {
		entries, err := os.ReadDir(nc.Outbox)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pkt") {
					continue
				}
				if err := batch.Queue(filepath.Join(nc.Outbox, e.Name())); err != nil {
					log.Printf("WARN: mailer: queue %s for inbound session: %v", e.Name(), err)
				}
			}
		}
	}

	if err := batch.Run(); err != nil {
		sess.Close()
		return fmt.Errorf("transfer: %w", err)
	}
	return sess.Close()
}

// networkFor finds the configured network matching one of the peer's
// advertised addresses.
func (l *Listener) networkFor(remote []address.Address) (config.NetworkConfig, bool) {
	for _, nc := range l.cfg.Networks {
		if nc.Hub == nil {
			continue
		}
		for _, a := range remote {
			if a.Equal(*nc.Hub) {
				return nc, true
			}
		}
	}
	if len(l.cfg.Networks) == 1 {
		for _, nc := range l.cfg.Networks {
			return nc, true
		}
	}
	return config.NetworkConfig{}, false
}

// lookupPassword resolves the shared secret for whichever network the
// peer's addresses identify, falling back to the node-level default.
func (l *Listener) lookupPassword(remote []address.Address) string {
	if nc, ok := l.networkFor(remote); ok && nc.Password != "" {
		return nc.Password
	}
	return l.cfg.Node.Password
}

func (l *Listener) localAddresses() []address.Address {
	addrs := []address.Address{l.cfg.Node.Address}
	for _, nc := range l.cfg.Networks {
		addrs = append(addrs, nc.Address)
	}
	return addrs
}
