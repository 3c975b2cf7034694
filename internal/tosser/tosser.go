// Package tosser implements the store-and-forward packet processor:
// scanning inbound .pkt files dropped by binkp sessions, routing and
// delivering their messages, and packing outbound queues back into .pkt
// files for the next poll. The daemon loop shape (ticker plus
// context.Done, periodic dupe-DB save on shutdown) follows
// stlalpha-vision3/internal/tosser/runner.go; the packet codec and
// routing/storage are the new FTN stack (internal/ftn, internal/router,
// internal/storage, internal/dupe) rather than vision3's JAM message base.
package tosser

import (
	"sync"

	"github.com/stlalpha/ftnd/internal/address"
	"github.com/stlalpha/ftnd/internal/config"
	"github.com/stlalpha/ftnd/internal/dupe"
	"github.com/stlalpha/ftnd/internal/ftn"
	"github.com/stlalpha/ftnd/internal/message"
	"github.com/stlalpha/ftnd/internal/router"
	"github.com/stlalpha/ftnd/internal/storage"
)

// Metrics is the narrow observation seam the tosser needs;
// internal/metrics.Collector satisfies it structurally, no import
// required in either direction.
type Metrics interface {
	RecordImport(network string, packetsProcessed, messagesImported, messagesExported, dupesSkipped int)
	RecordDeliveryError(network, kind string)
	SetQueueDepth(network string, depth int)
}

type noopMetrics struct{}

func (noopMetrics) RecordImport(string, int, int, int, int) {}
func (noopMetrics) RecordDeliveryError(string, string)      {}
func (noopMetrics) SetQueueDepth(string, int)                {}

// Settings is the subset of the daemon's loaded configuration the tosser
// needs: the local node identity, one or more FTN network sections, and
// the polling interval. Assembled by cmd/ftntoss from a *config.Config.
type Settings struct {
	NodeAddress address.Address
	Networks    map[string]config.NetworkConfig
	PollSeconds int
	Metrics     Metrics
}

// TossResult summarizes one RunOnce import+export cycle.
type TossResult struct {
	PacketsProcessed int
	MessagesImported int
	MessagesExported int
	DupesSkipped     int
	Errors           []string
}

// ImportResult summarizes a single ProcessInbound call.
type ImportResult struct {
	PacketsProcessed int
	MessagesImported int
	DupesSkipped     int
	Errors           []string
}

// ExportResult summarizes a single ScanAndExport call.
type ExportResult struct {
	MessagesExported int
	Errors           []string
}

// Tosser ties together the router, storage backends and duplicate
// detector into the inbound/outbound packet pipeline for one or more FTN
// networks sharing a single local node identity.
type Tosser struct {
	config Settings

	router    *router.Router
	mailStore *storage.MailStore
	newsStore *storage.NewsStore
	dupeDB    *dupe.DB
	hwm       *HighWaterMark

	mu            sync.Mutex
	forwardQueues map[string][]queuedMessage // network name -> pending outbound
}

type queuedMessage struct {
	to  address.Address
	msg *ftn.PackedMessage
}

// New assembles a Tosser from its fully-resolved dependencies. cfg carries
// the node identity and per-network directory layout; rt routes messages
// to local delivery or another network's hub; mail and news are the local
// delivery backends; dupeDB is the shared MSGID duplicate detector; hwm
// persists each network's outbound packet sequence number across restarts.
func New(cfg Settings, rt *router.Router, mail *storage.MailStore, news *storage.NewsStore, dupeDB *dupe.DB, hwm *HighWaterMark) *Tosser {
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Tosser{
		config:        cfg,
		router:        rt,
		mailStore:     mail,
		newsStore:     news,
		dupeDB:        dupeDB,
		hwm:           hwm,
		forwardQueues: make(map[string][]queuedMessage),
	}
}

// enqueueForward appends a message to the named network's outbound queue,
// to be packed into a .pkt file on the next ScanAndExport.
func (t *Tosser) enqueueForward(network string, to address.Address, pm *ftn.PackedMessage) {
	t.mu.Lock()
	t.forwardQueues[network] = append(t.forwardQueues[network], queuedMessage{to: to, msg: pm})
	depth := len(t.forwardQueues[network])
	t.mu.Unlock()
	t.config.Metrics.SetQueueDepth(network, depth)
}

// drainForwardQueue removes and returns everything queued for network.
func (t *Tosser) drainForwardQueue(network string) []queuedMessage {
	t.mu.Lock()
	q := t.forwardQueues[network]
	delete(t.forwardQueues, network)
	t.mu.Unlock()
	t.config.Metrics.SetQueueDepth(network, 0)
	return q
}

// deliverLocalMail is a small seam so tests can substitute a fake store;
// production callers always go through t.mailStore.
func (t *Tosser) deliverLocalMail(msg *message.Message, network string) (string, error) {
	return t.mailStore.Deliver(msg, network)
}

func (t *Tosser) deliverLocalNews(msg *message.Message) (string, error) {
	return t.newsStore.Deliver(msg)
}

// Reload atomically swaps the router and per-network settings used by
// subsequent ProcessInbound/ScanAndExport calls, per spec.md §9's
// "configuration reload produces a new immutable value and atomically
// swaps it" guidance. The duplicate database and high-water mark are left
// untouched: they hold state that outlives any one configuration.
func (t *Tosser) Reload(rt *router.Router, mail *storage.MailStore, news *storage.NewsStore, cfg Settings) {
	if cfg.Metrics == nil {
		cfg.Metrics = t.config.Metrics
	}
	t.mu.Lock()
	t.router = rt
	t.mailStore = mail
	t.newsStore = news
	t.config = cfg
	t.mu.Unlock()
}
