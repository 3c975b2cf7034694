// Command ftntoss is the FTN tosser daemon: it scans configured inbox
// directories for inbound .pkt files, routes and delivers their messages,
// and packs outbound queues back into .pkt files for the mailer to send.
// Flag handling follows stlalpha-vision3/cmd/v3mail/main.go's flag.FlagSet
// dispatch, generalized to spec.md §6's fixed CLI surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stlalpha/ftnd/internal/address"
	"github.com/stlalpha/ftnd/internal/config"
	"github.com/stlalpha/ftnd/internal/dupe"
	"github.com/stlalpha/ftnd/internal/logging"
	"github.com/stlalpha/ftnd/internal/metrics"
	"github.com/stlalpha/ftnd/internal/router"
	"github.com/stlalpha/ftnd/internal/storage"
	"github.com/stlalpha/ftnd/internal/tosser"
	"github.com/stlalpha/ftnd/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ftntoss", flag.ContinueOnError)
	configPath := fs.String("c", "", "configuration file path (required)")
	daemon := fs.Bool("d", false, "run as a daemon, polling on an interval")
	sleepSeconds := fs.Int("s", 0, "daemon sleep interval in seconds (overrides config)")
	verbose := fs.Bool("v", false, "verbose debug logging")
	showVersion := fs.Bool("version", false, "print version and exit")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9100)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "ftntoss - FidoNet tosser daemon %s\n\n", version.String())
		fmt.Fprintf(os.Stderr, "Usage: ftntoss -c <config> [-d] [-s seconds] [-v]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *showVersion {
		fmt.Println(version.String())
		return 0
	}
	if *configPath == "" {
		fs.Usage()
		return 1
	}

	logging.DebugEnabled = *verbose

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("ERROR: load config %s: %v", *configPath, err)
		return 1
	}

	var collector metrics.Collector = metrics.NoopCollector{}
	var metricsSrv *metrics.PrometheusServer
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector = metrics.NewPrometheusCollector(reg)
		metricsSrv = metrics.NewPrometheusServer(*metricsAddr, "/metrics", reg)
	}

	deps, err := buildDeps(cfg)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return 1
	}

	pollSeconds := int(cfg.Daemon.SleepInterval / time.Second)
	if *sleepSeconds > 0 {
		pollSeconds = *sleepSeconds
	}

	settings := tosser.Settings{
		NodeAddress: cfg.Node.Address,
		Networks:    cfg.Networks,
		PollSeconds: pollSeconds,
		Metrics:     collector,
	}
	t := tosser.New(settings, deps.router, deps.mail, deps.news, deps.dupeDB, deps.hwm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if metricsSrv != nil {
		go func() {
			if err := metricsSrv.Start(ctx); err != nil {
				log.Printf("ERROR: metrics server: %v", err)
			}
		}()
	}

	if !*daemon {
		result := t.RunOnce()
		logToss(result)
		if err := t.PurgeDupes(); err != nil {
			log.Printf("WARN: purge dupes: %v", err)
		}
		if len(result.Errors) > 0 {
			return 2
		}
		return 0
	}

	d := &daemonLoop{tosser: t, configPath: *configPath, interval: time.Duration(pollSeconds) * time.Second}
	d.run(ctx, cancel)
	return 0
}

type deps struct {
	router *router.Router
	mail   *storage.MailStore
	news   *storage.NewsStore
	dupeDB *dupe.DB
	hwm    *tosser.HighWaterMark
}

// buildDeps assembles the tosser's dependencies from a loaded
// configuration: the shared duplicate database (one file across every
// network, since a MSGID already embeds the full origin address), the
// Maildir/news-spool backends, and the routing table built from the
// `[rules]`/`[areas]` sections.
func buildDeps(cfg *config.Config) (*deps, error) {
	dupePath := sharedDupeDBPath(cfg)
	if dupePath == "" {
		return nil, fmt.Errorf("no network configures duplicate_db")
	}
	dupeDB, err := dupe.Open(dupePath)
	if err != nil {
		return nil, fmt.Errorf("open duplicate database %s: %w", dupePath, err)
	}

	hwm, err := tosser.LoadHighWaterMark(tosser.HWMPath(filepath.Dir(dupePath)))
	if err != nil {
		return nil, fmt.Errorf("load high-water mark: %w", err)
	}

	mail := storage.NewMailStore(cfg.Mail.InboxTemplate)

	active, err := storage.OpenActiveFile(filepath.Join(cfg.News.Path, "active"))
	if err != nil {
		return nil, fmt.Errorf("open news active file: %w", err)
	}
	news := storage.NewNewsStore(cfg.News.Path, active)

	rt, err := buildRouter(cfg)
	if err != nil {
		return nil, err
	}

	return &deps{router: rt, mail: mail, news: news, dupeDB: dupeDB, hwm: hwm}, nil
}

func sharedDupeDBPath(cfg *config.Config) string {
	names := make([]string, 0, len(cfg.Networks))
	for name := range cfg.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p := cfg.Networks[name].DuplicateDB; p != "" {
			return p
		}
	}
	return ""
}

// buildRouter translates the configuration's `[rules]`/`[areas]` sections
// and local addresses into a router.Router, per the "single shared Router
// across networks" decision in DESIGN.md: when more than one network is
// configured, only explicit rules can forward, since the fallback
// algorithm's default hub is singular.
func buildRouter(cfg *config.Config) (*router.Router, error) {
	rules := make([]router.Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		action, err := router.ParseAction(rc.Action)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rc.Name, err)
		}
		rules = append(rules, router.Rule{
			Name:      rc.Name,
			Pattern:   rc.Pattern,
			Action:    action,
			Parameter: rc.Parameter,
			Network:   rc.Network,
			Priority:  rc.Priority,
		})
	}

	localAreas := make(map[string]router.LocalArea, len(cfg.Areas))
	for _, ac := range cfg.Areas {
		root := ac.SpoolRoot
		if root == "" {
			root = cfg.News.Path
		}
		localAreas[ac.Tag] = router.LocalArea{Tag: ac.Tag, SpoolRoot: root}
	}

	localAddrs := []address.Address{cfg.Node.Address}
	for _, nc := range cfg.Networks {
		localAddrs = append(localAddrs, nc.Address)
	}

	rcfg := router.Config{
		Rules:       rules,
		LocalAreas:  localAreas,
		LocalAddrs:  localAddrs,
		MailboxRoot: cfg.Mail.InboxTemplate,
	}
	if len(cfg.Networks) == 1 {
		for name, nc := range cfg.Networks {
			rcfg.Network = name
			rcfg.Hub = nc.Hub
		}
	}

	return router.New(rcfg), nil
}

func logToss(result tosser.TossResult) {
	log.Printf("INFO: toss: imported=%d exported=%d dupes=%d packets=%d",
		result.MessagesImported, result.MessagesExported, result.DupesSkipped, result.PacketsProcessed)
	for _, e := range result.Errors {
		log.Printf("ERROR: toss: %s", e)
	}
}

// daemonLoop runs the tosser's periodic import/export cycle and dispatches
// TERM/INT/HUP/USR1/USR2 the way spec.md §5/§9 describes: Go's
// signal.Notify channel plays the role of the self-pipe spec.md's source
// material used to make signal delivery safe to observe from an ordinary
// event loop, without a hand-rolled pipe.
type daemonLoop struct {
	tosser     *tosser.Tosser
	configPath string
	interval   time.Duration

	mu    sync.Mutex
	stats tosser.TossResult
}

func (d *daemonLoop) run(ctx context.Context, cancel context.CancelFunc) {
	if d.interval <= 0 {
		d.interval = 60 * time.Second
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGPIPE)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	log.Printf("INFO: ftntoss daemon started, polling every %s", d.interval)

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case sig := <-sigCh:
			d.handleSignal(sig, cancel)
		case <-ticker.C:
			result := d.tosser.RunOnce()
			d.accumulate(result)
			logToss(result)
		}
	}
}

func (d *daemonLoop) handleSignal(sig os.Signal, cancel context.CancelFunc) {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		log.Printf("INFO: received %s, shutting down", sig)
		cancel()
	case syscall.SIGHUP:
		d.reload()
	case syscall.SIGUSR1:
		d.dumpStats()
	case syscall.SIGUSR2:
		logging.DebugEnabled = !logging.DebugEnabled
		log.Printf("INFO: debug logging now %v", logging.DebugEnabled)
	case syscall.SIGPIPE:
		// ignored, per spec.md §6
	}
}

func (d *daemonLoop) reload() {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		log.Printf("ERROR: reload %s failed, keeping prior configuration: %v", d.configPath, err)
		return
	}
	rt, err := buildRouter(cfg)
	if err != nil {
		log.Printf("ERROR: reload %s failed, keeping prior configuration: %v", d.configPath, err)
		return
	}
	mail := storage.NewMailStore(cfg.Mail.InboxTemplate)
	active, err := storage.OpenActiveFile(filepath.Join(cfg.News.Path, "active"))
	if err != nil {
		log.Printf("ERROR: reload %s failed, keeping prior configuration: %v", d.configPath, err)
		return
	}
	news := storage.NewNewsStore(cfg.News.Path, active)

	d.tosser.Reload(rt, mail, news, tosser.Settings{
		NodeAddress: cfg.Node.Address,
		Networks:    cfg.Networks,
		PollSeconds: int(cfg.Daemon.SleepInterval / time.Second),
	})
	log.Printf("INFO: reloaded configuration from %s", d.configPath)
}

func (d *daemonLoop) accumulate(r tosser.TossResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.PacketsProcessed += r.PacketsProcessed
	d.stats.MessagesImported += r.MessagesImported
	d.stats.MessagesExported += r.MessagesExported
	d.stats.DupesSkipped += r.DupesSkipped
}

func (d *daemonLoop) dumpStats() {
	d.mu.Lock()
	s := d.stats
	d.mu.Unlock()
	log.Printf("INFO: stats: packets=%d imported=%d exported=%d dupes=%d",
		s.PacketsProcessed, s.MessagesImported, s.MessagesExported, s.DupesSkipped)
}

func (d *daemonLoop) shutdown() {
	log.Printf("INFO: ftntoss daemon stopping")
	if err := d.tosser.PurgeDupes(); err != nil {
		log.Printf("WARN: purge dupes on shutdown: %v", err)
	}
}
