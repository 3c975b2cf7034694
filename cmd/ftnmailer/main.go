// Command ftnmailer is the FTN mailer daemon: it polls each configured
// network's hub on a timer, drives a binkp session as the originator, and
// (optionally) listens for inbound binkp connections as the answerer.
// Flag handling follows the same flag.FlagSet shape as cmd/ftntoss.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stlalpha/ftnd/internal/binkp"
	"github.com/stlalpha/ftnd/internal/config"
	"github.com/stlalpha/ftnd/internal/logging"
	"github.com/stlalpha/ftnd/internal/mailer"
	"github.com/stlalpha/ftnd/internal/metrics"
	"github.com/stlalpha/ftnd/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ftnmailer", flag.ContinueOnError)
	configPath := fs.String("c", "", "configuration file path (required)")
	daemon := fs.Bool("d", false, "run as a daemon, polling every network on its schedule")
	sleepSeconds := fs.Int("s", 0, "poll interval in seconds, applied to any network with no poll_frequency set")
	verbose := fs.Bool("v", false, "verbose debug logging")
	showVersion := fs.Bool("version", false, "print version and exit")
	listenAddr := fs.String("listen", "", "if set, also accept inbound binkp connections on this address (e.g. :24554)")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9100)")
	pollNetwork := fs.String("poll", "", "poll a single named network immediately and exit, instead of running the scheduler")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "ftnmailer - FidoNet mailer daemon %s\n\n", version.String())
		fmt.Fprintf(os.Stderr, "Usage: ftnmailer -c <config> [-d] [-s seconds] [-listen addr] [-v]\n\n")
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
	if *sleepSeconds > 0 {
		d := time.Duration(*sleepSeconds) * time.Second
		for name, nc := range cfg.Networks {
			if nc.PollFrequency <= 0 {
				nc.PollFrequency = d
				cfg.Networks[name] = nc
			}
		}
	}

	var collector metrics.Collector = metrics.NoopCollector{}
	var metricsSrv *metrics.PrometheusServer
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector = metrics.NewPrometheusCollector(reg)
		metricsSrv = metrics.NewPrometheusServer(*metricsAddr, "/metrics", reg)
	}

	settings := mailer.Settings{
		Node:             cfg.Node,
		Networks:         cfg.Networks,
		DialTimeout:      15 * time.Second,
		SessionTimeout:   60 * time.Second,
		SupportedOptions: defaultOptions(),
		SupportedCram:    []string{"SHA1", "MD5"},
		Metrics:          collector,
	}

	m := mailer.New(settings, historyPath(cfg))

	if *pollNetwork != "" {
		if err := m.PollNow(*pollNetwork); err != nil {
			log.Printf("ERROR: poll %s: %v", *pollNetwork, err)
			return 2
		}
		return 0
	}

	if !*daemon {
		fs.Usage()
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if metricsSrv != nil {
		go func() {
			if err := metricsSrv.Start(ctx); err != nil {
				log.Printf("ERROR: metrics server: %v", err)
			}
		}()
	}

	if *listenAddr != "" {
		ln := mailer.NewListener(settings)
		go func() {
			if err := ln.Serve(ctx, *listenAddr); err != nil {
				log.Printf("ERROR: binkp listener: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2, syscall.SIGPIPE)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.Printf("INFO: received %s, shutting down", sig)
				cancel()
				return
			case syscall.SIGUSR2:
				logging.DebugEnabled = !logging.DebugEnabled
				log.Printf("INFO: debug logging now %v", logging.DebugEnabled)
			case syscall.SIGPIPE:
				// ignored, per spec.md §6
			}
		}
	}()

	m.Start(ctx)
	return 0
}

// defaultOptions is the mailer's locally-supported binkp option set:
// non-reliable resume, CRC32 frame checksums, and PLZ compression at a
// moderate zlib level, per spec.md §4.3/§4.5. None are marked Required so
// a peer that doesn't advertise one degrades gracefully instead of
// aborting the session.
func defaultOptions() binkp.OptionSet {
	return binkp.OptionSet{
		binkp.OptNR:  {Name: binkp.OptNR},
		binkp.OptCRC: {Name: binkp.OptCRC},
		binkp.OptPLZ: {Name: binkp.OptPLZ, Level: "6"},
	}
}

func historyPath(cfg *config.Config) string {
	if cfg.Daemon.PIDFile != "" {
		return filepath.Join(filepath.Dir(cfg.Daemon.PIDFile), "ftnmailer-history.json")
	}
	return "ftnmailer-history.json"
}
