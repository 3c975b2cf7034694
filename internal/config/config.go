// Package config loads the tosser and mailer daemons' INI configuration
// file, per spec.md §6: case-insensitive section and key names, a
// `[node]` section, one section per FTN network, and `[mail]`/`[news]`/
// `[daemon]`/`[logging]` sections. The loader pattern (typed struct,
// `Load`/merge-style field population) follows
// `stlalpha-vision3/internal/config/config.go`'s own `Load` shape, adapted
// from JSON to INI since no ecosystem INI library appears anywhere in the
// example pack (see DESIGN.md's standard-library justifications).
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stlalpha/ftnd/internal/address"
)

var reservedSections = map[string]bool{
	"":        true,
	"node":    true,
	"mail":    true,
	"news":    true,
	"daemon":  true,
	"logging": true,
	"rules":   true,
	"areas":   true,
}

// Error is a configuration problem: a missing required key or a malformed
// value. Per spec.md §7, a Config error refuses to start (single-shot) or
// keeps the prior configuration (reload).
type Error struct {
	Section, Key string
	Err          error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: [%s]: %v", e.Section, e.Err)
	}
	return fmt.Sprintf("config: [%s] %s: %v", e.Section, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NodeConfig is the local node's own identity, from `[node]`.
type NodeConfig struct {
	Address    address.Address
	SystemName string
	Sysop      string
	Location   string
	Password   string // default inbound session password
}

// NetworkConfig is one FTN network's settings, from its own section.
type NetworkConfig struct {
	Name          string
	Address       address.Address
	Hub           *address.Address
	Inbox         string
	Outbox        string
	Processed     string
	Bad           string
	DuplicateDB   string
	PollFrequency time.Duration
	Password      string
	Domain        string
}

// MailConfig is `[mail]`: Maildir delivery settings.
type MailConfig struct {
	InboxTemplate string // e.g. "/var/mail/%NETWORK%/%USER%"
}

// NewsConfig is `[news]`: news spool settings.
type NewsConfig struct {
	Path string
}

// DaemonConfig is `[daemon]`: daemon-loop settings.
type DaemonConfig struct {
	PIDFile       string
	SleepInterval time.Duration
}

// LoggingConfig is `[logging]`.
type LoggingConfig struct {
	Level string
	Ident string
}

// RuleConfig is one configured routing rule from the `[rules]` section
// (spec.md §3's Routing rule type), one key per line:
//
//	<name> = <priority>,<action>,<pattern>[,<parameter>[,<network>]]
//
// action is one of "localmail", "localnews", "forward", "bounce", "drop".
// network is required when action is "forward": it must name one of this
// file's own `[network]` sections, since a rule's own name and a network's
// section name are two independent namespaces (a rule is free to be named
// anything; only Network says which network's outbound queue and hub the
// forwarded message belongs to).
type RuleConfig struct {
	Name      string
	Priority  int
	Action    string
	Pattern   string
	Parameter string
	Network   string
}

// AreaConfig is one locally-carried echo area from the `[areas]` section:
// `<tag> = <spool-root>` (spool root may be blank to use the default
// `[news]` path).
type AreaConfig struct {
	Tag       string
	SpoolRoot string
}

// Config is the fully-parsed, validated configuration for one tosser or
// mailer daemon instance.
type Config struct {
	Node     NodeConfig
	Networks map[string]NetworkConfig
	Mail     MailConfig
	News     NewsConfig
	Daemon   DaemonConfig
	Logging  LoggingConfig
	Rules    []RuleConfig
	Areas    []AreaConfig
}

// Load reads and validates the INI file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads and validates an INI document from r.
func Parse(r io.Reader) (*Config, error) {
	doc, err := parseINI(r)
	if err != nil {
		return nil, err
	}

	cfg := &Config{Networks: make(map[string]NetworkConfig)}

	if err := parseNode(doc.section("node"), &cfg.Node); err != nil {
		return nil, err
	}
	parseMail(doc.section("mail"), &cfg.Mail)
	parseNews(doc.section("news"), &cfg.News)
	parseDaemon(doc.section("daemon"), &cfg.Daemon)
	parseLogging(doc.section("logging"), &cfg.Logging)

	for _, name := range doc.order {
		if reservedSections[name] {
			continue
		}
		net, err := parseNetwork(name, doc.section(name))
		if err != nil {
			return nil, err
		}
		cfg.Networks[name] = net
	}

	rules, err := parseRules(doc.section("rules"), cfg.Networks)
	if err != nil {
		return nil, err
	}
	cfg.Rules = rules
	cfg.Areas = parseAreas(doc.section("areas"))

	return cfg, nil
}

func parseNode(s *iniSection, out *NodeConfig) error {
	addrStr, ok := s.get("address")
	if !ok || addrStr == "" {
		return &Error{Section: "node", Key: "address", Err: fmt.Errorf("required")}
	}
	addr, err := address.Parse(addrStr)
	if err != nil {
		return &Error{Section: "node", Key: "address", Err: err}
	}
	out.Address = addr
	out.SystemName, _ = s.get("system_name")
	out.Sysop, _ = s.get("sysop")
	out.Location, _ = s.get("location")
	out.Password, _ = s.get("password")
	return nil
}

func parseNetwork(name string, s *iniSection) (NetworkConfig, error) {
	net := NetworkConfig{Name: name}

	addrStr, ok := s.get("address")
	if !ok || addrStr == "" {
		return net, &Error{Section: name, Key: "address", Err: fmt.Errorf("required")}
	}
	addr, err := address.Parse(addrStr)
	if err != nil {
		return net, &Error{Section: name, Key: "address", Err: err}
	}
	net.Address = addr

	if hubStr, ok := s.get("hub"); ok && hubStr != "" {
		hub, err := address.Parse(hubStr)
		if err != nil {
			return net, &Error{Section: name, Key: "hub", Err: err}
		}
		net.Hub = &hub
	}

	net.Inbox, _ = s.get("inbox")
	net.Outbox, _ = s.get("outbox")
	net.Processed, _ = s.get("processed")
	net.Bad, _ = s.get("bad")
	net.DuplicateDB, _ = s.get("duplicate_db")
	net.Password, _ = s.get("password")
	net.Domain, _ = s.get("domain")

	if freqStr, ok := s.get("poll_frequency"); ok && freqStr != "" {
		d, err := parseDuration(freqStr)
		if err != nil {
			return net, &Error{Section: name, Key: "poll_frequency", Err: err}
		}
		net.PollFrequency = d
	}

	return net, nil
}

func parseMail(s *iniSection, out *MailConfig) {
	out.InboxTemplate, _ = s.get("inbox")
}

func parseNews(s *iniSection, out *NewsConfig) {
	out.Path, _ = s.get("path")
}

func parseDaemon(s *iniSection, out *DaemonConfig) {
	out.PIDFile, _ = s.get("pid_file")
	if v, ok := s.get("sleep_interval"); ok && v != "" {
		if d, err := parseDuration(v); err == nil {
			out.SleepInterval = d
		}
	}
	if out.SleepInterval == 0 {
		out.SleepInterval = 60 * time.Second
	}
}

func parseLogging(s *iniSection, out *LoggingConfig) {
	out.Level, _ = s.get("level")
	out.Ident, _ = s.get("ident")
}

// parseRules reads the `[rules]` section into ordered RuleConfig values.
// Key order within the section is preserved so a malformed rule's line
// number is easy to find, but evaluation order is governed entirely by
// each rule's parsed Priority field (see internal/router.New). networks is
// the already-parsed `[network]` section set, used to validate that a
// forward rule's network field names a network that actually exists.
func parseRules(s *iniSection, networks map[string]NetworkConfig) ([]RuleConfig, error) {
	var out []RuleConfig
	for _, key := range s.keyOrder {
		raw, _ := s.get(key)
		fields := strings.SplitN(raw, ",", 5)
		if len(fields) < 3 {
			return nil, &Error{Section: "rules", Key: key, Err: fmt.Errorf("expected priority,action,pattern[,parameter[,network]], got %q", raw)}
		}
		priority, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, &Error{Section: "rules", Key: key, Err: fmt.Errorf("priority: %w", err)}
		}
		rc := RuleConfig{
			Name:     key,
			Priority: priority,
			Action:   strings.ToLower(strings.TrimSpace(fields[1])),
			Pattern:  strings.TrimSpace(fields[2]),
		}
		if len(fields) >= 4 {
			rc.Parameter = strings.TrimSpace(fields[3])
		}
		if len(fields) == 5 {
			rc.Network = strings.TrimSpace(fields[4])
		}
		if rc.Action == "forward" {
			if rc.Network == "" {
				return nil, &Error{Section: "rules", Key: key, Err: fmt.Errorf("forward rule requires a network name as its fifth field")}
			}
			if _, ok := networks[rc.Network]; !ok {
				return nil, &Error{Section: "rules", Key: key, Err: fmt.Errorf("network %q is not a configured [%s] section", rc.Network, rc.Network)}
			}
		}
		out = append(out, rc)
	}
	return out, nil
}

// parseAreas reads the `[areas]` section into AreaConfig values, one per
// locally-carried echo area tag.
func parseAreas(s *iniSection) []AreaConfig {
	var out []AreaConfig
	for _, key := range s.keyOrder {
		root, _ := s.get(key)
		out = append(out, AreaConfig{Tag: key, SpoolRoot: root})
	}
	return out
}

// parseDuration accepts a bare integer as seconds, or any value
// time.ParseDuration understands ("90s", "5m").
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
