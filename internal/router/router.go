// Package router decides what to do with a tossed message: deliver it
// locally (mailbox or news area), forward it to another node, or bounce/drop
// it. It generalizes the teacher tosser's echo-tag-to-link lookup
// (tosser/export.go's findLink/EchoAreas loop) into ordered, wildcard
// pattern rules over area names and FTN addresses.
package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stlalpha/ftnd/internal/address"
	"github.com/stlalpha/ftnd/internal/message"
)

// Action is the kind of routing decision a rule (or the fallback algorithm)
// produces.
type Action int

const (
	ActionLocalMail Action = iota
	ActionLocalNews
	ActionForward
	ActionBounce
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionLocalMail:
		return "local-mail"
	case ActionLocalNews:
		return "local-news"
	case ActionForward:
		return "forward"
	case ActionBounce:
		return "bounce"
	case ActionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// ParseAction maps the `[rules]` config section's lowercase action token
// to an Action, per spec.md §3's Routing rule type.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "localmail", "local-mail":
		return ActionLocalMail, nil
	case "localnews", "local-news":
		return ActionLocalNews, nil
	case "forward":
		return ActionForward, nil
	case "bounce":
		return ActionBounce, nil
	case "drop":
		return ActionDrop, nil
	default:
		return 0, fmt.Errorf("router: unknown rule action %q", s)
	}
}

// Decision is the router's output for a single message.
type Decision struct {
	Action Action

	// LocalMail
	User    string
	Mailbox string

	// LocalNews
	Area     string
	SpoolRoot string

	// Forward
	ForwardAddress address.Address
	Network        string

	// Bounce/Drop
	Reason string
}

// Rule is a single routing rule, per spec.md §4: evaluated in ascending
// Priority order, ties broken by insertion order (stable sort).
type Rule struct {
	Name    string
	Pattern string
	Action  Action
	// Parameter is the action-specific argument: a mailbox template for
	// ActionLocalMail, a spool root for ActionLocalNews, a destination
	// address for ActionForward.
	Parameter string
	// Network names the configured network (internal/config.Config.Networks
	// key) whose outbound queue and hub an ActionForward rule feeds. It is
	// a separate namespace from Name: a rule's Name only identifies the
	// rule itself, never a network to forward through.
	Network  string
	Priority int
}

// LocalArea describes a known local echo area, used by the fallback
// algorithm to deliver unmatched echomail to a news spool.
type LocalArea struct {
	Tag       string
	SpoolRoot string
}

// Config is the routing input that doesn't vary per message: the rule set,
// known local areas, locally-owned addresses, and per-network hub/mailbox
// defaults used by the fallback algorithm.
type Config struct {
	Rules       []Rule
	LocalAreas  map[string]LocalArea // keyed by lowercased tag
	LocalAddrs  []address.Address
	Network     string
	Hub         *address.Address // nil if no hub configured
	MailboxRoot string           // default Maildir template root used as Decision.Mailbox
}

// Router evaluates routing rules against messages. It holds no mutable
// state; the same Router can be shared across goroutines.
type Router struct {
	cfg Config
}

// New returns a Router with rules sorted into evaluation order (ascending
// priority, ties broken by original order).
func New(cfg Config) *Router {
	rules := make([]Rule, len(cfg.Rules))
	copy(rules, cfg.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
	cfg.Rules = rules
	return &Router{cfg: cfg}
}

// Route classifies msg and returns a routing decision, per spec.md §4.8:
// evaluate rules in priority order against (area, destination, source);
// the first match wins. With no match, echomail to a known local area goes
// to LocalNews, netmail to a locally-owned address goes to LocalMail, and
// anything else is forwarded to the configured hub or bounced.
func (r *Router) Route(msg *message.Message) Decision {
	for _, rule := range r.cfg.Rules {
		if ruleMatches(rule, msg) {
			return decisionFromRule(rule, msg)
		}
	}

	if msg.IsEchomail() {
		if area, ok := r.cfg.LocalAreas[strings.ToLower(msg.Area)]; ok {
			return Decision{Action: ActionLocalNews, Area: msg.Area, SpoolRoot: area.SpoolRoot}
		}
		return r.forwardOrBounce(msg, "no local area for "+msg.Area)
	}

	for _, local := range r.cfg.LocalAddrs {
		if local.Equal(msg.Dest) {
			return Decision{Action: ActionLocalMail, User: msg.ToUser, Mailbox: r.cfg.MailboxRoot}
		}
	}
	return r.forwardOrBounce(msg, "no local address matches "+msg.Dest.String())
}

func (r *Router) forwardOrBounce(msg *message.Message, reason string) Decision {
	if r.cfg.Hub != nil {
		return Decision{Action: ActionForward, ForwardAddress: *r.cfg.Hub, Network: r.cfg.Network}
	}
	return Decision{Action: ActionBounce, Reason: reason}
}

// ruleMatches reports whether rule's pattern matches msg's area (for
// echomail) or addresses (for netmail), per spec.md §4.8's match tuple
// (area, destination address, source address).
func ruleMatches(rule Rule, msg *message.Message) bool {
	if strings.Contains(rule.Pattern, ":") {
		return address.MatchPattern(rule.Pattern, msg.Dest) || address.MatchPattern(rule.Pattern, msg.Origin)
	}
	return matchAreaPattern(rule.Pattern, msg.Area)
}

// matchAreaPattern matches an echo-tag pattern with an optional trailing
// "*" prefix wildcard, per spec.md §4's Routing rule definition.
func matchAreaPattern(pattern, area string) bool {
	if area == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(strings.ToLower(area), strings.ToLower(prefix))
	}
	return strings.EqualFold(pattern, area)
}

func decisionFromRule(rule Rule, msg *message.Message) Decision {
	switch rule.Action {
	case ActionLocalMail:
		return Decision{Action: ActionLocalMail, User: msg.ToUser, Mailbox: rule.Parameter}
	case ActionLocalNews:
		return Decision{Action: ActionLocalNews, Area: msg.Area, SpoolRoot: rule.Parameter}
	case ActionForward:
		addr, err := address.Parse(rule.Parameter)
		if err != nil {
			return Decision{Action: ActionBounce, Reason: "forward rule " + rule.Name + ": " + err.Error()}
		}
		if rule.Network == "" {
			return Decision{Action: ActionBounce, Reason: "forward rule " + rule.Name + ": no network configured"}
		}
		return Decision{Action: ActionForward, ForwardAddress: addr, Network: rule.Network}
	case ActionDrop:
		return Decision{Action: ActionDrop, Reason: "matched drop rule " + rule.Name}
	default:
		return Decision{Action: ActionBounce, Reason: "matched bounce rule " + rule.Name}
	}
}
