// Package address implements FidoNet Technology Network 4D addressing
// (zone:net/node.point) and the textual forms used on the wire and in
// configuration files.
package address

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a FidoNet 4D address. Point is 0 when the address refers to the
// node itself rather than a point system hanging off it.
type Address struct {
	Zone  int
	Net   int
	Node  int
	Point int
}

// Parse parses a FidoNet address string in the form "Z:N/F" or "Z:N/F.P".
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)

	zonePart, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Address{}, fmt.Errorf("address: missing zone separator in %q", s)
	}
	zone, err := strconv.Atoi(zonePart)
	if err != nil {
		return Address{}, fmt.Errorf("address: invalid zone in %q: %w", s, err)
	}
	if zone < 1 {
		return Address{}, fmt.Errorf("address: zone must be >= 1 in %q", s)
	}

	netPart, nodePart, ok := strings.Cut(rest, "/")
	if !ok {
		return Address{}, fmt.Errorf("address: missing net separator in %q", s)
	}
	net, err := strconv.Atoi(netPart)
	if err != nil {
		return Address{}, fmt.Errorf("address: invalid net in %q: %w", s, err)
	}

	nodeStr, pointStr, hasPoint := strings.Cut(nodePart, ".")
	node, err := strconv.Atoi(nodeStr)
	if err != nil {
		return Address{}, fmt.Errorf("address: invalid node in %q: %w", s, err)
	}

	point := 0
	if hasPoint {
		point, err = strconv.Atoi(pointStr)
		if err != nil {
			return Address{}, fmt.Errorf("address: invalid point in %q: %w", s, err)
		}
	}

	return Address{Zone: zone, Net: net, Node: node, Point: point}, nil
}

// String returns the full 4D form. The point is omitted when zero.
func (a Address) String() string {
	if a.Point == 0 {
		return fmt.Sprintf("%d:%d/%d", a.Zone, a.Net, a.Node)
	}
	return fmt.Sprintf("%d:%d/%d.%d", a.Zone, a.Net, a.Node, a.Point)
}

// String2D returns the net/node form used in SEEN-BY and PATH kludge lines.
func (a Address) String2D() string {
	return fmt.Sprintf("%d/%d", a.Net, a.Node)
}

// Equal reports componentwise equality. A zero point on either side is
// treated as "the node itself", matching spec.md's Address invariant.
func (a Address) Equal(b Address) bool {
	return a.Zone == b.Zone && a.Net == b.Net && a.Node == b.Node && a.Point == b.Point
}

// IsZero reports whether this is the unset Address value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MatchPattern reports whether the address matches a wildcard pattern in
// "Z:N/F[.P]" form where any component (or the literal point, if present)
// may be "*". A pattern with no point component matches any point.
func MatchPattern(pattern string, addr Address) bool {
	zonePart, rest, ok := strings.Cut(pattern, ":")
	if !ok {
		return false
	}
	netPart, nodePart, ok := strings.Cut(rest, "/")
	if !ok {
		return false
	}
	nodeStr, pointStr, hasPoint := strings.Cut(nodePart, ".")

	if !matchComponent(zonePart, addr.Zone) {
		return false
	}
	if !matchComponent(netPart, addr.Net) {
		return false
	}
	if !matchComponent(nodeStr, addr.Node) {
		return false
	}
	if hasPoint && !matchComponent(pointStr, addr.Point) {
		return false
	}
	return true
}

func matchComponent(part string, val int) bool {
	if part == "*" {
		return true
	}
	n, err := strconv.Atoi(part)
	if err != nil {
		return false
	}
	return n == val
}
