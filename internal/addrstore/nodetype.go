// Package addrstore persists the observed peer address set: classification,
// reachability, and failure counters, backed by SQLite.
package addrstore

import "strings"

// NodeType is the closed classification of a peer's software flavor,
// derived from its advertised user-agent.
type NodeType int

const (
	Unknown NodeType = iota
	Knots
	Core
	LibreRelay
	Other
)

// String returns the column value stored for this type.
func (t NodeType) String() string {
	switch t {
	case Knots:
		return "knots"
	case Core:
		return "core"
	case LibreRelay:
		return "libre"
	case Other:
		return "other"
	default:
		return "unknown"
	}
}

// ParseNodeType inverts String, defaulting unrecognized values to Unknown.
func ParseNodeType(s string) NodeType {
	switch s {
	case "knots":
		return Knots
	case "core":
		return Core
	case "libre":
		return LibreRelay
	case "other":
		return Other
	default:
		return Unknown
	}
}

// Classify derives a NodeType from a user-agent string. Matching is
// case-insensitive and order-sensitive: Knots is checked first so a
// hypothetical "/Knots libre/" agent still lands as Knots.
func Classify(userAgent string) NodeType {
	lower := strings.ToLower(userAgent)
	switch {
	case strings.Contains(lower, "knots"):
		return Knots
	case strings.Contains(lower, "libre"):
		return LibreRelay
	case strings.Contains(lower, "satoshi"), strings.Contains(lower, "core"):
		return Core
	default:
		return Other
	}
}
