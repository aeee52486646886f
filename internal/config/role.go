package config

import (
	"fmt"
	"strings"
)

// Role selects which code paths a device runs.
type Role int

const (
	// RoleHost scans like an anchor and also runs the particle filter.
	RoleHost Role = iota
	// RoleAnchor scans, smooths and forwards distances to the host.
	RoleAnchor
	// RoleBeacon emits simulated readings for a node at a fixed position.
	RoleBeacon
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleAnchor:
		return "anchor"
	case RoleBeacon:
		return "beacon"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole accepts the role names as well as the firmware spellings
// HOST, AP and NODE.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "host":
		return RoleHost, nil
	case "anchor", "ap":
		return RoleAnchor, nil
	case "beacon", "node":
		return RoleBeacon, nil
	default:
		return 0, fmt.Errorf("unknown role %q: expected host, anchor or beacon", s)
	}
}

// RunsFilter reports whether the role owns a particle filter.
func (r Role) RunsFilter() bool { return r == RoleHost }

// Scans reports whether the role produces RSSI readings from a scanner.
func (r Role) Scans() bool { return r == RoleHost || r == RoleAnchor }
