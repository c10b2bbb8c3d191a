package main

import (
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion is "<version>-<mandatory>" where mandatory is 1 when peers
// one version behind must upgrade
const ProtocolVersion = "005-0"

// Protocol is a parsed protocol string
type Protocol struct {
	Version   int
	Mandatory bool
}

func (p Protocol) String() string {
	mandatory := 0
	if p.Mandatory {
		mandatory = 1
	}
	return fmt.Sprintf("%03d-%d", p.Version, mandatory)
}

// ParseProtocol parses a peer's protocol string
func ParseProtocol(s string) (Protocol, error) {
	if len(s) != len(ProtocolVersion) {
		return Protocol{}, fmt.Errorf("protocol %q has the wrong length", s)
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Protocol{}, fmt.Errorf("protocol %q is malformed", s)
	}
	version, err := strconv.Atoi(parts[0])
	if err != nil || version < 1 {
		return Protocol{}, fmt.Errorf("protocol %q has an invalid version", s)
	}
	switch parts[1] {
	case "0":
		return Protocol{Version: version}, nil
	case "1":
		return Protocol{Version: version, Mandatory: true}, nil
	default:
		return Protocol{}, fmt.Errorf("protocol %q has an invalid mandatory flag", s)
	}
}

// IsValidProtocol reports whether s is a well formed protocol string
func IsValidProtocol(s string) bool {
	_, err := ParseProtocol(s)
	return err == nil
}

// HasConsensus reports whether two nodes can replicate with each other: equal
// versions, or one version apart when the newer one is not mandatory
func HasConsensus(ours, theirs string) bool {
	a, err := ParseProtocol(ours)
	if err != nil {
		return false
	}
	b, err := ParseProtocol(theirs)
	if err != nil {
		return false
	}

	switch a.Version - b.Version {
	case 0:
		return true
	case 1:
		return !a.Mandatory
	case -1:
		return !b.Mandatory
	default:
		return false
	}
}
