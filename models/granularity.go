package models

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is the sampling interval of a bar series. The set is closed.
type Granularity int

const (
	H1 Granularity = iota + 1
	H4
	D1
	W1
	MN1
)

var granularityNames = map[Granularity]string{
	H1:  "H1",
	H4:  "H4",
	D1:  "D1",
	W1:  "W1",
	MN1: "MN1",
}

// AllGranularities returns every granularity in canonical fetch order.
func AllGranularities() []Granularity {
	return []Granularity{H1, H4, D1, W1, MN1}
}

func (g Granularity) String() string {
	if name, ok := granularityNames[g]; ok {
		return name
	}
	return fmt.Sprintf("Granularity(%d)", int(g))
}

// Valid reports whether g is one of the known granularities.
func (g Granularity) Valid() bool {
	_, ok := granularityNames[g]
	return ok
}

// Duration is the nominal length of one bar. Months are approximated as 31
// days and only used to step pagination cursors.
func (g Granularity) Duration() time.Duration {
	switch g {
	case H1:
		return time.Hour
	case H4:
		return 4 * time.Hour
	case D1:
		return 24 * time.Hour
	case W1:
		return 7 * 24 * time.Hour
	case MN1:
		return 31 * 24 * time.Hour
	default:
		return 0
	}
}

// ParseGranularity accepts the canonical labels case-insensitively.
func ParseGranularity(s string) (Granularity, error) {
	label := strings.ToUpper(strings.TrimSpace(s))
	for g, name := range granularityNames {
		if name == label {
			return g, nil
		}
	}
	return 0, fmt.Errorf("unknown granularity %q", s)
}

// ParseGranularities parses labels and returns them in canonical order with
// duplicates removed. An empty input yields every granularity.
func ParseGranularities(labels []string) ([]Granularity, error) {
	if len(labels) == 0 {
		return AllGranularities(), nil
	}
	seen := make(map[Granularity]bool, len(labels))
	for _, l := range labels {
		g, err := ParseGranularity(l)
		if err != nil {
			return nil, err
		}
		seen[g] = true
	}
	out := make([]Granularity, 0, len(seen))
	for _, g := range AllGranularities() {
		if seen[g] {
			out = append(out, g)
		}
	}
	return out, nil
}

// MarshalText lets granularities be used as JSON map keys.
func (g Granularity) MarshalText() ([]byte, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("invalid granularity %d", int(g))
	}
	return []byte(g.String()), nil
}

func (g *Granularity) UnmarshalText(b []byte) error {
	parsed, err := ParseGranularity(string(b))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}
