package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Direction is an ordered pair of chains: the maker sells on Source and buys on Destination
type Direction struct {
	Source      Chain
	Destination Chain
}

// AllDirections returns the six ordered pairs of distinct chains
func AllDirections() []Direction {
	chains := AllChains()
	directions := make([]Direction, 0, len(chains)*(len(chains)-1))
	for _, src := range chains {
		for _, dst := range chains {
			if src != dst {
				directions = append(directions, Direction{Source: src, Destination: dst})
			}
		}
	}
	return directions
}

// Valid reports whether both chains are known and distinct
func (d Direction) Valid() bool {
	return d.Source.Valid() && d.Destination.Valid() && d.Source != d.Destination
}

// String returns the canonical form, e.g. BCH_TO_SOL
func (d Direction) String() string {
	return string(d.Source) + "_TO_" + string(d.Destination)
}

// Slug returns the route form, e.g. bch-to-solana
func (d Direction) Slug() string {
	return d.Source.Slug() + "-to-" + d.Destination.Slug()
}

// IDPrefix is prepended to generated intent ids, e.g. bch_sol_
func (d Direction) IDPrefix() string {
	return strings.ToLower(string(d.Source)) + "_" + strings.ToLower(string(d.Destination)) + "_"
}

// ParseDirection accepts either BCH_TO_SOL or bch-to-solana
func ParseDirection(s string) (Direction, error) {
	s = strings.TrimSpace(s)
	var parts []string
	switch {
	case strings.Contains(s, "_TO_"):
		parts = strings.SplitN(s, "_TO_", 2)
	case strings.Contains(strings.ToLower(s), "-to-"):
		parts = strings.SplitN(strings.ToLower(s), "-to-", 2)
	default:
		return Direction{}, fmt.Errorf("invalid direction %q", s)
	}

	src, err := ParseChain(parts[0])
	if err != nil {
		return Direction{}, fmt.Errorf("invalid direction %q: %w", s, err)
	}
	dst, err := ParseChain(parts[1])
	if err != nil {
		return Direction{}, fmt.Errorf("invalid direction %q: %w", s, err)
	}

	d := Direction{Source: src, Destination: dst}
	if !d.Valid() {
		return Direction{}, fmt.Errorf("invalid direction %q: source and destination must differ", s)
	}
	return d, nil
}

func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Direction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDirection(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
