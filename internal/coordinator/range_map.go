// Package coordinator implements the routing layer of a tabletkv cluster.
// See doc.go for complete package documentation.
package coordinator

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/exp/slices"

	"github.com/dreamware/tabletkv/internal/cluster"
)

var (
	// ErrNoRange is returned when no configured range covers a rowkey.
	ErrNoRange = errors.New("no range for rowkey")
	// ErrNoServer is returned when a range has no active node.
	ErrNoServer = errors.New("no active server for range")
	// ErrOverlappingRanges is returned when two distinct ranges share a character.
	ErrOverlappingRanges = errors.New("overlapping ranges")
	// ErrNoRanges is returned when a configuration assigns no ranges at all.
	ErrNoRanges = errors.New("config assigns no ranges")
)

// Range is a contiguous interval of rowkey first characters, written
// "<start>_<end>" in configuration, e.g. "a_m".
type Range struct {
	Start rune
	End   rune
}

// ParseRange parses "x_y". Both bounds are lowercased and must be single
// characters with x <= y.
func ParseRange(s string) (Range, error) {
	lo, hi, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "_")
	if !ok || utf8.RuneCountInString(lo) != 1 || utf8.RuneCountInString(hi) != 1 {
		return Range{}, fmt.Errorf("bad range %q: want x_y", s)
	}
	r := Range{Start: firstRune(lo), End: firstRune(hi)}
	if r.Start > r.End {
		return Range{}, fmt.Errorf("bad range %q: start after end", s)
	}
	return r, nil
}

func (r Range) String() string {
	return string(r.Start) + "_" + string(r.End)
}

// Contains reports whether c falls within the range.
func (r Range) Contains(c rune) bool {
	return r.Start <= c && c <= r.End
}

func firstRune(s string) rune {
	c, _ := utf8.DecodeRuneInString(s)
	return c
}

// RangeAssignment is a snapshot of one range's replica set.
type RangeAssignment struct {
	Range    Range
	Replicas []string // node addresses in configuration order
	Primary  string   // "" when no replica is active
}

// Election records a primary change made by ElectPrimaries.
type Election struct {
	Range    Range
	Previous string
	Primary  string // "" when no active replica was left
}

// Route is the answer to a routing query.
type Route struct {
	Range Range
	Addr  string
	// Degraded is set when a write was sent to a non-primary replica
	// because the primary is down.
	Degraded bool
}

type rangeEntry struct {
	rng      Range
	replicas []string
	primary  string
}

// RangeMap maps rowkeys to the nodes serving them and tracks node liveness.
//
// It is built once from configuration: each node lists the ranges it serves,
// and the map inverts that into range -> ordered replica set. The first node
// listed for a range starts as its primary.
//
// Concurrency Model:
//   - One RWMutex guards ranges, primaries and liveness flags
//   - Route and Lookup take the read lock; SetActive and ElectPrimaries the write lock
//   - Snapshots returned by Nodes and Ranges are copies
//
// Nodes start inactive; the liveness monitor marks them active after the
// first successful probe.
type RangeMap struct {
	mu     sync.RWMutex
	ranges []*rangeEntry                  // sorted by start character
	nodes  map[string]*cluster.ServerInfo // addr -> liveness
	order  []string                       // node addresses in configuration order

	// pick returns a uniform index in [0, n). Safe for concurrent use.
	pick func(n int) int
}

// NewRangeMap builds the map from node configurations. Nodes listing the
// same range become replicas of it. Distinct ranges that share a character
// are rejected.
func NewRangeMap(configs []cluster.NodeConfig) (*RangeMap, error) {
	m := &RangeMap{
		nodes: make(map[string]*cluster.ServerInfo),
		pick:  rand.IntN,
	}
	byRange := make(map[Range]*rangeEntry)

	for _, cfg := range configs {
		info, err := cfg.Server()
		if err != nil {
			return nil, err
		}
		addr := info.Addr()
		if _, dup := m.nodes[addr]; dup {
			return nil, fmt.Errorf("duplicate node %s", addr)
		}
		m.nodes[addr] = &info
		m.order = append(m.order, addr)

		for _, spec := range cfg.Ranges {
			r, err := ParseRange(spec)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", addr, err)
			}
			e, ok := byRange[r]
			if !ok {
				e = &rangeEntry{rng: r, primary: addr}
				byRange[r] = e
				m.ranges = append(m.ranges, e)
			}
			if !slices.Contains(e.replicas, addr) {
				e.replicas = append(e.replicas, addr)
			}
		}
	}

	if len(m.ranges) == 0 {
		return nil, ErrNoRanges
	}
	slices.SortFunc(m.ranges, func(a, b *rangeEntry) int {
		if a.rng.Start != b.rng.Start {
			return int(a.rng.Start - b.rng.Start)
		}
		return int(a.rng.End - b.rng.End)
	})
	reach := m.ranges[0]
	for _, e := range m.ranges[1:] {
		if e.rng.Start <= reach.rng.End {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlappingRanges, reach.rng, e.rng)
		}
		if e.rng.End > reach.rng.End {
			reach = e
		}
	}
	return m, nil
}

// SetPicker replaces the random index source used for replica selection.
func (m *RangeMap) SetPicker(pick func(n int) int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pick = pick
}

// Lookup returns the range covering rowkey's lowercased first character.
func (m *RangeMap) Lookup(rowkey string) (Range, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.lookup(rowkey)
	if err != nil {
		return Range{}, err
	}
	return e.rng, nil
}

func (m *RangeMap) lookup(rowkey string) (*rangeEntry, error) {
	if rowkey == "" {
		return nil, ErrNoRange
	}
	c := unicode.ToLower(firstRune(rowkey))
	for _, e := range m.ranges {
		if e.rng.Contains(c) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrNoRange, rowkey)
}

// Route picks the node for an operation on rowkey. Reads ("get") go to a
// random active replica. Everything else goes to the primary; if the
// primary is down a random active replica is returned with Degraded set.
func (m *RangeMap) Route(rowkey, op string) (Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, err := m.lookup(rowkey)
	if err != nil {
		return Route{}, err
	}
	route := Route{Range: e.rng}

	if !strings.EqualFold(op, "get") && e.primary != "" && m.isActive(e.primary) {
		route.Addr = e.primary
		return route, nil
	}

	active := m.activeReplicas(e)
	if len(active) == 0 {
		return Route{}, fmt.Errorf("%w %s", ErrNoServer, e.rng)
	}
	route.Addr = active[m.pick(len(active))]
	route.Degraded = !strings.EqualFold(op, "get")
	return route, nil
}

func (m *RangeMap) isActive(addr string) bool {
	n, ok := m.nodes[addr]
	return ok && n.Active
}

func (m *RangeMap) activeReplicas(e *rangeEntry) []string {
	var active []string
	for _, addr := range e.replicas {
		if m.isActive(addr) {
			active = append(active, addr)
		}
	}
	return active
}

// SetActive records a probe result for addr and reports whether its
// liveness changed. Unknown addresses are ignored.
func (m *RangeMap) SetActive(addr string, active bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[addr]
	if !ok || n.Active == active {
		return false
	}
	n.Active = active
	return true
}

// ElectPrimaries replaces every primary that is unset or inactive with a
// random active replica of its range, leaving it unset when none is
// active. It returns the changes made.
func (m *RangeMap) ElectPrimaries() []Election {
	m.mu.Lock()
	defer m.mu.Unlock()

	var elections []Election
	for _, e := range m.ranges {
		if e.primary != "" && m.isActive(e.primary) {
			continue
		}
		next := ""
		if active := m.activeReplicas(e); len(active) > 0 {
			next = active[m.pick(len(active))]
		}
		if next == e.primary {
			continue
		}
		elections = append(elections, Election{Range: e.rng, Previous: e.primary, Primary: next})
		e.primary = next
	}
	return elections
}

// Nodes returns every configured node in configuration order.
func (m *RangeMap) Nodes() []cluster.ServerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]cluster.ServerInfo, 0, len(m.order))
	for _, addr := range m.order {
		out = append(out, *m.nodes[addr])
	}
	return out
}

// Ranges returns every range in start order.
func (m *RangeMap) Ranges() []RangeAssignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RangeAssignment, 0, len(m.ranges))
	for _, e := range m.ranges {
		out = append(out, RangeAssignment{
			Range:    e.rng,
			Replicas: slices.Clone(e.replicas),
			Primary:  e.primary,
		})
	}
	return out
}
