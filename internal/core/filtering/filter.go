// Package filtering selects which buffered records a view renders.
package filtering

import (
	"fmt"
	"strings"
	"sync"

	"kilometers.ai/stream/internal/core/event"
	"kilometers.ai/stream/internal/core/risk"
)

// Filter decides whether a record is shown.
type Filter interface {
	Match(rec *event.Record) bool
}

// Rules is the serializable form of a view filter.
type Rules struct {
	Methods        []string          `json:"methods,omitempty" yaml:"methods,omitempty"`
	ExcludeMethods []string          `json:"exclude_methods,omitempty" yaml:"exclude_methods,omitempty"`
	ExcludePing    bool              `json:"exclude_ping" yaml:"exclude_ping"`
	Directions     []event.Direction `json:"directions,omitempty" yaml:"directions,omitempty"`
	MinimumRisk    risk.Level        `json:"minimum_risk,omitempty" yaml:"minimum_risk,omitempty"`
}

// Build turns rules into a Chain. Risk filtering needs an analyzer only
// when MinimumRisk is above low.
func Build(rules Rules, analyzer *risk.Analyzer) *Chain {
	chain := &Chain{}
	if len(rules.Methods) > 0 || len(rules.ExcludeMethods) > 0 || rules.ExcludePing {
		chain.filters = append(chain.filters, named{"method", NewMethodFilter(rules.Methods, rules.ExcludeMethods, rules.ExcludePing)})
	}
	if len(rules.Directions) > 0 {
		chain.filters = append(chain.filters, named{"direction", NewDirectionFilter(rules.Directions...)})
	}
	if rules.MinimumRisk.Rank() > risk.LevelLow.Rank() && analyzer != nil {
		chain.filters = append(chain.filters, named{"risk", NewRiskFilter(rules.MinimumRisk, analyzer)})
	}
	return chain
}

type named struct {
	name string
	Filter
}

// Stats counts how records fared against a Chain.
type Stats struct {
	Evaluated int            `json:"evaluated"`
	Matched   int            `json:"matched"`
	Rejected  map[string]int `json:"rejected"`
}

// Chain matches when every filter matches. An empty chain matches
// everything. It is safe for concurrent use.
type Chain struct {
	filters []named

	mu    sync.Mutex
	stats Stats
}

// NewChain combines filters.
func NewChain(filters ...Filter) *Chain {
	c := &Chain{}
	for i, f := range filters {
		c.filters = append(c.filters, named{fmt.Sprintf("filter%d", i), f})
	}
	return c
}

func (c *Chain) Match(rec *event.Record) bool {
	rejectedBy := ""
	for _, f := range c.filters {
		if !f.Match(rec) {
			rejectedBy = f.name
			break
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Evaluated++
	if rejectedBy == "" {
		c.stats.Matched++
		return true
	}
	if c.stats.Rejected == nil {
		c.stats.Rejected = make(map[string]int)
	}
	c.stats.Rejected[rejectedBy]++
	return false
}

// Apply returns the records that match, keeping their order.
func (c *Chain) Apply(records []*event.Record) []*event.Record {
	out := make([]*event.Record, 0, len(records))
	for _, r := range records {
		if c.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// Stats returns a copy of the counters.
func (c *Chain) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.Rejected = make(map[string]int, len(c.stats.Rejected))
	for k, v := range c.stats.Rejected {
		out.Rejected[k] = v
	}
	return out
}

// MethodFilter matches method names against include and exclude patterns.
// A pattern may end or start with "*".
type MethodFilter struct {
	include     []string
	exclude     []string
	excludePing bool
}

func NewMethodFilter(include, exclude []string, excludePing bool) *MethodFilter {
	return &MethodFilter{include: include, exclude: exclude, excludePing: excludePing}
}

func (f *MethodFilter) Match(rec *event.Record) bool {
	method := rec.Method().Value()
	if f.excludePing && strings.EqualFold(method, "ping") {
		return false
	}
	for _, p := range f.exclude {
		if matchPattern(method, p) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, p := range f.include {
		if matchPattern(method, p) {
			return true
		}
	}
	return false
}

func matchPattern(method, pattern string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(method, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(method, strings.TrimPrefix(pattern, "*"))
	default:
		return method == pattern
	}
}

// DirectionFilter keeps records with one of the given directions.
type DirectionFilter struct {
	allowed map[event.Direction]bool
}

func NewDirectionFilter(directions ...event.Direction) *DirectionFilter {
	allowed := make(map[event.Direction]bool, len(directions))
	for _, d := range directions {
		allowed[d] = true
	}
	return &DirectionFilter{allowed: allowed}
}

func (f *DirectionFilter) Match(rec *event.Record) bool {
	if len(f.allowed) == 0 {
		return true
	}
	return f.allowed[rec.Direction()]
}

// RiskFilter keeps records scored at or above a minimum level.
type RiskFilter struct {
	minimum  risk.Level
	analyzer *risk.Analyzer
}

func NewRiskFilter(minimum risk.Level, analyzer *risk.Analyzer) *RiskFilter {
	return &RiskFilter{minimum: minimum, analyzer: analyzer}
}

func (f *RiskFilter) Match(rec *event.Record) bool {
	return risk.LevelOf(f.analyzer.Score(rec)).Rank() >= f.minimum.Rank()
}
