// Package risk scores event records for display. Scores never affect what
// the stream client buffers.
package risk

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"kilometers.ai/stream/internal/core/event"
)

// Level is a coarse risk category.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// ParseLevel accepts "low", "medium" or "high", case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelLow:
		return LevelLow, nil
	case LevelMedium:
		return LevelMedium, nil
	case LevelHigh:
		return LevelHigh, nil
	default:
		return "", fmt.Errorf("invalid risk level %q", s)
	}
}

// Rank orders levels so they can be compared.
func (l Level) Rank() int {
	switch l {
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	default:
		return 0
	}
}

// LevelOf maps a numeric score onto a Level.
func LevelOf(score event.RiskScore) Level {
	return Level(score.Level())
}

// Pattern is a compiled content rule.
type Pattern struct {
	re          *regexp.Regexp
	Level       Level
	Description string
}

// NewPattern compiles expr into a Pattern.
func NewPattern(expr string, level Level, description string) (*Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %s: %w", expr, err)
	}
	return &Pattern{re: re, Level: level, Description: description}, nil
}

// Matches reports whether content matches the pattern.
func (p *Pattern) Matches(content string) bool {
	return p.re.MatchString(content)
}

// Config tunes an Analyzer.
type Config struct {
	// PayloadSizeLimit marks larger payloads as medium risk. Zero disables
	// the size rule.
	PayloadSizeLimit int
	Custom           []CustomPattern
}

// CustomPattern is a user supplied content rule.
type CustomPattern struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Level       Level  `json:"level" yaml:"level"`
	Description string `json:"description" yaml:"description"`
}

// Analyzer scores records from their method and payload.
type Analyzer struct {
	high      []*Pattern
	medium    []*Pattern
	methods   map[string]Level
	sizeLimit int
}

var (
	highRiskContent = []string{
		`/etc/passwd`,
		`/etc/shadow`,
		`\.ssh/id_rsa`,
		`\.ssh/.*_rsa`,
		`/etc/sudoers`,
		`/root/`,
		`\.pem\b`,
		`BEGIN.*PRIVATE.*KEY`,
		`(?i)rm -rf`,
		`(?i)drop\s+table`,
	}

	mediumRiskContent = []string{
		`\.env\b`,
		`(?i)delete\s+from`,
		`(?i)update\s+\w+\s+set`,
		`(?i)insert\s+into`,
		`(?i)password`,
		`(?i)secret`,
		`(?i)api[_-]?key`,
		`(?i)auth[_-]?token`,
		`(?i)credential`,
	}

	methodLevels = map[string]Level{
		"tools/call":        LevelHigh,
		"resources/read":    LevelHigh,
		"filesystem/write":  LevelHigh,
		"filesystem/delete": LevelHigh,
		"shell/execute":     LevelHigh,
		"prompts/get":       LevelMedium,
		"resources/write":   LevelMedium,
		"filesystem/read":   LevelMedium,
		"ping":              LevelLow,
		"initialize":        LevelLow,
		"logging/log":       LevelLow,
	}

	highRiskMethodWords   = []string{"execute", "shell", "eval", "delete", "remove", "kill", "destroy"}
	mediumRiskMethodWords = []string{"write", "create", "update", "set", "query", "read"}
)

// NewAnalyzer builds an analyzer with the built-in rules plus cfg.Custom.
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	a := &Analyzer{
		methods:   make(map[string]Level, len(methodLevels)),
		sizeLimit: cfg.PayloadSizeLimit,
	}
	for m, l := range methodLevels {
		a.methods[m] = l
	}
	for _, expr := range highRiskContent {
		a.high = append(a.high, mustPattern(expr, LevelHigh, "sensitive resource access"))
	}
	for _, expr := range mediumRiskContent {
		a.medium = append(a.medium, mustPattern(expr, LevelMedium, "sensitive data"))
	}
	for _, c := range cfg.Custom {
		if err := a.Add(c); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func mustPattern(expr string, level Level, description string) *Pattern {
	p, err := NewPattern(expr, level, description)
	if err != nil {
		panic(err)
	}
	return p
}

// Add registers a custom content rule. Low level rules are accepted and
// ignored, since low is the default.
func (a *Analyzer) Add(c CustomPattern) error {
	p, err := NewPattern(c.Pattern, c.Level, c.Description)
	if err != nil {
		return err
	}
	switch c.Level {
	case LevelHigh:
		a.high = append(a.high, p)
	case LevelMedium:
		a.medium = append(a.medium, p)
	case LevelLow:
	default:
		return fmt.Errorf("invalid risk level %q for pattern %s", c.Level, c.Pattern)
	}
	return nil
}

// Score returns the record's own risk_score when it carries one, and the
// analyzed score otherwise.
func (a *Analyzer) Score(rec *event.Record) event.RiskScore {
	if rec == nil {
		return event.RiskScore{}
	}
	if score, ok := rec.RiskScore(); ok {
		return score
	}
	level := highest(
		a.Method(rec.Method().Value()),
		a.Content(rec.Raw()),
		a.Size(rec.Size()),
	)
	score, _ := event.NewRiskScore(scoreFor(level))
	return score
}

// Method rates a method name.
func (a *Analyzer) Method(method string) Level {
	if method == "" {
		return LevelLow
	}
	if l, ok := a.methods[method]; ok {
		return l
	}
	if strings.HasSuffix(method, "/list") {
		return LevelLow
	}
	lower := strings.ToLower(method)
	for _, w := range highRiskMethodWords {
		if strings.Contains(lower, w) {
			return LevelHigh
		}
	}
	for _, w := range mediumRiskMethodWords {
		if strings.Contains(lower, w) {
			return LevelMedium
		}
	}
	return LevelLow
}

// Content rates a raw JSON payload.
func (a *Analyzer) Content(raw []byte) Level {
	s := string(raw)
	for _, p := range a.high {
		if p.Matches(s) {
			return LevelHigh
		}
	}
	if hasSensitiveURI(raw) {
		return LevelHigh
	}
	for _, p := range a.medium {
		if p.Matches(s) {
			return LevelMedium
		}
	}
	return LevelLow
}

// Size rates a payload size.
func (a *Analyzer) Size(n int) Level {
	switch {
	case a.sizeLimit <= 0:
		return LevelLow
	case n > a.sizeLimit*10:
		return LevelHigh
	case n > a.sizeLimit:
		return LevelMedium
	default:
		return LevelLow
	}
}

// hasSensitiveURI looks at params.uri of MCP requests.
func hasSensitiveURI(raw []byte) bool {
	var msg struct {
		Params struct {
			URI string `json:"uri"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Params.URI == "" {
		return false
	}
	uri := strings.ToLower(msg.Params.URI)
	for _, s := range []string{"passwd", "shadow", "id_rsa", "/etc/", "/proc/", ".ssh/", "private", "secret"} {
		if strings.Contains(uri, s) {
			return true
		}
	}
	return false
}

func highest(levels ...Level) Level {
	out := LevelLow
	for _, l := range levels {
		if l.Rank() > out.Rank() {
			out = l
		}
	}
	return out
}

func scoreFor(l Level) int {
	switch l {
	case LevelHigh:
		return 75
	case LevelMedium:
		return 35
	default:
		return 10
	}
}
