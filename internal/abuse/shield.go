package abuse

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
)

type ShieldMode string

const (
	ShieldEnforce ShieldMode = "ENFORCE"
	ShieldObserve ShieldMode = "OBSERVE"
)

// ParseShieldMode defaults to ENFORCE for anything but OBSERVE.
func ParseShieldMode(raw string) ShieldMode {
	if strings.EqualFold(strings.TrimSpace(raw), string(ShieldObserve)) {
		return ShieldObserve
	}
	return ShieldEnforce
}

const (
	weightSuspiciousHeader = 10
	weightScript           = 6
	weightSQL              = 6
	weightTraversal        = 3
	weightNoAccept         = 1
)

var (
	scriptPattern    = regexp.MustCompile(`(?i)<\s*script\b|javascript\s*:|\bon(error|load|click|mouseover)\s*=|<\s*iframe\b`)
	sqlPattern       = regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b|'\s*or\s+'?\d+'?\s*=\s*'?\d+|;\s*drop\s+table\b|\bsleep\s*\(\s*\d+\s*\)|'\s*;\s*--`)
	traversalPattern = regexp.MustCompile(`\.\.[/\\]`)
)

// ShieldRule scores request shape. In ENFORCE mode it denies when the score
// exceeds Threshold; in OBSERVE mode it only logs what it would have done.
type ShieldRule struct {
	Mode      ShieldMode
	Threshold int
}

func (r *ShieldRule) Name() string { return "shield" }

func (r *ShieldRule) Evaluate(_ context.Context, req Request) (Decision, error) {
	score, signals := r.Score(req)
	if score <= r.Threshold {
		return Allow(), nil
	}
	detail := fmt.Sprintf("score %d > %d (%s)", score, r.Threshold, strings.Join(signals, ","))
	if r.Mode == ShieldObserve {
		log.Printf(`{"component":"shield","mode":"observe","operation":"%s","ip":"%s","detail":"%s"}`, req.Operation, req.IP, detail)
		return Allow(), nil
	}
	return Deny(r.Name(), ReasonShield, detail), nil
}

// Score returns the anomaly score and the names of the signals that fired.
func (r *ShieldRule) Score(req Request) (int, []string) {
	score := 0
	var signals []string
	add := func(weight int, signal string) {
		score += weight
		signals = append(signals, signal)
	}

	if req.Suspicious {
		add(weightSuspiciousHeader, "suspicious-header")
	}
	if strings.TrimSpace(req.Headers["accept"]) == "" {
		add(weightNoAccept, "no-accept")
	}

	fields := make([]string, 0, len(req.Fields))
	for name := range req.Fields {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	for _, name := range fields {
		value := req.Fields[name]
		if scriptPattern.MatchString(value) {
			add(weightScript, "script:"+name)
		}
		if sqlPattern.MatchString(value) {
			add(weightSQL, "sql:"+name)
		}
		if traversalPattern.MatchString(value) {
			add(weightTraversal, "traversal:"+name)
		}
	}
	return score, signals
}
