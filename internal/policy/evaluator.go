// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy is the rule based decision maker of the bundled policy
// client. It answers connection requests sent by the interception core.
package policy

import (
	"fmt"
	"sync"

	"grimm.is/flowguard/internal/config"
	"grimm.is/flowguard/internal/connection"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/protocol"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Verdict connection.Verdict
	// Source is "rule:<name>" or "default".
	Source string
}

// RuleEngine evaluates connection requests against configured rules. The
// first matching rule wins; otherwise the default verdict applies.
type RuleEngine struct {
	mu       sync.RWMutex
	rules    []Rule
	fallback connection.Verdict
	hits     map[string]uint64
	log      *logging.Logger
}

// NewRuleEngine compiles the rules of cfg.
func NewRuleEngine(cfg *config.PolicyConfig, logger *logging.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = logging.WithComponent("policy")
	}
	e := &RuleEngine{log: logger, hits: make(map[string]uint64)}
	if err := e.Load(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Load replaces the rule set. On error the previous rules stay active.
func (e *RuleEngine) Load(cfg *config.PolicyConfig) error {
	fallback := connection.Block
	var rules []Rule
	if cfg != nil {
		if cfg.DefaultVerdict != "" {
			v, err := connection.ParseVerdictName(cfg.DefaultVerdict)
			if err != nil {
				return errors.Wrap(err, errors.KindValidation, "default verdict")
			}
			fallback = v
		}
		for _, r := range cfg.Rules {
			compiled, err := compile(r)
			if err != nil {
				return errors.Attr(errors.Wrap(err, errors.KindValidation, "compile rule"), "rule", r.Name)
			}
			rules = append(rules, compiled)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
	e.fallback = fallback
	e.hits = make(map[string]uint64)
	return nil
}

// Evaluate determines the verdict for a connection request.
func (e *RuleEngine) Evaluate(c protocol.Connection) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.Match(c) {
			return Decision{Verdict: r.Verdict, Source: fmt.Sprintf("rule:%s", r.Name)}
		}
	}
	return Decision{Verdict: e.fallback, Source: "default"}
}

// Decide is a ctlplane.DecideFunc.
func (e *RuleEngine) Decide(c protocol.Connection) uint8 {
	d := e.Evaluate(c)

	e.mu.Lock()
	e.hits[d.Source]++
	e.mu.Unlock()

	e.log.Info("decided connection",
		"id", c.ID,
		"flow", c.Key().String(),
		"direction", c.Direction.String(),
		"pid", c.ProcessID,
		"verdict", d.Verdict.String(),
		"source", d.Source,
	)
	return uint8(d.Verdict)
}

// Rules returns the compiled rules in evaluation order.
func (e *RuleEngine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Hits returns how often each decision source was used by Decide.
func (e *RuleEngine) Hits() map[string]uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]uint64, len(e.hits))
	for k, v := range e.hits {
		out[k] = v
	}
	return out
}
