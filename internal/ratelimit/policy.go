package ratelimit

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Policy maps request paths to admission rules. Matching is by exact
// path; unmatched paths share the default scope and its budget. Paths
// on the skip list bypass admission entirely.
type Policy struct {
	defaultRule Rule
	perPath     map[string]Rule
	skip        map[string]struct{}
}

// DefaultScope is the Lookup scope for paths without an override.
const DefaultScope = "default"

func NewPolicy(def Rule) *Policy {
	return &Policy{
		defaultRule: def,
		perPath:     map[string]Rule{},
		skip:        map[string]struct{}{},
	}
}

// SetRule installs a per-path override.
func (p *Policy) SetRule(path string, r Rule) { p.perPath[path] = r }

// SkipPaths exempts paths (health, docs, metrics) from admission.
func (p *Policy) SkipPaths(paths ...string) {
	for _, path := range paths {
		p.skip[path] = struct{}{}
	}
}

// Lookup resolves the rule for a path. scope names the budget the path
// draws from and is part of the bucket key.
func (p *Policy) Lookup(path string) (scope string, rule Rule, skip bool) {
	if _, ok := p.skip[path]; ok {
		return "", Rule{}, true
	}
	if r, ok := p.perPath[path]; ok {
		return path, r, false
	}
	return DefaultScope, p.defaultRule, false
}

// DefaultPolicy is the built-in table used when no policy file is
// configured. Auth endpoints are tight; the adaptive loop is generous
// because every answered item costs one request.
func DefaultPolicy(def Rule) *Policy {
	p := NewPolicy(def)
	p.SetRule("/v1/auth/login", Rule{Limit: 10, Window: time.Minute})
	p.SetRule("/v1/auth/register", Rule{Limit: 5, Window: time.Minute})
	p.SetRule("/v1/auth/request-password-reset", Rule{Limit: 5, Window: time.Hour})
	p.SetRule("/v1/auth/refresh", Rule{Limit: 30, Window: time.Minute})
	p.SetRule("/v1/test/start", Rule{Limit: 10, Window: time.Minute})
	p.SetRule("/v1/test/next", Rule{Limit: 120, Window: time.Minute})
	p.SkipPaths("/health", "/metrics")
	return p
}

type policyFile struct {
	Default   *policyRule           `yaml:"default"`
	Endpoints map[string]policyRule `yaml:"endpoints"`
	Skip      []string              `yaml:"skip"`
}

type policyRule struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"window_seconds"`
}

func (r policyRule) rule() Rule {
	return Rule{Limit: r.Limit, Window: time.Duration(r.WindowSeconds) * time.Second}
}

// LoadPolicyFile reads per-endpoint overrides from yaml. def applies
// when the file carries no default of its own.
func LoadPolicyFile(path string, def Rule) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: reading policy file: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("ratelimit: parsing policy file %s: %w", path, err)
	}

	if f.Default != nil {
		def = f.Default.rule()
	}
	if !def.valid() {
		return nil, fmt.Errorf("ratelimit: policy default rule must set limit and window")
	}
	p := NewPolicy(def)
	for endpoint, r := range f.Endpoints {
		if !r.rule().valid() {
			return nil, fmt.Errorf("ratelimit: endpoint %s: limit and window_seconds must be positive", endpoint)
		}
		p.SetRule(endpoint, r.rule())
	}
	p.SkipPaths(f.Skip...)
	return p, nil
}
