package metadata

import (
	"context"
	"fmt"

	"github.com/gobwas/glob"
	"github.com/maxpert/marmot-sweep/sweep"
)

// Rule assigns a sweep strategy to tables matching a glob pattern.
type Rule struct {
	Pattern string
	Policy  string
}

type compiledRule struct {
	glob glob.Glob
	raw  []byte
}

// RuleSource serves metadata from ordered glob rules. The first matching rule
// wins; tables matching no rule have no metadata.
type RuleSource struct {
	rules []compiledRule
}

var _ sweep.MetadataSource = (*RuleSource)(nil)

// NewRuleSource compiles rules, rejecting bad patterns and unknown strategies.
func NewRuleSource(rules []Rule) (*RuleSource, error) {
	src := &RuleSource{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		g, err := glob.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", r.Pattern, err)
		}
		policy, err := sweep.ParsePolicy(r.Policy)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Pattern, err)
		}
		raw, err := Encode(policy)
		if err != nil {
			return nil, err
		}
		src.rules = append(src.rules, compiledRule{glob: g, raw: raw})
	}
	return src, nil
}

// FetchRawMetadata never fails.
func (s *RuleSource) FetchRawMetadata(_ context.Context, table sweep.TableRef) ([]byte, error) {
	for _, r := range s.rules {
		if r.glob.Match(string(table)) {
			return r.raw, nil
		}
	}
	return nil, nil
}

// Chain consults sources in order and returns the first non-empty metadata.
// A source error stops the chain and is returned as is.
type Chain []sweep.MetadataSource

var _ sweep.MetadataSource = Chain(nil)

func (c Chain) FetchRawMetadata(ctx context.Context, table sweep.TableRef) ([]byte, error) {
	for _, src := range c {
		raw, err := src.FetchRawMetadata(ctx, table)
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			return raw, nil
		}
	}
	return nil, nil
}
