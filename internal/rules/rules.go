// Package rules routes files to ordered chains of transform steps.
//
// Rules are tested in declaration order against a file's absolute path and
// inclusion scope. The first rule that matches supplies the chain; a file
// that matches no rule is passed through unchanged.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
)

// Invocation is one step of a chain with its option bag.
type Invocation struct {
	Step    Step
	Options config.Options
}

// Chain is an ordered list of step invocations.
type Chain []Invocation

// Rule binds a path predicate to a chain.
type Rule struct {
	Test    *regexp.Regexp
	Include []string
	Exclude []string
	Chain   Chain
}

// Matches reports whether path satisfies the rule's pattern and scope.
func (r *Rule) Matches(path string) bool {
	slashed := filepath.ToSlash(path)
	if !r.Test.MatchString(slashed) {
		return false
	}
	if len(r.Include) > 0 && !withinAny(path, r.Include) {
		return false
	}

	return !withinAny(path, r.Exclude)
}

func withinAny(path string, dirs []string) bool {
	for _, dir := range dirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}

	return false
}

// Engine dispatches files to chains.
type Engine struct {
	rules []Rule
}

// NewEngine compiles the rule list. Include and exclude scopes are taken
// relative to contextDir; step names are looked up in registry.
func NewEngine(cfgRules []config.RuleConfig, contextDir string, registry *Registry) (*Engine, error) {
	engine := &Engine{rules: make([]Rule, 0, len(cfgRules))}

	for i, rc := range cfgRules {
		test, err := regexp.Compile(rc.Test)
		if err != nil {
			return nil, perrors.NewConfigError(perrors.ErrCodeInvalidPattern, fmt.Sprintf("rules[%d].test", i), err)
		}

		rule := Rule{Test: test}
		for _, dir := range rc.Include {
			rule.Include = append(rule.Include, scopeDir(contextDir, dir))
		}
		for _, dir := range rc.Exclude {
			rule.Exclude = append(rule.Exclude, scopeDir(contextDir, dir))
		}
		for _, use := range rc.Use {
			step, ok := registry.Lookup(use.Step)
			if !ok {
				return nil, perrors.NewValidationError(perrors.ErrCodeUnknownStep, fmt.Sprintf("rules[%d]: unknown step %q", i, use.Step))
			}
			rule.Chain = append(rule.Chain, Invocation{Step: step, Options: use.Options})
		}

		engine.rules = append(engine.rules, rule)
	}

	return engine, nil
}

func scopeDir(contextDir, dir string) string {
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}

	return filepath.Join(contextDir, filepath.FromSlash(dir))
}

// Dispatch returns the chain of the first rule matching path. The boolean is
// false when no rule matches.
func (e *Engine) Dispatch(path string) (Chain, bool) {
	for i := range e.rules {
		if e.rules[i].Matches(path) {
			return e.rules[i].Chain, true
		}
	}

	return nil, false
}

// Len returns the number of compiled rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Apply runs the chain left to right, feeding each step the previous step's
// output. A failing step is reported as a TransformError for the unit's path.
func (c Chain) Apply(ctx context.Context, in Unit) (Unit, error) {
	cur := in
	for _, inv := range c {
		if err := ctx.Err(); err != nil {
			return Unit{}, err
		}

		out, err := inv.Step.Transform(ctx, cur, inv.Options)
		if err != nil {
			return Unit{}, &perrors.TransformError{File: in.Path, Step: inv.Step.Name(), Cause: err}
		}
		cur = out
	}

	return cur, nil
}

// Key identifies the chain for caching: step names and their options.
func (c Chain) Key() string {
	var b strings.Builder
	for _, inv := range c {
		b.WriteString(inv.Step.Name())
		// encoding/json sorts map keys, so equal options give equal keys.
		opts, _ := json.Marshal(inv.Options)
		b.Write(opts)
		b.WriteByte('|')
	}

	return b.String()
}
