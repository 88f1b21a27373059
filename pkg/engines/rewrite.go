package engines

import (
	"context"
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/privateai/sidecar/pkg/sidecar"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// RewritePolicy describes edits applied to every request body sent to the
// engine, e.g. sampling parameters the desktop app never sends itself.
type RewritePolicy struct {
	SetKeys       map[string]any    `json:"set_keys" yaml:"set_keys"`
	SetKeysByExpr map[string]string `json:"set_keys_by_expr" yaml:"set_keys_by_expr"`
	RemoveKeys    []string          `json:"remove_keys" yaml:"remove_keys"`
}

func (p *RewritePolicy) Merge(other *RewritePolicy) *RewritePolicy {
	if other == nil {
		return p
	}
	if p == nil {
		return other
	}

	merged := &RewritePolicy{
		SetKeys:       make(map[string]any),
		SetKeysByExpr: make(map[string]string),
		RemoveKeys:    append([]string{}, p.RemoveKeys...),
	}

	for k, v := range p.SetKeys {
		merged.SetKeys[k] = v
	}
	for k, v := range other.SetKeys {
		merged.SetKeys[k] = v
	}

	for k, v := range p.SetKeysByExpr {
		merged.SetKeysByExpr[k] = v
	}
	for k, v := range other.SetKeysByExpr {
		merged.SetKeysByExpr[k] = v
	}

	merged.RemoveKeys = append(merged.RemoveKeys, other.RemoveKeys...)

	return merged
}

// RewriteEnv is the environment SetKeysByExpr expressions are evaluated in.
type RewriteEnv struct {
	MessageCount int
	PromptChars  int
	LastRole     string
	Stream       bool
}

func NewRewriteEnv(messages []sidecar.Message, stream bool) RewriteEnv {
	env := RewriteEnv{MessageCount: len(messages), Stream: stream}
	for _, m := range messages {
		env.PromptChars += len([]rune(m.Content))
	}
	if len(messages) > 0 {
		env.LastRole = messages[len(messages)-1].Role
	}
	return env
}

// JSONRewriter applies a RewritePolicy to JSON bodies. Expressions are
// compiled once, when the rewriter is built.
type JSONRewriter struct {
	policy *RewritePolicy
	progs  map[string]*vm.Program
	keys   []string
}

func NewJSONRewriter(policy *RewritePolicy) (*JSONRewriter, error) {
	r := &JSONRewriter{policy: policy, progs: make(map[string]*vm.Program)}
	if policy == nil {
		return r, nil
	}
	for k, code := range policy.SetKeysByExpr {
		prog, err := expr.Compile(code, expr.Env(RewriteEnv{}))
		if err != nil {
			return nil, fmt.Errorf("compile expr for key %s: %w", k, err)
		}
		r.progs[k] = prog
		r.keys = append(r.keys, k)
	}
	sort.Strings(r.keys)
	return r, nil
}

// RewriteJSON runs RemoveKeys, then SetKeys, then SetKeysByExpr. Failures of
// individual edits are logged and skipped.
func (r *JSONRewriter) RewriteJSON(ctx context.Context, body []byte, env RewriteEnv) []byte {
	if r == nil || r.policy == nil {
		return body
	}

	var err error
	for _, k := range r.policy.RemoveKeys {
		body, err = sjson.DeleteBytes(body, k)
		if err != nil {
			logrus.WithContext(ctx).Warnf("[JSONRewriter.RewriteJSON] delete key (%s) body error: %s", k, err)
		}
	}

	for k, v := range r.policy.SetKeys {
		body, err = sjson.SetBytes(body, k, v)
		if err != nil {
			logrus.WithContext(ctx).Warnf("[JSONRewriter.RewriteJSON] set key (%s) error: %s", k, err)
		}
	}

	for _, k := range r.keys {
		v, err := expr.Run(r.progs[k], env)
		if err != nil {
			logrus.WithContext(ctx).Warnf("[JSONRewriter.RewriteJSON] run expr (%s) error: %s", r.policy.SetKeysByExpr[k], err)
			continue
		}
		if v == nil {
			logrus.WithContext(ctx).Debugf("[JSONRewriter.RewriteJSON] skip setting key (%s) because expr result is nil", k)
			continue
		}
		body, err = sjson.SetBytes(body, k, v)
		if err != nil {
			logrus.WithContext(ctx).Warnf("[JSONRewriter.RewriteJSON] set key (%s) error: %s", k, err)
			continue
		}
		logrus.WithContext(ctx).Debugf("[JSONRewriter.RewriteJSON] set key (%s) value (%v)", k, v)
	}

	return body
}
