package governance

import (
	"context"
	"fmt"
	"regexp"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request contains the context of a tool call to be evaluated.
type Request struct {
	Tool      string
	Arguments string
	ChatID    string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine evaluates tool calls against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine is a basic implementation of PolicyEngine.
type DefaultPolicyEngine struct {
	DeniedTools map[string]bool
	DeniedRegex []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedTools: make(map[string]bool),
		DeniedRegex: make([]*regexp.Regexp, 0),
	}
}

// hatcheryDeniedArgumentPatterns are the shell-tool argument patterns every
// provisioned agent is denied regardless of persona or manifest contents:
// an agent runs inside its own isolation group's sandbox, not as the host
// operator, so destructive or host-wide commands are never in scope for it.
var hatcheryDeniedArgumentPatterns = []string{
	`rm\s+-rf`,
	`mkfs`,
	`shutdown`,
	`reboot`,
}

// NewHatcheryPolicyEngine returns a DefaultPolicyEngine pre-loaded with the
// deny rules every provisioned agent gets, so every call site building an
// agent's governance policy (spec §4.N) starts from the same baseline
// instead of repeating the pattern list inline.
func NewHatcheryPolicyEngine() (*DefaultPolicyEngine, error) {
	e := NewDefaultPolicyEngine()
	for _, pattern := range hatcheryDeniedArgumentPatterns {
		if err := e.DenyArguments(pattern); err != nil {
			return nil, fmt.Errorf("governance: invalid built-in deny pattern %q: %w", pattern, err)
		}
	}
	return e, nil
}

func (e *DefaultPolicyEngine) DenyTool(name string) {
	e.DeniedTools[name] = true
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if e.DeniedTools[req.Tool] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Tool '%s' is restricted by system policy", req.Tool),
		}, nil
	}

	for _, re := range e.DeniedRegex {
		if re.MatchString(req.Arguments) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Arguments match restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}
