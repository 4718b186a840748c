package service

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/openstim/stimflow/stim"
)

// SafetyViolationError reports a staged pulse vetoed by an interlock rule.
type SafetyViolationError struct {
	Rule string
}

func (e *SafetyViolationError) Error() string {
	return fmt.Sprintf("safety interlock rejected parameters: %s", e.Rule)
}

type safetyRule struct {
	source  string
	program *vm.Program
}

// interlocks holds the compiled operator-configured safety expressions. Every
// staged pulse must satisfy all of them before it can reach the device.
type interlocks struct {
	rules []safetyRule
}

type ruleEnv struct {
	Channel   int     `expr:"channel"`
	Frequency float64 `expr:"frequency"`
	Amplitude float64 `expr:"amplitude"`
	Period    float64 `expr:"period"`
}

func newInterlocks(rules []string) (*interlocks, error) {
	compiled := make([]safetyRule, 0, len(rules))
	for i, raw := range rules {
		source := strings.TrimSpace(raw)
		if source == "" {
			return nil, fmt.Errorf("safety rule %d is empty", i)
		}
		program, err := expr.Compile(source, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile safety rule %q: %w", source, err)
		}
		compiled = append(compiled, safetyRule{source: source, program: program})
	}
	return &interlocks{rules: compiled}, nil
}

// check evaluates all rules against the candidate pulse and returns the first
// violation.
func (s *interlocks) check(pulse stim.Pulse) error {
	if s == nil || len(s.rules) == 0 {
		return nil
	}
	env := ruleEnv{
		Channel:   pulse.Channel,
		Frequency: pulse.Frequency,
		Amplitude: pulse.Amplitude,
		Period:    pulse.PeriodSeconds(),
	}
	for _, rule := range s.rules {
		result, err := expr.Run(rule.program, env)
		if err != nil {
			return fmt.Errorf("evaluate safety rule %q: %w", rule.source, err)
		}
		allowed, ok := result.(bool)
		if !ok {
			return fmt.Errorf("safety rule %q did not yield a boolean", rule.source)
		}
		if !allowed {
			return &SafetyViolationError{Rule: rule.source}
		}
	}
	return nil
}
