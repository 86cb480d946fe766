package risk

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/relaymesh/agentgate/internal/config"
	"github.com/relaymesh/agentgate/internal/observability"
)

// RequestAttrs are the attributes a sensitivity policy can inspect.
type RequestAttrs struct {
	Method string
	Path   string
	Tier   string
	Scopes []string
}

// PolicySet evaluates operator-supplied CEL expressions that mark requests
// as sensitive, extending the mutating-verb step-up trigger. Expressions
// see `method`, `path`, `tier` and `scopes`.
type PolicySet struct {
	logger observability.Logger
	env    *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewPolicySet compiles the configured sensitivity policies. A policy that
// fails to compile is a configuration error and rejects the whole set.
func NewPolicySet(policies []config.SensitivityPolicy, logger observability.Logger) (*PolicySet, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("scopes", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	ps := &PolicySet{
		logger:   logger,
		env:      env,
		programs: make(map[string]cel.Program, len(policies)),
	}
	for _, p := range policies {
		if err := ps.compile(p.Name, p.Expression); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

func (ps *PolicySet) compile(name, expression string) error {
	ast, issues := ps.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compiling sensitivity policy %q: %w", name, issues.Err())
	}
	program, err := ps.env.Program(ast)
	if err != nil {
		return fmt.Errorf("building sensitivity policy %q: %w", name, err)
	}
	ps.mu.Lock()
	ps.programs[name] = program
	ps.mu.Unlock()
	return nil
}

// Reload swaps in a new policy set at runtime. On any compile error the
// previous set stays active.
func (ps *PolicySet) Reload(policies []config.SensitivityPolicy) error {
	staged := make(map[string]cel.Program, len(policies))
	for _, p := range policies {
		ast, issues := ps.env.Compile(p.Expression)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("compiling sensitivity policy %q: %w", p.Name, issues.Err())
		}
		program, err := ps.env.Program(ast)
		if err != nil {
			return fmt.Errorf("building sensitivity policy %q: %w", p.Name, err)
		}
		staged[p.Name] = program
	}
	ps.mu.Lock()
	ps.programs = staged
	ps.mu.Unlock()
	return nil
}

// Sensitive reports whether any policy matches. Evaluation errors are
// logged and treated as a non-match; a broken policy must not turn every
// request sensitive.
func (ps *PolicySet) Sensitive(attrs RequestAttrs) (bool, string) {
	ps.mu.RLock()
	programs := ps.programs
	ps.mu.RUnlock()

	if len(programs) == 0 {
		return false, ""
	}

	scopes := attrs.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	evalCtx := map[string]any{
		"method": attrs.Method,
		"path":   attrs.Path,
		"tier":   attrs.Tier,
		"scopes": scopes,
	}

	for name, program := range programs {
		result, _, err := program.Eval(evalCtx)
		if err != nil {
			ps.logger.Warn("sensitivity policy evaluation error",
				observability.String("policy", name),
				observability.Error(err))
			continue
		}
		if matched, ok := result.Value().(bool); ok && matched {
			return true, name
		}
	}
	return false, ""
}
