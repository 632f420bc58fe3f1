// Package pipeline provides pipeline specifications, dependency validation,
// and the orchestrator that executes a report run.
package pipeline

import (
	"fmt"
	"time"

	"github.com/inkwell-press/inkwell/internal/chunker"
	"github.com/inkwell-press/inkwell/internal/types"
)

// DefaultSpecID is used when admission does not name a pipeline.
const DefaultSpecID = "full_analysis"

// AgentSpec defines one agent's place in a pipeline: its hard and optional
// dependencies and how its input is chunked.
type AgentSpec struct {
	Kind types.AgentKind
	// DependsOn lists hard dependencies. If any fails or is skipped, this
	// agent is skipped with dependency_failed.
	DependsOn []types.AgentKind
	// Optional lists soft dependencies: the agent waits for them and
	// consumes their output when complete, but runs regardless.
	Optional []types.AgentKind
	// Required marks agents whose failure fails the whole report.
	Required          bool
	Strategy          chunker.Strategy
	MaxTokensPerChunk int
	// PromptVersion pins a template version; zero selects the active one.
	PromptVersion int
}

// Spec is one pipeline definition. Specs are static and validated at
// registration.
type Spec struct {
	ID          string
	Agents      []AgentSpec
	MaxFanout   int
	MaxCostUSD  float64
	MaxWallTime time.Duration
}

// ErrInvalidPipeline reports a malformed pipeline spec or an unknown spec ID.
type ErrInvalidPipeline struct {
	ID     string
	Reason string
}

func (e *ErrInvalidPipeline) Error() string {
	return fmt.Sprintf("invalid pipeline %q: %s", e.ID, e.Reason)
}

// Registry holds all known pipeline specs.
var Registry = map[string]*Spec{
	DefaultSpecID: {
		ID: DefaultSpecID,
		Agents: []AgentSpec{
			{
				Kind:              types.AgentDevelopmentalEdit,
				Strategy:          chunker.StrategyChapter,
				MaxTokensPerChunk: 6000,
			},
			{
				Kind:              types.AgentLineEdit,
				Strategy:          chunker.StrategyChapter,
				MaxTokensPerChunk: 6000,
			},
			{
				Kind:              types.AgentCopyEdit,
				Strategy:          chunker.StrategyParagraph,
				MaxTokensPerChunk: 3000,
			},
			{
				Kind:     types.AgentMarketAnalysis,
				Required: true,
				Strategy: chunker.StrategyWhole,
			},
			{
				Kind:     types.AgentCompTitles,
				Strategy: chunker.StrategyWhole,
			},
			{
				Kind:      types.AgentMarketingHooks,
				DependsOn: []types.AgentKind{types.AgentMarketAnalysis},
				Strategy:  chunker.StrategyWhole,
			},
			{
				Kind:      types.AgentPositioning,
				DependsOn: []types.AgentKind{types.AgentCompTitles, types.AgentMarketAnalysis},
				Strategy:  chunker.StrategyWhole,
			},
			{
				Kind:     types.AgentCoverBrief,
				Optional: []types.AgentKind{types.AgentMarketAnalysis},
				Strategy: chunker.StrategyWhole,
			},
			{
				Kind:     types.AgentBackMatter,
				Optional: []types.AgentKind{types.AgentMarketingHooks},
				Strategy: chunker.StrategyWhole,
			},
			{
				Kind:     types.AgentAuthorBio,
				Strategy: chunker.StrategyWhole,
			},
		},
		MaxFanout:   4,
		MaxCostUSD:  8.00,
		MaxWallTime: 30 * time.Minute,
	},
	"market_only": {
		ID: "market_only",
		Agents: []AgentSpec{
			{
				Kind:     types.AgentMarketAnalysis,
				Required: true,
				Strategy: chunker.StrategyWhole,
			},
			{
				Kind:     types.AgentCompTitles,
				Strategy: chunker.StrategyWhole,
			},
			{
				Kind:      types.AgentPositioning,
				DependsOn: []types.AgentKind{types.AgentCompTitles, types.AgentMarketAnalysis},
				Strategy:  chunker.StrategyWhole,
			},
		},
		MaxFanout:   2,
		MaxCostUSD:  3.00,
		MaxWallTime: 10 * time.Minute,
	},
}

// Resolve validates and returns a spec by ID. Empty selects the default.
func Resolve(id string) (*Spec, error) {
	if id == "" {
		id = DefaultSpecID
	}
	spec, ok := Registry[id]
	if !ok {
		return nil, &ErrInvalidPipeline{ID: id, Reason: "unknown pipeline spec"}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks the spec is a well-formed DAG with sound limits.
func (s *Spec) Validate() error {
	if len(s.Agents) == 0 {
		return &ErrInvalidPipeline{ID: s.ID, Reason: "no agents"}
	}
	if s.MaxFanout < 1 {
		return &ErrInvalidPipeline{ID: s.ID, Reason: "fanout must be at least 1"}
	}
	if s.MaxCostUSD <= 0 {
		return &ErrInvalidPipeline{ID: s.ID, Reason: "cost ceiling must be positive"}
	}
	if s.MaxWallTime <= 0 {
		return &ErrInvalidPipeline{ID: s.ID, Reason: "wall time limit must be positive"}
	}

	byKind := make(map[types.AgentKind]*AgentSpec, len(s.Agents))
	for i := range s.Agents {
		a := &s.Agents[i]
		if _, err := types.ParseAgentKind(string(a.Kind)); err != nil {
			return &ErrInvalidPipeline{ID: s.ID, Reason: err.Error()}
		}
		if byKind[a.Kind] != nil {
			return &ErrInvalidPipeline{ID: s.ID, Reason: fmt.Sprintf("duplicate agent %s", a.Kind)}
		}
		if _, err := chunker.ParseStrategy(string(a.Strategy)); err != nil {
			return &ErrInvalidPipeline{ID: s.ID, Reason: fmt.Sprintf("agent %s: %v", a.Kind, err)}
		}
		if a.Strategy != chunker.StrategyWhole && a.MaxTokensPerChunk < 1 {
			return &ErrInvalidPipeline{ID: s.ID, Reason: fmt.Sprintf("agent %s: chunked strategy needs a token limit", a.Kind)}
		}
		byKind[a.Kind] = a
	}

	for _, a := range s.Agents {
		for _, dep := range append(append([]types.AgentKind{}, a.DependsOn...), a.Optional...) {
			if byKind[dep] == nil {
				return &ErrInvalidPipeline{ID: s.ID, Reason: fmt.Sprintf("agent %s depends on %s, which is not in the pipeline", a.Kind, dep)}
			}
			if dep == a.Kind {
				return &ErrInvalidPipeline{ID: s.ID, Reason: fmt.Sprintf("agent %s depends on itself", a.Kind)}
			}
		}
	}

	if cyclic(byKind) {
		return &ErrInvalidPipeline{ID: s.ID, Reason: "dependency cycle"}
	}
	return nil
}

// edges returns every ordering edge of the agent, hard and optional.
func (a *AgentSpec) edges() []types.AgentKind {
	out := make([]types.AgentKind, 0, len(a.DependsOn)+len(a.Optional))
	out = append(out, a.DependsOn...)
	out = append(out, a.Optional...)
	return out
}

func cyclic(byKind map[types.AgentKind]*AgentSpec) bool {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[types.AgentKind]int, len(byKind))

	var visit func(k types.AgentKind) bool
	visit = func(k types.AgentKind) bool {
		switch state[k] {
		case visiting:
			return true
		case done:
			return false
		}
		state[k] = visiting
		for _, dep := range byKind[k].edges() {
			if visit(dep) {
				return true
			}
		}
		state[k] = done
		return false
	}

	for k := range byKind {
		if visit(k) {
			return true
		}
	}
	return false
}
