package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-press/inkwell/internal/chunker"
	"github.com/inkwell-press/inkwell/internal/types"
)

func TestRegistrySpecsValid(t *testing.T) {
	for id, spec := range Registry {
		assert.NoError(t, spec.Validate(), "spec %s", id)
	}
}

func TestResolveDefault(t *testing.T) {
	spec, err := Resolve("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSpecID, spec.ID)

	_, err = Resolve("no_such_pipeline")
	var invalid *ErrInvalidPipeline
	require.ErrorAs(t, err, &invalid)
}

func validSpec() *Spec {
	return &Spec{
		ID: "test",
		Agents: []AgentSpec{
			{Kind: types.AgentMarketAnalysis, Strategy: chunker.StrategyWhole},
			{Kind: types.AgentMarketingHooks, DependsOn: []types.AgentKind{types.AgentMarketAnalysis}, Strategy: chunker.StrategyWhole},
		},
		MaxFanout:   2,
		MaxCostUSD:  1,
		MaxWallTime: time.Minute,
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	s := validSpec()
	s.Agents[1].DependsOn = []types.AgentKind{types.AgentCompTitles}
	var invalid *ErrInvalidPipeline
	require.ErrorAs(t, s.Validate(), &invalid)
	assert.Contains(t, invalid.Reason, "not in the pipeline")
}

func TestValidateRejectsCycle(t *testing.T) {
	s := validSpec()
	s.Agents[0].DependsOn = []types.AgentKind{types.AgentMarketingHooks}
	var invalid *ErrInvalidPipeline
	require.ErrorAs(t, s.Validate(), &invalid)
	assert.Contains(t, invalid.Reason, "cycle")
}

func TestValidateRejectsOptionalCycle(t *testing.T) {
	s := validSpec()
	s.Agents[0].Optional = []types.AgentKind{types.AgentMarketingHooks}
	require.Error(t, s.Validate())
}

func TestValidateRejectsDuplicateAgent(t *testing.T) {
	s := validSpec()
	s.Agents = append(s.Agents, AgentSpec{Kind: types.AgentMarketAnalysis, Strategy: chunker.StrategyWhole})
	require.Error(t, s.Validate())
}

func TestValidateRejectsChunkedWithoutTokenLimit(t *testing.T) {
	s := validSpec()
	s.Agents[0].Strategy = chunker.StrategyParagraph
	require.Error(t, s.Validate())
}

func TestValidateRejectsBadLimits(t *testing.T) {
	s := validSpec()
	s.MaxCostUSD = 0
	require.Error(t, s.Validate())

	s = validSpec()
	s.MaxFanout = 0
	require.Error(t, s.Validate())
}
