// Package types defines the core domain records shared across the analysis
// pipeline: agent kinds, calls, results, reports and quotas.
package types

import "fmt"

// AgentKind identifies one logical analysis unit with a single prompt and a
// declared structured output.
type AgentKind string

// Agent kinds supported by the platform.
const (
	AgentDevelopmentalEdit AgentKind = "developmental_edit"
	AgentLineEdit          AgentKind = "line_edit"
	AgentCopyEdit          AgentKind = "copy_edit"
	AgentMarketAnalysis    AgentKind = "market_analysis"
	AgentCompTitles        AgentKind = "comp_titles"
	AgentMarketingHooks    AgentKind = "marketing_hooks"
	AgentCoverBrief        AgentKind = "cover_brief"
	AgentBackMatter        AgentKind = "back_matter"
	AgentAuthorBio         AgentKind = "author_bio"
	AgentPositioning       AgentKind = "positioning_report"
)

// AllAgentKinds lists every known agent kind in a stable order.
func AllAgentKinds() []AgentKind {
	return []AgentKind{
		AgentDevelopmentalEdit,
		AgentLineEdit,
		AgentCopyEdit,
		AgentMarketAnalysis,
		AgentCompTitles,
		AgentMarketingHooks,
		AgentCoverBrief,
		AgentBackMatter,
		AgentAuthorBio,
		AgentPositioning,
	}
}

// ParseAgentKind validates a string as a known agent kind.
func ParseAgentKind(s string) (AgentKind, error) {
	for _, k := range AllAgentKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown agent kind: %q", s)
}
