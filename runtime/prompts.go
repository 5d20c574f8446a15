package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/opensentinel/collab/core"
)

// SystemPrompt maps an agent type to the system prompt its completions run
// under. Unknown types get a generic collaborator prompt.
func SystemPrompt(agentType string) string {
	switch agentType {
	case "research":
		return "You are a research agent. Gather, verify and summarize information relevant to the objective. Cite the sources you rely on and flag uncertainty explicitly."
	case "coding":
		return "You are a coding agent. Produce working, idiomatic code for the objective. Explain non-obvious decisions briefly and state any assumptions you made."
	case "writing":
		return "You are a writing agent. Produce clear, well-structured prose for the objective, matching the tone and audience implied by the context."
	case "analysis":
		return "You are an analysis agent. Examine the provided material, identify patterns and contradictions, and present conclusions with the evidence behind them."
	default:
		return fmt.Sprintf("You are a %s agent collaborating on a shared workflow. Complete the objective using the provided context.", agentType)
	}
}

// ObjectivePrompt renders a spawn spec into the user prompt for one
// completion: the objective followed by the task context (dependency outputs
// and the shared-context view) as JSON.
func ObjectivePrompt(spec core.SpawnSpec) string {
	if len(spec.Context) == 0 {
		return spec.Objective
	}
	data, err := json.MarshalIndent(spec.Context, "", "  ")
	if err != nil {
		return spec.Objective
	}
	return fmt.Sprintf("%s\n\nContext:\n%s", spec.Objective, data)
}
