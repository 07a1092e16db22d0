package governor

import (
	"github.com/BaSui01/agentrelay/agent/task"
)

// UsageArtifactName is the artifact name an agent uses to report what its task
// consumed. The artifact carries one data part with cost_usd, tokens and
// llm_calls.
const UsageArtifactName = "usage"

// Add 返回两份用量之和
func (u Usage) Add(o Usage) Usage {
	return Usage{
		CostUSD:  u.CostUSD + o.CostUSD,
		Tokens:   u.Tokens + o.Tokens,
		LLMCalls: u.LLMCalls + o.LLMCalls,
	}
}

// UsageFromArtifact reads a usage report. ok is false for any other artifact.
func UsageFromArtifact(a task.Artifact) (u Usage, ok bool) {
	if a.Name != UsageArtifactName {
		return Usage{}, false
	}
	for _, p := range a.Parts {
		if p.Type != task.PartTypeData {
			continue
		}
		u = u.Add(Usage{
			CostUSD:  number(p.Data["cost_usd"]),
			Tokens:   int(number(p.Data["tokens"])),
			LLMCalls: int(number(p.Data["llm_calls"])),
		})
	}
	return u, true
}

// UsageArtifact 构造用量报告产出物
func UsageArtifact(u Usage) task.Artifact {
	return task.Artifact{
		Name: UsageArtifactName,
		Parts: []task.Part{task.DataPart(map[string]any{
			"cost_usd":  u.CostUSD,
			"tokens":    u.Tokens,
			"llm_calls": u.LLMCalls,
		})},
	}
}

// JSON 解码后数值为 float64，进程内构造时可能是 int
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
