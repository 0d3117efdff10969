package provider

import "strings"

// Reasoning effort levels shared by the OpenAI-family dialects.
const (
	effortMinimal = "minimal"
	effortLow     = "low"
	effortMedium  = "medium"
	effortHigh    = "high"
)

var effortLevels = []string{effortMinimal, effortLow, effortMedium, effortHigh}

// effortFromBudget buckets an Anthropic thinking budget into a named effort
// level for dialects that take a label instead of a token count.
func effortFromBudget(tokens int) string {
	switch {
	case tokens <= 512:
		return effortMinimal
	case tokens <= 1024:
		return effortLow
	case tokens <= 8192:
		return effortMedium
	default:
		return effortHigh
	}
}

// geminiThinkingBudget maps an effort level to the thinkingBudget sent to
// Gemini. Minimal shares the low floor.
func geminiThinkingBudget(effort string) int {
	switch effort {
	case effortHigh:
		return 16384
	case effortMedium:
		return 4096
	default:
		return 1024
	}
}

// anthropicThinkingBudget maps an effort level to budget_tokens for the
// passthrough executor's reasoning injection. 1024 is the API minimum, which
// serves as the minimal tier.
func anthropicThinkingBudget(effort string) int {
	switch effort {
	case effortHigh:
		return 32768
	case effortMedium:
		return 8192
	case effortLow:
		return 2048
	default:
		return 1024
	}
}

// splitEffortSuffix splits a trailing reasoning-effort marker from a model
// name: "gpt-5-high" yields ("gpt-5", "high"). Models without a marker
// return an empty effort.
func splitEffortSuffix(model string) (string, string) {
	for _, effort := range effortLevels {
		if strings.HasSuffix(model, "-"+effort) {
			return strings.TrimSuffix(model, "-"+effort), effort
		}
	}
	return model, ""
}

// isReasoningModel reports whether an OpenAI-family model accepts the
// reasoning_effort parameter.
func isReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}
