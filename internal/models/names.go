package models

// displayNames maps raw backend model identifiers to short labels for
// rendering. Unknown models fall back to a truncated raw name.
var displayNames = map[string]string{
	"global.anthropic.claude-opus-4-5-20251101-v1:0":  "Opus 4.5 (Bedrock Global)",
	"global.anthropic.claude-3-5-haiku-20241022-v1:0": "Haiku 3.5 (Bedrock Global)",
	"au.anthropic.claude-haiku-4-5-20251001-v1:0":     "Haiku 4.5 (Bedrock AU)",
	"claude-opus-4-5-20251101":                        "Opus 4.5 (Direct)",
	"claude-haiku-4-5-20251001":                       "Haiku 4.5 (Direct)",
}

const maxRawNameLen = 30

// DisplayName returns a human-friendly label for a raw model identifier.
func DisplayName(model string) string {
	if model == "" {
		return "Unknown"
	}
	if name, ok := displayNames[model]; ok {
		return name
	}
	if len(model) > maxRawNameLen {
		return model[:maxRawNameLen]
	}
	return model
}
