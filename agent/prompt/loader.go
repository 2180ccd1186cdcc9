package prompt

import (
	_ "embed"
	"strings"
)

//go:embed template/intent_system.txt
var intentSystemRaw string

// PromptSet holds loaded prompt content.
type PromptSet struct {
	IntentSystem string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
// This is safe to call concurrently; the embed is compile-time, and trimming is cheap.
func LoadPromptSet() PromptSet {
	return PromptSet{
		IntentSystem: strings.TrimSpace(intentSystemRaw),
	}
}
