package contract

import (
	"context"

	statex "github.com/caresched/medibot/agent/state"
)

// IntentExtractor turns a raw user turn into a candidate task and slot
// values. Implementations live outside the core; their output is untrusted.
type IntentExtractor interface {
	Extract(ctx context.Context, req IntentRequest) (IntentResult, error)
}

// Recommender maps a free-text symptom description to ranked specialty
// hints. External capability; hints are advisory only.
type Recommender interface {
	Recommend(ctx context.Context, symptom string) ([]SpecialtyHint, error)
}

// ToolGateway executes vetted tool calls. Every request passes schema
// validation, policy screening, and result redaction before anything is
// returned; user-correctable failures travel inside ToolResult, Go errors
// are reserved for internal faults.
type ToolGateway interface {
	Execute(ctx context.Context, sess *statex.Session, reqs []ToolRequest) ([]ToolResult, error)
}

// Archiver receives sessions that reached a terminal stage before they are
// dropped from the live store.
type Archiver interface {
	Archive(ctx context.Context, sess *statex.Session) error
}
