package orchestratornode

import (
	"fmt"
	"strings"

	contractx "github.com/caresched/medibot/agent/contract"
)

// Finalize builds the reply envelope. Every turn must end with something to
// say; an empty message here means a pipeline bug, not a quiet turn.
func Finalize(in *GraphState) (GraphOutput, error) {
	if in == nil || in.Session == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return GraphOutput{}, fmt.Errorf("%w: empty reply message", contractx.ErrInvariant)
	}

	return GraphOutput{
		Reply: contractx.Reply{
			SessionID:  in.SessionID,
			Message:    msg,
			Task:       in.Session.Task,
			Stage:      in.Session.Stage,
			AwaitInput: in.Prompt != PromptEmergency,
		},
	}, nil
}
