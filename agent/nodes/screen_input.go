package orchestratornode

import (
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/caresched/medibot/agent/contract"
	"github.com/caresched/medibot/agent/policy"
	"github.com/caresched/medibot/pkg/metrics"
)

const emergencyAdvisory = "If this is a medical emergency, please call 108 or go to your nearest emergency room right away. I can only help with appointment booking, so please seek urgent care first."

// ScreenInput runs the raw user text through the policy engine before any
// model sees it. A denial answers the turn with the fixed refusal; emergency
// wording answers with the urgent-care advisory. Neither touches the stage.
func ScreenInput(in *GraphState, engine *policy.Engine, met *metrics.Metrics) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	if decision := engine.ScreenMessage(in.Text); !decision.Allowed {
		met.PolicyDenials.WithLabelValues(string(decision.Reason)).Inc()
		log.Warn().
			Str("session_id", in.SessionID).
			Str("reason", string(decision.Reason)).
			Msg("message denied by policy")
		in.Session.Blocked = true
		in.Message = decision.Refusal
		in.Done = true
		return in, nil
	}

	if policy.DetectEmergency(in.Text) {
		log.Info().Str("session_id", in.SessionID).Msg("emergency wording detected")
		in.Prompt = PromptEmergency
		in.Message = emergencyAdvisory
		in.Done = true
		return in, nil
	}

	return in, nil
}
