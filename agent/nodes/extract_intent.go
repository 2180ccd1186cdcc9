package orchestratornode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/caresched/medibot/agent/contract"
	"github.com/caresched/medibot/agent/policy"
	"github.com/caresched/medibot/pkg/metrics"
)

// ExtractIntent asks the external extractor for a candidate reading of the
// turn, then screens that reading with the same policy engine as raw text.
// The extractor is an upstream service: when it fails the turn degrades to a
// retry reply and the session stays exactly where it was.
func ExtractIntent(
	ctx context.Context,
	in *GraphState,
	extractor contractx.IntentExtractor,
	engine *policy.Engine,
	met *metrics.Metrics,
) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if in.Done {
		return in, nil
	}

	res, err := extractor.Extract(ctx, contractx.IntentRequest{
		UserMessage: in.Text,
		Session:     in.Session,
		Now:         in.Now,
	})
	if err != nil {
		met.ExtractorFailures.Inc()
		log.Warn().
			Str("session_id", in.SessionID).
			Err(err).
			Msg("intent extraction failed")
		in.Prompt = PromptRetryLater
		in.Done = true
		return in, nil
	}

	if decision := engine.ScreenIntent(res); !decision.Allowed {
		met.PolicyDenials.WithLabelValues(string(decision.Reason)).Inc()
		log.Warn().
			Str("session_id", in.SessionID).
			Str("reason", string(decision.Reason)).
			Msg("extracted intent denied by policy")
		in.Session.Blocked = true
		in.Message = decision.Refusal
		in.Done = true
		return in, nil
	}

	// The extractor reads meaning, not just phrases; it can flag an
	// emergency the keyword screen missed.
	if res.Emergency {
		log.Info().Str("session_id", in.SessionID).Msg("extractor flagged emergency")
		in.Prompt = PromptEmergency
		in.Message = emergencyAdvisory
		in.Done = true
		return in, nil
	}

	in.Intent = res
	return in, nil
}
