package orchestratornode

import (
	"context"
	"errors"
	"fmt"

	contractx "github.com/caresched/medibot/agent/contract"
	statex "github.com/caresched/medibot/agent/state"
)

// LoadSession fetches the dialogue session or starts a fresh one when the
// store has never seen this id.
func LoadSession(ctx context.Context, in *GraphState, store statex.Store) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	sess, err := store.Load(ctx, in.SessionID)
	switch {
	case err == nil:
		sess.EnsureMaps()
	case errors.Is(err, statex.ErrStateNotFound):
		sess = statex.NewSession(in.SessionID, in.Now)
	default:
		return nil, fmt.Errorf("load session id=%s: %w", in.SessionID, err)
	}

	in.Session = sess
	return in, nil
}
