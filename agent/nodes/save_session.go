package orchestratornode

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/caresched/medibot/agent/contract"
	statex "github.com/caresched/medibot/agent/state"
)

// SaveSession persists the advanced session. A session that fails its own
// invariants is unrecoverable: it is dropped from the store and the turn
// errors out. Terminal sessions go to the archiver and leave the live store;
// the next message on the same id starts fresh.
func SaveSession(ctx context.Context, in *GraphState, store statex.Store, archiver contractx.Archiver) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	sess := in.Session

	sess.Touch(in.Now)
	if err := sess.Validate(); err != nil {
		log.Error().
			Str("session_id", sess.SessionID).
			Err(err).
			Msg("session failed validation, dropping it")
		if derr := store.Delete(ctx, sess.SessionID); derr != nil && !errors.Is(derr, statex.ErrStateNotFound) {
			log.Warn().Str("session_id", sess.SessionID).Err(derr).Msg("could not drop invalid session")
		}
		return nil, fmt.Errorf("%w: session validation: %v", contractx.ErrInvariant, err)
	}

	sess.Version++

	if sess.Stage == statex.StageTerminal {
		if err := archiver.Archive(ctx, sess); err != nil {
			log.Warn().Str("session_id", sess.SessionID).Err(err).Msg("session archive failed")
		}
		if err := store.Delete(ctx, sess.SessionID); err != nil && !errors.Is(err, statex.ErrStateNotFound) {
			log.Warn().Str("session_id", sess.SessionID).Err(err).Msg("could not delete terminal session")
		}
		return in, nil
	}

	if err := store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session id=%s: %w", sess.SessionID, err)
	}
	return in, nil
}
