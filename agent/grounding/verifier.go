// Package grounding enforces that every entity the agent mentions traces
// back to a tool result obtained in the same session.
package grounding

import (
	"fmt"

	contractx "github.com/caresched/medibot/agent/contract"
	statex "github.com/caresched/medibot/agent/state"
)

type Verifier struct{}

func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify checks each entity reference a reply wants to make against the
// session's grounded fact set. The first ungrounded reference fails the
// whole reply; the caller must fetch real data or state the information is
// unavailable instead.
func (v *Verifier) Verify(sess *statex.Session, refs []statex.EntityRef) error {
	if sess == nil {
		return fmt.Errorf("%w: nil session", contractx.ErrUngrounded)
	}
	for _, ref := range refs {
		if !sess.Facts.Has(ref) {
			return fmt.Errorf("%w: %s id=%s", contractx.ErrUngrounded, ref.Kind, ref.ID)
		}
	}
	return nil
}

// MergeResults folds tool-result facts into the session. This is the only
// code path that grows a GroundedFactSet; user claims never reach it.
func MergeResults(sess *statex.Session, results []contractx.ToolResult) {
	for _, res := range results {
		if res.Failed() {
			continue
		}
		sess.Ground(res.Facts...)
	}
}
