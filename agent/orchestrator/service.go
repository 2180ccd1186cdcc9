// Package orchestrator drives one dialogue turn end to end: screen the
// message, extract intent, advance the task state machine, execute planned
// tools, compose a grounded reply, persist the session.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog/log"

	contractx "github.com/caresched/medibot/agent/contract"
	"github.com/caresched/medibot/agent/grounding"
	nodex "github.com/caresched/medibot/agent/nodes"
	"github.com/caresched/medibot/agent/policy"
	statex "github.com/caresched/medibot/agent/state"
	"github.com/caresched/medibot/pkg/metrics"
)

var (
	ErrInvalidMessage = nodex.ErrInvalidMessage
	ErrInvalidSession = nodex.ErrInvalidSession
	ErrMessageTooLong = nodex.ErrMessageTooLong
)

type Orchestrator struct {
	store       statex.Store
	extractor   contractx.IntentExtractor
	recommender contractx.Recommender
	tools       contractx.ToolGateway
	archiver    contractx.Archiver
	engine      *policy.Engine
	verifier    *grounding.Verifier
	met         *metrics.Metrics

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	// sessionLocks serializes turns per session id. Entries live as long as
	// the process; sessions are short-lived and the mutexes are tiny.
	sessionLocks sync.Map

	now func() time.Time
}

func New(
	store statex.Store,
	extractor contractx.IntentExtractor,
	recommender contractx.Recommender,
	tools contractx.ToolGateway,
	archiver contractx.Archiver,
	met *metrics.Metrics,
) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if extractor == nil {
		return nil, errors.New("intent extractor is required")
	}
	if recommender == nil {
		return nil, errors.New("recommender is required")
	}
	if tools == nil {
		return nil, errors.New("tool gateway is required")
	}
	if met == nil {
		return nil, errors.New("metrics are required")
	}
	if archiver == nil {
		archiver = logArchiver{}
	}

	o := &Orchestrator{
		store:       store,
		extractor:   extractor,
		recommender: recommender,
		tools:       tools,
		archiver:    archiver,
		engine:      policy.NewEngine(),
		verifier:    grounding.NewVerifier(),
		met:         met,
		now:         time.Now,
	}

	graphRunner, err := o.compileHandleTurnGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// HandleTurn serves one user message. Turns on the same session run one at
// a time; turns on different sessions run concurrently.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID string, text string) (contractx.Reply, error) {
	start := o.now()

	mu := o.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{
		SessionID: sessionID,
		Text:      text,
	})

	o.met.TurnLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		o.met.TurnsProcessed.WithLabelValues("unknown", "error").Inc()
		return contractx.Reply{}, err
	}
	o.met.TurnsProcessed.WithLabelValues(string(out.Reply.Task), "ok").Inc()
	return out.Reply, nil
}

func (o *Orchestrator) lockFor(sessionID string) *sync.Mutex {
	mu, _ := o.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// logArchiver is the default sink for finished sessions: a structured log
// line carrying the whole session record.
type logArchiver struct{}

func (logArchiver) Archive(_ context.Context, sess *statex.Session) error {
	log.Info().
		Str("session_id", sess.SessionID).
		Str("task", string(sess.Task)).
		Int("turns", len(sess.History)).
		Interface("session", sess).
		Msg("session archived")
	return nil
}
