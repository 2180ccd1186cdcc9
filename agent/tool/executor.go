package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	contractx "github.com/caresched/medibot/agent/contract"
	"github.com/caresched/medibot/agent/policy"
	statex "github.com/caresched/medibot/agent/state"
	"github.com/caresched/medibot/pkg/metrics"
)

const (
	defaultCallTimeout = 8 * time.Second

	// maxBatchSize bounds how many tool calls one turn may plan. The state
	// machine never plans more than three; anything above this is a bug.
	maxBatchSize = 4

	// Every registered tool gets its own token bucket with these defaults.
	defaultRateLimit = rate.Limit(20)
	defaultRateBurst = 40
)

var (
	ErrNilRegistry = errors.New("nil tool registry")
	ErrNilPolicy   = errors.New("nil policy engine")
	ErrNilMetrics  = errors.New("nil metrics")
)

type ExecutorOption func(*Executor)

func WithCallTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRateLimit overrides the per-tool request rate. Each registered tool is
// metered by its own limiter, so one busy tool never starves the others.
func WithRateLimit(limit rate.Limit, burst int) ExecutorOption {
	return func(e *Executor) {
		if limit > 0 && burst > 0 {
			e.rps = limit
			e.burst = burst
		}
	}
}

// Executor runs planned tool requests against the registry. Every request is
// policy-screened and schema-validated before its handler runs; mutating
// requests are answered from the session write ledger when their idempotency
// key has already been spent.
type Executor struct {
	reg     *Registry
	engine  *policy.Engine
	met     *metrics.Metrics
	timeout time.Duration
	rps     rate.Limit
	burst   int
	// limiters is keyed by tool name and fixed at construction, so reads
	// are safe without a lock.
	limiters map[string]*rate.Limiter
}

func NewExecutor(reg *Registry, engine *policy.Engine, met *metrics.Metrics, opts ...ExecutorOption) (*Executor, error) {
	if reg == nil {
		return nil, ErrNilRegistry
	}
	if engine == nil {
		return nil, ErrNilPolicy
	}
	if met == nil {
		return nil, ErrNilMetrics
	}

	e := &Executor{
		reg:     reg,
		engine:  engine,
		met:     met,
		timeout: defaultCallTimeout,
		rps:     defaultRateLimit,
		burst:   defaultRateBurst,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.limiters = make(map[string]*rate.Limiter, reg.Count())
	for _, name := range reg.Names() {
		e.limiters[name] = rate.NewLimiter(e.rps, e.burst)
	}
	return e, nil
}

func MustNewExecutor(reg *Registry, engine *policy.Engine, met *metrics.Metrics, opts ...ExecutorOption) *Executor {
	e, err := NewExecutor(reg, engine, met, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// Execute runs the planned requests in order and stops at the first failed
// result, since later plan steps depend on earlier ones. The returned error
// is reserved for invariant violations; tool-level problems come back inside
// the results.
func (e *Executor) Execute(ctx context.Context, sess *statex.Session, reqs []contractx.ToolRequest) ([]contractx.ToolResult, error) {
	if sess == nil {
		return nil, fmt.Errorf("%w: execute without session", contractx.ErrInvariant)
	}
	if len(reqs) == 0 {
		return nil, nil
	}
	if len(reqs) > maxBatchSize {
		return nil, fmt.Errorf("%w: turn planned %d tool calls, limit %d", contractx.ErrInvariant, len(reqs), maxBatchSize)
	}

	results := make([]contractx.ToolResult, 0, len(reqs))
	for _, req := range reqs {
		res := e.executeOne(ctx, sess, req)
		results = append(results, res)
		if res.Failed() {
			break
		}
	}
	return results, nil
}

func (e *Executor) executeOne(ctx context.Context, sess *statex.Session, req contractx.ToolRequest) contractx.ToolResult {
	start := time.Now()

	t, known := e.reg.Get(req.Tool)
	call := policy.ToolCall{
		Name:           req.Tool,
		Known:          known,
		IdempotencyKey: req.IdempotencyKey,
		Args:           req.Args,
	}
	if known {
		call.Mutating = t.Mutating
	}

	if decision := e.engine.ScreenToolCall(sess, call); !decision.Allowed {
		e.met.PolicyDenials.WithLabelValues(string(decision.Reason)).Inc()
		e.met.ToolCalls.WithLabelValues(req.Tool, "denied").Inc()
		log.Warn().
			Str("session_id", sess.SessionID).
			Str("tool", req.Tool).
			Str("reason", string(decision.Reason)).
			Msg("tool call denied")
		return contractx.ToolResult{
			Tool:  req.Tool,
			Error: decision.Refusal,
			Kind:  contractx.ErrorKindSecurityDenied,
		}
	}

	if !known {
		// The policy screen refuses unknown tools; reaching here means the
		// screen changed underneath us.
		return contractx.ToolResult{
			Tool:  req.Tool,
			Error: "unknown tool",
			Kind:  contractx.ErrorKindInternal,
		}
	}

	if err := t.Spec.Validate(req.Args); err != nil {
		e.met.ToolCalls.WithLabelValues(req.Tool, "invalid").Inc()
		return contractx.ToolResult{
			Tool:  req.Tool,
			Error: err.Error(),
			Kind:  contractx.KindOf(err),
		}
	}

	// A spent idempotency key means this mutation already happened, most
	// likely on a retried confirmation. Answer from the ledger.
	if t.Mutating {
		if fact, ok := sess.MutationResult(req.IdempotencyKey); ok {
			e.met.ToolCalls.WithLabelValues(req.Tool, "replayed").Inc()
			return contractx.ToolResult{
				Tool:     req.Tool,
				Mutating: true,
				Replayed: true,
				Facts:    []statex.Fact{fact},
			}
		}
	}

	// Replays never reach this point, so the limiter only meters real
	// gateway traffic.
	if lim, ok := e.limiters[req.Tool]; ok && !lim.Allow() {
		e.met.ToolCalls.WithLabelValues(req.Tool, "throttled").Inc()
		log.Warn().
			Str("session_id", sess.SessionID).
			Str("tool", req.Tool).
			Msg("tool call throttled")
		return contractx.ToolResult{
			Tool:     req.Tool,
			Mutating: t.Mutating,
			Error:    failureMessage(contractx.ErrorKindUpstreamTimeout),
			Kind:     contractx.ErrorKindUpstreamTimeout,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := t.Handler(callCtx, req.Args)
	e.met.ToolLatency.WithLabelValues(req.Tool).Observe(time.Since(start).Seconds())

	if err != nil {
		kind := contractx.KindOf(err)
		ev := log.Warn()
		if kind == contractx.ErrorKindInternal {
			ev = log.Error()
		}
		ev.
			Str("session_id", sess.SessionID).
			Str("tool", req.Tool).
			Str("kind", string(kind)).
			Err(err).
			Msg("tool call failed")
		e.met.ToolCalls.WithLabelValues(req.Tool, "error").Inc()
		if kind == contractx.ErrorKindConflict {
			e.met.SlotConflicts.Inc()
		}
		return contractx.ToolResult{
			Tool:     req.Tool,
			Mutating: t.Mutating,
			Error:    failureMessage(kind),
			Kind:     kind,
		}
	}

	res.Tool = req.Tool
	res.Mutating = t.Mutating
	status := "ok"
	if res.Failed() {
		status = "failed"
	}
	e.met.ToolCalls.WithLabelValues(req.Tool, status).Inc()

	if t.Mutating && !res.Failed() && len(res.Facts) > 0 {
		sess.RecordMutation(req.IdempotencyKey, res.Facts[0])
		if req.Tool == ToolAppointmentBook {
			e.met.BookingsMade.Inc()
		}
	}
	return res
}

// failureMessage keeps store error detail out of results. Results travel to
// the reply composer; Kind carries the classification it needs.
func failureMessage(kind contractx.ErrorKind) string {
	switch kind {
	case contractx.ErrorKindValidation:
		return "the request had invalid details"
	case contractx.ErrorKindNotFound:
		return "no matching record was found"
	case contractx.ErrorKindConflict:
		return "the requested change conflicts with an existing appointment"
	case contractx.ErrorKindUpstreamTimeout:
		return "the scheduling system took too long to answer"
	case contractx.ErrorKindSecurityDenied:
		return "the request was not allowed"
	default:
		return "the scheduling system had a problem"
	}
}
