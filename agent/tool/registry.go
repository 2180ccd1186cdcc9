// Package tool defines the vetted tool surface of the dialogue core: a
// closed registry of named operations with typed argument schemas. Tools are
// selected by the orchestrator state machine, never by model output, and
// every invocation passes schema validation and policy screening first.
package tool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	contractx "github.com/caresched/medibot/agent/contract"
)

var (
	ErrNilTool        = errors.New("nil tool")
	ErrToolNameEmpty  = errors.New("tool name is empty")
	ErrToolHandlerNil = errors.New("tool handler is nil")
	ErrDuplicateTool  = errors.New("tool already registered")
)

type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldInt    FieldKind = "int"
)

// defaultMaxArgLen bounds string arguments so no tool receives free-running
// text. Individual fields can tighten this, never loosen it.
const defaultMaxArgLen = 200

// FieldSpec describes one argument of a tool.
type FieldSpec struct {
	Kind     FieldKind
	Required bool

	// String constraints.
	Enum    []string
	Pattern *regexp.Regexp
	MaxLen  int

	// Int constraints, inclusive. Both zero means unbounded.
	Min int64
	Max int64
}

// ArgSpec maps argument names to their specs. Arguments outside the spec are
// rejected outright.
type ArgSpec map[string]FieldSpec

// Validate checks args against the spec. Every failure wraps ErrValidation
// so callers can classify without string matching.
func (s ArgSpec) Validate(args map[string]any) error {
	for name := range args {
		if _, ok := s[name]; !ok {
			return fmt.Errorf("%w: unexpected argument %q", contractx.ErrValidation, name)
		}
	}
	for name, field := range s {
		raw, ok := args[name]
		if !ok {
			if field.Required {
				return fmt.Errorf("%w: missing required argument %q", contractx.ErrValidation, name)
			}
			continue
		}
		if err := field.check(name, raw); err != nil {
			return err
		}
	}
	return nil
}

func (f FieldSpec) check(name string, raw any) error {
	switch f.Kind {
	case FieldInt:
		value, ok := coerceInt64(raw)
		if !ok {
			return fmt.Errorf("%w: argument %q must be an integer", contractx.ErrValidation, name)
		}
		if f.Min != 0 && value < f.Min {
			return fmt.Errorf("%w: argument %q must be at least %d", contractx.ErrValidation, name, f.Min)
		}
		if f.Max != 0 && value > f.Max {
			return fmt.Errorf("%w: argument %q must be at most %d", contractx.ErrValidation, name, f.Max)
		}
		return nil
	case FieldString:
		value, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%w: argument %q must be a string", contractx.ErrValidation, name)
		}
		maxLen := f.MaxLen
		if maxLen <= 0 {
			maxLen = defaultMaxArgLen
		}
		if strings.TrimSpace(value) == "" && f.Required {
			return fmt.Errorf("%w: argument %q is empty", contractx.ErrValidation, name)
		}
		if len(value) > maxLen {
			return fmt.Errorf("%w: argument %q exceeds %d characters", contractx.ErrValidation, name, maxLen)
		}
		if len(f.Enum) > 0 && !containsString(f.Enum, value) {
			return fmt.Errorf("%w: argument %q must be one of %s", contractx.ErrValidation, name, strings.Join(f.Enum, ", "))
		}
		if f.Pattern != nil && !f.Pattern.MatchString(value) {
			return fmt.Errorf("%w: argument %q has an invalid format", contractx.ErrValidation, name)
		}
		return nil
	default:
		return fmt.Errorf("%w: argument %q has unknown kind %q", contractx.ErrValidation, name, f.Kind)
	}
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// coerceInt64 accepts the shapes an integer argument can arrive in after a
// JSON round trip.
func coerceInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// StringArg reads a validated string argument.
func StringArg(args map[string]any, name string) string {
	value, _ := args[name].(string)
	return strings.TrimSpace(value)
}

// IntArg reads a validated integer argument.
func IntArg(args map[string]any, name string) int64 {
	value, _ := coerceInt64(args[name])
	return value
}

/* -------------------------------- Registry -------------------------------- */

type HandlerFunc func(ctx context.Context, args map[string]any) (contractx.ToolResult, error)

// Tool is one named operation the dialogue core may perform. Mutating tools
// write to the store and require an idempotency key plus prior confirmation
// handled by the orchestrator.
type Tool struct {
	Name     string
	Desc     string
	Mutating bool
	Spec     ArgSpec
	Handler  HandlerFunc
}

func (t *Tool) Validate() error {
	if t == nil {
		return ErrNilTool
	}
	if strings.TrimSpace(t.Name) == "" {
		return ErrToolNameEmpty
	}
	if t.Handler == nil {
		return fmt.Errorf("%w: %s", ErrToolHandlerNil, t.Name)
	}
	return nil
}

// Registry is the closed set of tools available to the orchestrator. It is
// populated once at startup; lookups are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

func (r *Registry) Register(t *Tool) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// MustRegister is for static registration at startup.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(fmt.Sprintf("register tool: %v", err))
	}
}

func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
