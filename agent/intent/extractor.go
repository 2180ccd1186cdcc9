// Package intent wraps the extraction model behind the IntentExtractor
// contract. The model reads one utterance plus a session summary and emits a
// structured reading of it. Its output is treated as untrusted: everything
// is schema-checked here and policy-screened again by the orchestrator
// before it can touch a slot or a tool.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"

	contractx "github.com/caresched/medibot/agent/contract"
	statex "github.com/caresched/medibot/agent/state"
)

// maxSlotValueLen bounds each extracted slot value. Longer values are cut,
// not rejected; validation decides what survives.
const maxSlotValueLen = 200

// historyTurnsForContext is how many recent turns the model sees. Short
// answers ("yes", "the second one") are unreadable without them.
const historyTurnsForContext = 6

type Extractor struct {
	runner compose.Runnable[map[string]any, extractorLLMOutput]
}

type extractorLLMOutput struct {
	Task        string         `json:"task,omitempty"`
	Affirmation string         `json:"affirmation,omitempty"`
	Selection   int            `json:"selection,omitempty"`
	Slots       map[string]any `json:"slots,omitempty"`
	Symptom     string         `json:"symptom,omitempty"`
	Emergency   bool           `json:"emergency,omitempty"`
}

func New(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string) (*Extractor, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: intent system prompt", contractx.ErrPromptMissing)
	}
	runner, err := compileExtractorGraph(ctx, chatModel, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: compile extractor graph: %v", contractx.ErrModelInvoke, err)
	}
	return &Extractor{runner: runner}, nil
}

func (e *Extractor) Extract(ctx context.Context, req contractx.IntentRequest) (contractx.IntentResult, error) {
	if strings.TrimSpace(req.UserMessage) == "" {
		return contractx.IntentResult{}, fmt.Errorf("%w: user message is required", contractx.ErrValidation)
	}

	payload := map[string]any{
		"user_message": req.UserMessage,
		"today":        req.Now.UTC().Format("2006-01-02"),
		"session":      summarizeSession(req.Session),
	}
	inputBytes, err := json.Marshal(payload)
	if err != nil {
		return contractx.IntentResult{}, fmt.Errorf("%w: marshal extractor payload: %v", contractx.ErrValidation, err)
	}

	out, err := e.runner.Invoke(ctx, map[string]any{
		"input": string(inputBytes),
	})
	if err != nil {
		return contractx.IntentResult{}, fmt.Errorf("%w: extractor invoke: %v", contractx.ErrModelInvoke, err)
	}

	return normalizeOutput(out)
}

func normalizeOutput(out extractorLLMOutput) (contractx.IntentResult, error) {
	task, err := parseTask(out.Task)
	if err != nil {
		return contractx.IntentResult{}, err
	}

	affirmation := contractx.Affirmation(strings.ToLower(strings.TrimSpace(out.Affirmation)))
	switch affirmation {
	case contractx.AffirmUnknown, contractx.AffirmYes, contractx.AffirmNo:
	default:
		return contractx.IntentResult{}, fmt.Errorf("%w: affirmation=%q", contractx.ErrSchemaViolation, out.Affirmation)
	}

	selection := out.Selection
	if selection < 0 {
		selection = 0
	}

	return contractx.IntentResult{
		Task:        task,
		Affirmation: affirmation,
		Selection:   selection,
		Slots:       mapSlotValues(out.Slots),
		Symptom:     clipValue(out.Symptom),
		Emergency:   out.Emergency,
	}, nil
}

func parseTask(raw string) (statex.Task, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(statex.TaskUndetermined):
		return statex.TaskUndetermined, nil
	case string(statex.TaskBooking):
		return statex.TaskBooking, nil
	case string(statex.TaskLookup):
		return statex.TaskLookup, nil
	case string(statex.TaskCancel):
		return statex.TaskCancel, nil
	default:
		return "", fmt.Errorf("%w: task=%q", contractx.ErrSchemaViolation, raw)
	}
}

// mapSlotValues copies known slot keys out of the model's map. Unknown keys
// and non-scalar values are dropped without error; a sloppy model loses
// data, it does not gain reach.
func mapSlotValues(raw map[string]any) contractx.SlotValues {
	get := func(key string) string {
		switch v := raw[key].(type) {
		case string:
			return clipValue(v)
		case float64, int, int64, bool:
			return clipValue(fmt.Sprint(v))
		default:
			return ""
		}
	}
	return contractx.SlotValues{
		Specialty:             get("specialty"),
		DoctorName:            get("doctor_name"),
		Date:                  get("date"),
		Time:                  get("time"),
		PatientName:           get("patient_name"),
		PatientPhone:          get("patient_phone"),
		PatientEmail:          get("patient_email"),
		PatientAge:            get("patient_age"),
		PatientGender:         get("patient_gender"),
		EmergencyContactName:  get("emergency_contact_name"),
		EmergencyContactPhone: get("emergency_contact_phone"),
		Reason:                get("reason"),
	}
}

func clipValue(v string) string {
	v = strings.TrimSpace(v)
	if len(v) <= maxSlotValueLen {
		return v
	}
	// Back off to a rune boundary so the cut never leaves broken UTF-8.
	cut := maxSlotValueLen
	for cut > 0 && !utf8.RuneStart(v[cut]) {
		cut--
	}
	return v[:cut]
}

// summarizeSession gives the model just enough context to read short
// answers: where the dialogue stands, what list was last offered, and the
// last few exchanges.
func summarizeSession(sess *statex.Session) map[string]any {
	if sess == nil {
		return map[string]any{}
	}

	summary := map[string]any{
		"stage": string(sess.Stage),
		"task":  string(sess.Task),
	}

	if sess.Offers != nil && len(sess.Offers.Items) > 0 {
		offers := make([]string, 0, len(sess.Offers.Items))
		for i, item := range sess.Offers.Items {
			offers = append(offers, fmt.Sprintf("%d. %s", i+1, item.Label))
		}
		summary["offered"] = offers
		summary["offered_kind"] = string(sess.Offers.Kind)
	}

	if n := len(sess.History); n > 0 {
		start := n - historyTurnsForContext
		if start < 0 {
			start = 0
		}
		history := make([]string, 0, n-start)
		for _, rec := range sess.History[start:] {
			history = append(history, rec.Role+": "+rec.Text)
		}
		summary["recent_turns"] = history
	}

	return summary
}
