package contract

import (
	"time"

	statex "github.com/caresched/medibot/agent/state"
)

// Affirmation is the extractor's read of a yes/no answer.
type Affirmation string

const (
	AffirmUnknown Affirmation = ""
	AffirmYes     Affirmation = "yes"
	AffirmNo      Affirmation = "no"
)

// IntentRequest is what the external intent extractor receives: the raw
// utterance plus enough session context to interpret short answers.
type IntentRequest struct {
	UserMessage string          `json:"user_message"`
	Session     *statex.Session `json:"session"`
	Now         time.Time       `json:"now"`
}

// IntentResult is the extractor's candidate reading of one user turn.
// It is untrusted input: the orchestrator screens it with the same policy
// checks as raw user text before any value reaches a slot or a tool.
type IntentResult struct {
	Task        statex.Task `json:"task"`
	Affirmation Affirmation `json:"affirmation,omitempty"`
	// Selection is a 1-based index into the offers last shown to the user.
	Selection int        `json:"selection,omitempty"`
	Slots     SlotValues `json:"slots,omitempty"`
	Symptom   string     `json:"symptom,omitempty"`
	Emergency bool       `json:"emergency,omitempty"`
}

// SlotValues are raw extracted strings; validation and typing happen in the
// orchestrator, never here.
type SlotValues struct {
	Specialty             string `json:"specialty,omitempty"`
	DoctorName            string `json:"doctor_name,omitempty"`
	Date                  string `json:"date,omitempty"`
	Time                  string `json:"time,omitempty"`
	PatientName           string `json:"patient_name,omitempty"`
	PatientPhone          string `json:"patient_phone,omitempty"`
	PatientEmail          string `json:"patient_email,omitempty"`
	PatientAge            string `json:"patient_age,omitempty"`
	PatientGender         string `json:"patient_gender,omitempty"`
	EmergencyContactName  string `json:"emergency_contact_name,omitempty"`
	EmergencyContactPhone string `json:"emergency_contact_phone,omitempty"`
	Reason                string `json:"reason,omitempty"`
}

// SpecialtyHint is one ranked suggestion from the external recommender.
// Hints never name doctors; a real store read must follow before any doctor
// is mentioned to the user.
type SpecialtyHint struct {
	Specialty  string  `json:"specialty"`
	Confidence float64 `json:"confidence"`
}

type ToolRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
	// IdempotencyKey is required on mutating tools; duplicate keys short
	// circuit to the original result instead of re-running the write.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type ToolResult struct {
	Tool     string        `json:"tool"`
	Result   any           `json:"result,omitempty"`
	Facts    []statex.Fact `json:"facts,omitempty"`
	Mutating bool          `json:"mutating,omitempty"`
	// Replayed marks a mutation that was answered from the session write
	// ledger instead of hitting the store again.
	Replayed bool      `json:"replayed,omitempty"`
	Error    string    `json:"error,omitempty"`
	Kind     ErrorKind `json:"kind,omitempty"`
}

func (r ToolResult) Failed() bool {
	return r.Error != "" || (r.Kind != ErrorKindNone && r.Kind != ErrorKindNotFound)
}

// Reply is the single structured output of one turn.
type Reply struct {
	SessionID  string       `json:"session_id"`
	Message    string       `json:"message"`
	Task       statex.Task  `json:"task"`
	Stage      statex.Stage `json:"stage"`
	AwaitInput bool         `json:"await_input"`
}
