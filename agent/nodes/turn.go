// Package orchestratornode holds the per-turn pipeline nodes the dialogue
// orchestrator graph is assembled from. Each node is a pure function over
// *GraphState plus its injected dependencies; the graph wiring lives in
// agent/orchestrator.
package orchestratornode

import (
	"errors"
	"strings"
	"time"

	contractx "github.com/caresched/medibot/agent/contract"
	statex "github.com/caresched/medibot/agent/state"
)

var (
	ErrInvalidMessage = errors.New("message is empty")
	ErrInvalidSession = errors.New("session id is empty")
	ErrMessageTooLong = errors.New("message exceeds length limit")
)

// maxMessageLen bounds one user turn. Appointment talk fits in a sentence
// or two; anything near this limit is pasted junk or an attack payload.
const maxMessageLen = 2000

type GraphInput struct {
	SessionID string
	Text      string
}

type GraphOutput struct {
	Reply contractx.Reply
}

// PromptKind selects the reply template the composer renders. Advancing the
// dialogue picks a kind; executing tools may override it with an outcome.
type PromptKind string

const (
	PromptNone                PromptKind = ""
	PromptGreeting            PromptKind = "greeting"
	PromptAskTask             PromptKind = "ask_task"
	PromptEmergency           PromptKind = "emergency"
	PromptAskSymptom          PromptKind = "ask_symptom"
	PromptOfferSpecialties    PromptKind = "offer_specialties"
	PromptOfferDoctors        PromptKind = "offer_doctors"
	PromptNoDoctors           PromptKind = "no_doctors"
	PromptDoctorUnavailable   PromptKind = "doctor_unavailable"
	PromptAskDate             PromptKind = "ask_date"
	PromptOfferSlots          PromptKind = "offer_slots"
	PromptNoSlots             PromptKind = "no_slots"
	PromptAskPatientField     PromptKind = "ask_patient_field"
	PromptAskEmergencyContact PromptKind = "ask_emergency_contact"
	PromptConfirmBooking      PromptKind = "confirm_booking"
	PromptBooked              PromptKind = "booked"
	PromptSlotConflict        PromptKind = "slot_conflict"
	PromptAborted             PromptKind = "aborted"
	PromptAskContact          PromptKind = "ask_contact"
	PromptLookupFound         PromptKind = "lookup_found"
	PromptLookupNone          PromptKind = "lookup_none"
	PromptConfirmCancel       PromptKind = "confirm_cancel"
	PromptCancelDone          PromptKind = "cancel_done"
	PromptCancelUnavailable   PromptKind = "cancel_unavailable"
	PromptRetryLater          PromptKind = "retry_later"
)

// GraphState is the single mutable value threaded through the turn pipeline.
type GraphState struct {
	SessionID string
	Text      string
	Now       time.Time

	Session *statex.Session

	Intent contractx.IntentResult
	Hints  []contractx.SpecialtyHint

	Plan []contractx.ToolRequest
	// ConfirmedBooking marks the one plan shape with data flow between
	// steps (find or register the patient, then book with the returned id).
	ConfirmedBooking bool
	Results          []contractx.ToolResult

	Prompt PromptKind
	// Note is an optional pre-written lead-in sentence the composer puts
	// before the main prompt. Always a static literal, never user text.
	Note string

	// Done means the reply is already decided; extraction, dialogue
	// advancement, and tool execution are skipped, save and finalize still
	// run.
	Done    bool
	Message string
}

// ValidateTurn checks the raw request envelope and stamps the turn clock.
func ValidateTurn(in GraphInput, nowFn func() time.Time) (*GraphState, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrInvalidMessage
	}
	if len(text) > maxMessageLen {
		return nil, ErrMessageTooLong
	}

	return &GraphState{
		SessionID: sessionID,
		Text:      text,
		Now:       nowFn().UTC(),
	}, nil
}
