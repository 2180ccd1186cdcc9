package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session is the per-conversation source of truth for dialogue control.
// - Progress: Stage + Task + SlotSet drive the booking/lookup state machine
// - Safety: Facts holds the only entities replies may reference; Mutations
//   is the executed-write ledger that keeps confirmed bookings idempotent
type Session struct {
	// Identity
	SessionID string `json:"session_id"`
	Version   int64  `json:"version"`

	// Dialogue core
	Stage   Stage   `json:"stage"`
	Task    Task    `json:"task"`
	Blocked bool    `json:"blocked,omitempty"`
	Attempt int     `json:"attempt"` // task attempt counter, part of idempotency keys
	Slots   SlotSet `json:"slots"`

	Facts  GroundedFactSet `json:"facts,omitempty"`
	Offers *OfferSet       `json:"offers,omitempty"`

	Booking *BookingDraft `json:"booking,omitempty"`
	Cancel  *CancelDraft  `json:"cancel,omitempty"`

	// idempotency key -> primary fact written by that mutation
	Mutations map[string]Fact `json:"mutations,omitempty"`

	History []TurnRecord `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Task string

const (
	TaskUndetermined Task = "undetermined"
	TaskBooking      Task = "booking"
	TaskLookup       Task = "lookup"
	TaskCancel       Task = "cancel"
)

type Stage string

const (
	StageStart         Stage = "start"
	StageTaskSelection Stage = "task_selection"
	StageSlotFilling   Stage = "slot_filling"
	StageToolExecution Stage = "tool_execution"
	StageConfirmation  Stage = "confirmation"
	StageTerminal      Stage = "terminal"
)

type EntityKind string

const (
	EntityDoctor      EntityKind = "doctor"
	EntitySpecialty   EntityKind = "specialty"
	EntitySlot        EntityKind = "slot"
	EntityPatient     EntityKind = "patient"
	EntityAppointment EntityKind = "appointment"
)

// EntityRef identifies an entity a reply wants to mention.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// Fact is an entity reference backed by a real tool result.
type Fact struct {
	Kind  EntityKind `json:"kind"`
	ID    string     `json:"id"`
	Label string     `json:"label,omitempty"`
}

// GroundedFactSet holds every entity the session is allowed to reference.
// It grows only through tool results, never through user claims.
type GroundedFactSet map[string]Fact

// SlotSet carries the typed required fields for the active task.
type SlotSet struct {
	Symptom       string `json:"symptom,omitempty"`
	Specialty     string `json:"specialty,omitempty"`
	DoctorID      int64  `json:"doctor_id,omitempty"`
	DoctorName    string `json:"doctor_name,omitempty"`
	Date          string `json:"date,omitempty"` // YYYY-MM-DD
	Time          string `json:"time,omitempty"` // HH:MM
	PatientName   string `json:"patient_name,omitempty"`
	PatientPhone  string `json:"patient_phone,omitempty"`
	PatientEmail  string `json:"patient_email,omitempty"`
	PatientAge    int    `json:"patient_age,omitempty"`
	PatientGender string `json:"patient_gender,omitempty"`
	PatientID     int64  `json:"patient_id,omitempty"`
	// The emergency contact is optional; EmergencyOffered records that the
	// one-time question was already asked for this attempt.
	EmergencyContactName  string `json:"emergency_contact_name,omitempty"`
	EmergencyContactPhone string `json:"emergency_contact_phone,omitempty"`
	EmergencyOffered      bool   `json:"emergency_offered,omitempty"`
	Reason                string `json:"reason,omitempty"`
}

// Offer is one entry of the last list presented to the user for selection.
type Offer struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type OfferSet struct {
	Kind  EntityKind `json:"kind"`
	Items []Offer    `json:"items"`
}

// BookingDraft is the resolved booking awaiting explicit user confirmation.
type BookingDraft struct {
	DoctorID    int64  `json:"doctor_id"`
	DoctorName  string `json:"doctor_name"`
	Specialty   string `json:"specialty"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	PatientID   int64  `json:"patient_id"`
	PatientName string `json:"patient_name"`
	Reason      string `json:"reason,omitempty"`
}

// CancelDraft is the resolved cancellation awaiting explicit confirmation.
type CancelDraft struct {
	AppointmentID int64  `json:"appointment_id"`
	Label         string `json:"label"`
}

// ToolTrace records one tool invocation made while serving a turn.
type ToolTrace struct {
	Tool     string    `json:"tool"`
	Mutating bool      `json:"mutating,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

type TurnRecord struct {
	Role  string      `json:"role"` // "user" | "agent"
	Text  string      `json:"text"`
	Tools []ToolTrace `json:"tools,omitempty"`
	At    time.Time   `json:"at"`
}

const maxHistoryTurns = 20

/* ------------------------------ Fact helpers ----------------------------- */

func factKey(kind EntityKind, id string) string {
	return string(kind) + ":" + id
}

// SlotFactID builds the canonical fact id for a free appointment slot. Tool
// results and reply verification must agree on this shape.
func SlotFactID(doctorID int64, date, slotTime string) string {
	return fmt.Sprintf("%d:%s:%s", doctorID, date, slotTime)
}

func (f GroundedFactSet) Add(fact Fact) {
	if fact.Kind == "" || strings.TrimSpace(fact.ID) == "" {
		return
	}
	f[factKey(fact.Kind, fact.ID)] = fact
}

func (f GroundedFactSet) Has(ref EntityRef) bool {
	if f == nil {
		return false
	}
	_, ok := f[factKey(ref.Kind, ref.ID)]
	return ok
}

func (f GroundedFactSet) Get(ref EntityRef) (Fact, bool) {
	if f == nil {
		return Fact{}, false
	}
	fact, ok := f[factKey(ref.Kind, ref.ID)]
	return fact, ok
}

/* ------------------------------ Offer helpers ---------------------------- */

// Resolve maps a user selection (1-based index or a spoken label fragment)
// to one of the presented offers.
func (o *OfferSet) Resolve(index int, text string) (Offer, bool) {
	if o == nil || len(o.Items) == 0 {
		return Offer{}, false
	}
	if index >= 1 && index <= len(o.Items) {
		return o.Items[index-1], true
	}
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return Offer{}, false
	}
	for _, item := range o.Items {
		label := strings.ToLower(item.Label)
		if label == needle || strings.Contains(label, needle) || strings.Contains(needle, label) {
			return item, true
		}
	}
	return Offer{}, false
}

func (o *OfferSet) Labels() []string {
	if o == nil {
		return nil
	}
	labels := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		labels = append(labels, item.Label)
	}
	return labels
}

/* ----------------------------- Session helpers --------------------------- */

var (
	ErrInvalidStage    = errors.New("unknown dialogue stage")
	ErrInvalidTask     = errors.New("unknown task")
	ErrFactCorrupt     = errors.New("grounded fact set corrupt")
	ErrDraftUngrounded = errors.New("pending draft references ungrounded entity")
	ErrMissingDraft    = errors.New("confirmation stage without a pending draft")
)

func NewSession(sessionID string, now time.Time) *Session {
	return &Session{
		SessionID: sessionID,
		Stage:     StageStart,
		Task:      TaskUndetermined,
		Facts:     make(GroundedFactSet, 8),
		Mutations: make(map[string]Fact, 2),
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

func (s *Session) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

// EnsureMaps makes sure lazily-initialized maps exist after JSON decode.
func (s *Session) EnsureMaps() {
	if s.Facts == nil {
		s.Facts = make(GroundedFactSet, 8)
	}
	if s.Mutations == nil {
		s.Mutations = make(map[string]Fact, 2)
	}
}

// Ground merges tool-derived facts into the session fact set.
func (s *Session) Ground(facts ...Fact) {
	s.EnsureMaps()
	for _, fact := range facts {
		s.Facts.Add(fact)
	}
}

// IdempotencyKey derives the write key for a mutating operation from the
// session id and the current task attempt.
func (s *Session) IdempotencyKey(op string) string {
	return fmt.Sprintf("%s:%d:%s", s.SessionID, s.Attempt, op)
}

func (s *Session) MutationResult(key string) (Fact, bool) {
	if s.Mutations == nil {
		return Fact{}, false
	}
	fact, ok := s.Mutations[key]
	return fact, ok
}

func (s *Session) RecordMutation(key string, fact Fact) {
	s.EnsureMaps()
	s.Mutations[key] = fact
}

// BeginTask moves the session from task selection into the chosen task.
func (s *Session) BeginTask(task Task, now time.Time) {
	s.Task = task
	s.Stage = StageSlotFilling
	s.Blocked = false
	s.Touch(now)
}

// CompleteTask ends the active task. Facts survive so the closing reply can
// still verify the entities it mentions; offers and drafts do not.
func (s *Session) CompleteTask(now time.Time) {
	s.Stage = StageTerminal
	s.Offers = nil
	s.Booking = nil
	s.Cancel = nil
	s.Touch(now)
}

// ResetForNewTask reopens a terminal session for another task. The attempt
// counter moves forward so a new booking never reuses an old write key.
func (s *Session) ResetForNewTask(now time.Time) {
	s.Task = TaskUndetermined
	s.Stage = StageTaskSelection
	s.Slots = SlotSet{}
	s.Offers = nil
	s.Booking = nil
	s.Cancel = nil
	s.Blocked = false
	s.Attempt++
	s.Touch(now)
}

func (s *Session) AppendTurn(rec TurnRecord) {
	s.History = append(s.History, rec)
	if len(s.History) > maxHistoryTurns {
		s.History = s.History[len(s.History)-maxHistoryTurns:]
	}
}

func (s *Session) Validate() error {
	if s == nil {
		return errors.New("nil session")
	}
	if strings.TrimSpace(s.SessionID) == "" {
		return ErrInvalidSession
	}
	switch s.Stage {
	case StageStart, StageTaskSelection, StageSlotFilling, StageToolExecution, StageConfirmation, StageTerminal:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStage, s.Stage)
	}
	switch s.Task {
	case TaskUndetermined, TaskBooking, TaskLookup, TaskCancel:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTask, s.Task)
	}
	for key, fact := range s.Facts {
		if fact.Kind == "" || strings.TrimSpace(fact.ID) == "" || key != factKey(fact.Kind, fact.ID) {
			return fmt.Errorf("%w: key=%q", ErrFactCorrupt, key)
		}
	}
	if s.Stage == StageConfirmation && s.Booking == nil && s.Cancel == nil {
		return ErrMissingDraft
	}
	if s.Booking != nil {
		if !s.Facts.Has(EntityRef{Kind: EntityDoctor, ID: fmt.Sprint(s.Booking.DoctorID)}) {
			return fmt.Errorf("%w: doctor id=%d", ErrDraftUngrounded, s.Booking.DoctorID)
		}
		// PatientID stays zero until the confirmed booking writes the patient row.
		if s.Booking.PatientID != 0 && !s.Facts.Has(EntityRef{Kind: EntityPatient, ID: fmt.Sprint(s.Booking.PatientID)}) {
			return fmt.Errorf("%w: patient id=%d", ErrDraftUngrounded, s.Booking.PatientID)
		}
	}
	if s.Cancel != nil {
		if !s.Facts.Has(EntityRef{Kind: EntityAppointment, ID: fmt.Sprint(s.Cancel.AppointmentID)}) {
			return fmt.Errorf("%w: appointment id=%d", ErrDraftUngrounded, s.Cancel.AppointmentID)
		}
	}
	return nil
}
