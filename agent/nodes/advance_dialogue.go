package orchestratornode

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	contractx "github.com/caresched/medibot/agent/contract"
	statex "github.com/caresched/medibot/agent/state"
	"github.com/caresched/medibot/agent/tool"
	"github.com/caresched/medibot/store"
)

var emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

var nonDigits = regexp.MustCompile(`\D`)

// AdvanceDialogue is the state machine step: it folds the screened intent
// into the session, decides the next stage, and plans this turn's tool
// calls. It never talks to the store itself; reads and writes go through
// the planned tools.
func AdvanceDialogue(ctx context.Context, in *GraphState, rec contractx.Recommender) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if in.Done {
		return in, nil
	}

	sess := in.Session

	// A finished conversation reopens for the next request.
	if sess.Stage == statex.StageTerminal {
		sess.ResetForNewTask(in.Now)
	}
	sess.Blocked = false

	// Mid-task change of mind. Confirmation stays with its yes/no gate.
	if sess.Task != statex.TaskUndetermined &&
		in.Intent.Task != statex.TaskUndetermined &&
		in.Intent.Task != sess.Task &&
		sess.Stage != statex.StageConfirmation {
		sess.ResetForNewTask(in.Now)
		sess.BeginTask(in.Intent.Task, in.Now)
	}

	// Short answers like "2" or "Dr. Rao" only mean something against the
	// offer list shown last turn, so resolve those before anything else.
	consumeSelection(sess, in.Intent, in.Text)

	listSpecialties := mergeSlots(in)

	if sess.Task == statex.TaskUndetermined {
		if in.Intent.Task == statex.TaskUndetermined {
			if sess.Stage == statex.StageStart {
				sess.Stage = statex.StageTaskSelection
				in.Prompt = PromptGreeting
			} else {
				in.Prompt = PromptAskTask
			}
			return in, nil
		}
		sess.BeginTask(in.Intent.Task, in.Now)
	}

	switch sess.Task {
	case statex.TaskBooking:
		return advanceBooking(ctx, in, rec, listSpecialties)
	case statex.TaskLookup:
		return advanceLookup(in)
	case statex.TaskCancel:
		return advanceCancel(in)
	default:
		return nil, fmt.Errorf("%w: task %q", contractx.ErrInvariant, sess.Task)
	}
}

/* ---------------------------- selection handling -------------------------- */

func consumeSelection(sess *statex.Session, intent contractx.IntentResult, text string) {
	if sess.Offers == nil {
		return
	}
	offer, ok := sess.Offers.Resolve(intent.Selection, text)
	if !ok {
		return
	}

	switch sess.Offers.Kind {
	case statex.EntitySpecialty:
		sess.Slots.Specialty = offer.Label
	case statex.EntityDoctor:
		id, err := strconv.ParseInt(offer.ID, 10, 64)
		if err != nil {
			return
		}
		sess.Slots.DoctorID = id
		name, specialty := splitDoctorLabel(offer.Label)
		sess.Slots.DoctorName = name
		if specialty != "" {
			sess.Slots.Specialty = specialty
		}
	case statex.EntitySlot:
		sess.Slots.Time = offer.ID
	}
	sess.Offers = nil
}

// splitDoctorLabel undoes the "Name (Specialty)" shape doctor offers use.
func splitDoctorLabel(label string) (name, specialty string) {
	open := strings.LastIndex(label, " (")
	if open < 0 || !strings.HasSuffix(label, ")") {
		return label, ""
	}
	return label[:open], label[open+2 : len(label)-1]
}

func doctorOfferLabel(name, specialty string) string {
	if specialty == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, specialty)
}

/* ------------------------------ slot merging ------------------------------ */

// mergeSlots validates each extracted value before it touches the session.
// The first rejected value becomes the turn's lead-in note; the reported
// bool asks the booking flow to show the real specialty list.
func mergeSlots(in *GraphState) (listSpecialties bool) {
	sess := in.Session
	slots := &sess.Slots
	v := in.Intent.Slots

	note := func(s string) {
		if in.Note == "" {
			in.Note = s
		}
	}

	if in.Intent.Symptom != "" {
		slots.Symptom = clip(in.Intent.Symptom, 200)
	}

	if v.Specialty != "" {
		if canon, ok := store.MatchSpecialty(v.Specialty); ok {
			if canon != slots.Specialty {
				// A different specialty invalidates the doctor chain
				// hanging off the old one.
				slots.DoctorID = 0
				slots.DoctorName = ""
				slots.Time = ""
				sess.Offers = nil
			}
			slots.Specialty = canon
		} else {
			note("I don't recognize that specialty, but here is what we offer.")
			listSpecialties = true
		}
	}

	if v.Date != "" {
		day, err := store.ParseDate(v.Date)
		if err != nil {
			note("Please give the date as YYYY-MM-DD.")
		} else if canon := day.Format("2006-01-02"); canon < in.Now.Format("2006-01-02") {
			note("That date has already passed.")
		} else {
			if canon != slots.Date {
				slots.Time = ""
				if sess.Offers != nil && sess.Offers.Kind == statex.EntitySlot {
					sess.Offers = nil
				}
			}
			slots.Date = canon
		}
	}

	if v.Time != "" {
		if norm, ok := store.NormalizeSlotTime(v.Time); ok && store.IsBookableSlot(norm) {
			slots.Time = norm
		} else {
			note("We book 30-minute visits between 09:00 and 16:30.")
		}
	}

	if v.PatientName != "" {
		if name := strings.TrimSpace(v.PatientName); len(name) >= 2 {
			slots.PatientName = clip(name, 100)
		}
	}

	if v.PatientPhone != "" {
		digits := nonDigits.ReplaceAllString(v.PatientPhone, "")
		if len(digits) == 10 {
			slots.PatientPhone = digits
		} else {
			note("Phone numbers need exactly 10 digits.")
		}
	}

	if v.PatientEmail != "" {
		email := strings.TrimSpace(v.PatientEmail)
		if emailShape.MatchString(email) {
			slots.PatientEmail = email
		} else {
			note("That email address doesn't look right.")
		}
	}

	if v.PatientAge != "" {
		age, err := strconv.Atoi(strings.TrimSpace(v.PatientAge))
		if err == nil && age >= 1 && age <= 120 {
			slots.PatientAge = age
		} else {
			note("Age should be between 1 and 120.")
		}
	}

	if v.PatientGender != "" {
		switch strings.ToLower(strings.TrimSpace(v.PatientGender)) {
		case "male", "m":
			slots.PatientGender = "Male"
		case "female", "f":
			slots.PatientGender = "Female"
		default:
			note("Please tell me Male or Female.")
		}
	}

	if v.EmergencyContactName != "" {
		if name := strings.TrimSpace(v.EmergencyContactName); len(name) >= 2 {
			slots.EmergencyContactName = clip(name, 100)
		}
	}

	if v.EmergencyContactPhone != "" {
		digits := nonDigits.ReplaceAllString(v.EmergencyContactPhone, "")
		if len(digits) == 10 {
			slots.EmergencyContactPhone = digits
		} else {
			note("Emergency contact numbers need exactly 10 digits.")
		}
	}

	if v.Reason != "" {
		slots.Reason = clip(strings.TrimSpace(v.Reason), 500)
	}

	return listSpecialties
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

/* ------------------------------ booking flow ------------------------------ */

func advanceBooking(ctx context.Context, in *GraphState, rec contractx.Recommender, listSpecialties bool) (*GraphState, error) {
	sess := in.Session
	slots := &sess.Slots

	if sess.Stage == statex.StageConfirmation {
		switch in.Intent.Affirmation {
		case contractx.AffirmYes:
			in.ConfirmedBooking = true
			sess.Stage = statex.StageToolExecution
			return in, nil
		case contractx.AffirmNo:
			sess.ResetForNewTask(in.Now)
			in.Prompt = PromptAborted
			return in, nil
		default:
			if !hasNewSlotData(in.Intent) {
				in.Prompt = PromptConfirmBooking
				if in.Note == "" {
					in.Note = "Please answer yes or no."
				}
				return in, nil
			}
			// Changed details reopen the draft; the flow below rebuilds
			// it from the updated slots.
			sess.Booking = nil
			sess.Stage = statex.StageSlotFilling
		}
	}

	sess.Stage = statex.StageSlotFilling

	if slots.Specialty == "" {
		if name := strings.TrimSpace(in.Intent.Slots.DoctorName); name != "" {
			return planTools(in, contractx.ToolRequest{
				Tool: tool.ToolDoctorFindByName,
				Args: map[string]any{"name": name},
			})
		}
		if listSpecialties {
			return planTools(in, contractx.ToolRequest{Tool: tool.ToolSpecialtyList})
		}
		if slots.Symptom != "" {
			hints, err := rec.Recommend(ctx, slots.Symptom)
			if err != nil {
				log.Warn().
					Str("session_id", sess.SessionID).
					Err(err).
					Msg("recommender unavailable, falling back to full list")
			}
			in.Hints = hints
			return planTools(in, contractx.ToolRequest{Tool: tool.ToolSpecialtyList})
		}
		in.Prompt = PromptAskSymptom
		return in, nil
	}

	if slots.DoctorID == 0 {
		if name := strings.TrimSpace(in.Intent.Slots.DoctorName); name != "" {
			return planTools(in, contractx.ToolRequest{
				Tool: tool.ToolDoctorFindByName,
				Args: map[string]any{"name": name, "specialty": slots.Specialty},
			})
		}
		return planTools(in, contractx.ToolRequest{
			Tool: tool.ToolDoctorFindBySpecialty,
			Args: map[string]any{"specialty": slots.Specialty},
		})
	}

	if slots.Date == "" {
		in.Prompt = PromptAskDate
		return in, nil
	}

	if slots.Time == "" {
		return planTools(in, contractx.ToolRequest{
			Tool: tool.ToolDoctorCheckSlots,
			Args: map[string]any{"doctor_id": slots.DoctorID, "date": slots.Date},
		})
	}

	if firstMissingPatientField(slots) != "" {
		in.Prompt = PromptAskPatientField
		return in, nil
	}

	// One optional question, asked at most once per attempt; any answer,
	// including declining, moves on to confirmation.
	if !slots.EmergencyOffered {
		slots.EmergencyOffered = true
		in.Prompt = PromptAskEmergencyContact
		return in, nil
	}

	sess.Booking = &statex.BookingDraft{
		DoctorID:    slots.DoctorID,
		DoctorName:  slots.DoctorName,
		Specialty:   slots.Specialty,
		Date:        slots.Date,
		Time:        slots.Time,
		PatientName: slots.PatientName,
		Reason:      slots.Reason,
	}
	sess.Stage = statex.StageConfirmation
	in.Prompt = PromptConfirmBooking
	return in, nil
}

// firstMissingPatientField drives the one-question-at-a-time detail
// collection. The composer asks for exactly this field.
func firstMissingPatientField(slots *statex.SlotSet) string {
	switch {
	case slots.PatientName == "":
		return "name"
	case slots.PatientPhone == "":
		return "phone"
	case slots.PatientEmail == "":
		return "email"
	case slots.PatientAge == 0:
		return "age"
	case slots.PatientGender == "":
		return "gender"
	}
	return ""
}

func hasNewSlotData(intent contractx.IntentResult) bool {
	v := intent.Slots
	return v.Specialty != "" || v.DoctorName != "" || v.Date != "" || v.Time != "" ||
		v.PatientName != "" || v.PatientPhone != "" || v.PatientEmail != "" ||
		v.PatientAge != "" || v.PatientGender != "" || v.Reason != "" ||
		v.EmergencyContactName != "" || v.EmergencyContactPhone != "" ||
		intent.Symptom != ""
}

/* ------------------------------- lookup flow ------------------------------ */

func advanceLookup(in *GraphState) (*GraphState, error) {
	sess := in.Session
	slots := &sess.Slots

	sess.Stage = statex.StageSlotFilling

	if slots.PatientPhone == "" || slots.PatientEmail == "" {
		in.Prompt = PromptAskContact
		return in, nil
	}

	return planTools(in, contractx.ToolRequest{
		Tool: tool.ToolAppointmentLookup,
		Args: map[string]any{"phone": slots.PatientPhone, "email": slots.PatientEmail},
	})
}

/* ------------------------------- cancel flow ------------------------------ */

func advanceCancel(in *GraphState) (*GraphState, error) {
	sess := in.Session
	slots := &sess.Slots

	if sess.Stage == statex.StageConfirmation && sess.Cancel != nil {
		switch in.Intent.Affirmation {
		case contractx.AffirmYes:
			sess.Stage = statex.StageToolExecution
			return planTools(in, contractx.ToolRequest{
				Tool: tool.ToolAppointmentCancel,
				Args: map[string]any{
					"appointment_id": sess.Cancel.AppointmentID,
					"patient_id":     slots.PatientID,
				},
				IdempotencyKey: sess.IdempotencyKey(tool.ToolAppointmentCancel),
			})
		case contractx.AffirmNo:
			sess.ResetForNewTask(in.Now)
			in.Prompt = PromptAborted
			return in, nil
		default:
			in.Prompt = PromptConfirmCancel
			if in.Note == "" {
				in.Note = "Please answer yes or no."
			}
			return in, nil
		}
	}

	sess.Stage = statex.StageSlotFilling

	if slots.PatientPhone == "" || slots.PatientEmail == "" {
		in.Prompt = PromptAskContact
		return in, nil
	}

	return planTools(in,
		contractx.ToolRequest{
			Tool: tool.ToolPatientFind,
			Args: map[string]any{"phone": slots.PatientPhone, "email": slots.PatientEmail},
		},
		contractx.ToolRequest{
			Tool: tool.ToolAppointmentLookup,
			Args: map[string]any{"phone": slots.PatientPhone, "email": slots.PatientEmail},
		},
	)
}

/* --------------------------------- helpers -------------------------------- */

func planTools(in *GraphState, reqs ...contractx.ToolRequest) (*GraphState, error) {
	in.Plan = append(in.Plan, reqs...)
	in.Session.Stage = statex.StageToolExecution
	return in, nil
}
