package orchestratornode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/caresched/medibot/agent/contract"
	"github.com/caresched/medibot/agent/grounding"
	"github.com/caresched/medibot/agent/policy"
	statex "github.com/caresched/medibot/agent/state"
	"github.com/caresched/medibot/agent/tool"
	"github.com/caresched/medibot/pkg/metrics"
)

const (
	capabilitiesText = "I can help you book a doctor's appointment or check an upcoming appointment."
	anythingElseText = "Is there anything else I can help you with?"
	retryLaterText   = "Sorry, the scheduling system took too long to answer. Please try again in a moment."

	ungroundedFallback = "I'm sorry, I can't verify that information right now. Please try again in a moment."
)

// ComposeReply renders the deterministic reply for the turn's prompt kind.
// Every entity the text mentions is declared as a ref and checked against
// the session's grounded facts; a failed check swaps in the fallback
// wording. The contact redaction pass runs on every outgoing message.
func ComposeReply(in *GraphState, verifier *grounding.Verifier, engine *policy.Engine, met *metrics.Metrics) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	sess := in.Session

	msg := in.Message
	var refs []statex.EntityRef
	if msg == "" {
		msg, refs = renderPrompt(in)
	}

	if err := verifier.Verify(sess, refs); err != nil {
		met.UngroundedReplies.Inc()
		log.Error().
			Str("session_id", in.SessionID).
			Str("prompt", string(in.Prompt)).
			Err(err).
			Msg("reply referenced ungrounded entity")
		msg = ungroundedFallback
	}

	msg = engine.RedactContacts(msg)

	sess.AppendTurn(statex.TurnRecord{Role: "user", Text: in.Text, At: in.Now})
	sess.AppendTurn(statex.TurnRecord{Role: "agent", Text: msg, Tools: toolTraces(in), At: in.Now})

	in.Message = msg
	return in, nil
}

func toolTraces(in *GraphState) []statex.ToolTrace {
	if len(in.Results) == 0 {
		return nil
	}
	traces := make([]statex.ToolTrace, 0, len(in.Results))
	for _, res := range in.Results {
		traces = append(traces, statex.ToolTrace{
			Tool:     res.Tool,
			Mutating: res.Mutating,
			Error:    res.Error,
			At:       in.Now,
		})
	}
	return traces
}

/* -------------------------------- templates ------------------------------- */

func renderPrompt(in *GraphState) (string, []statex.EntityRef) {
	sess := in.Session
	slots := &sess.Slots

	var msg string
	var refs []statex.EntityRef

	switch in.Prompt {
	case PromptGreeting:
		msg = "Hello! " + capabilitiesText + " What would you like to do?"

	case PromptAskTask:
		msg = capabilitiesText + " Which would you like?"

	case PromptAskSymptom:
		msg = "Could you briefly describe the symptoms, or name the specialty you'd like to see?"

	case PromptOfferSpecialties:
		intro := "Here are the specialties we offer:"
		if len(in.Hints) > 0 {
			intro = "Based on what you describe, these specialties fit best:"
		}
		msg = intro + "\n" + numberedList(sess.Offers.Labels()) + "\nWhich one would you like? You can answer with the number."

	case PromptOfferDoctors:
		msg = "Here are the available doctors:\n" + numberedList(sess.Offers.Labels()) + "\nWhich doctor would you like? You can answer with the number."
		refs = offerRefs(sess.Offers, statex.EntityDoctor)

	case PromptNoDoctors:
		msg = fmt.Sprintf("I couldn't find any %s doctors right now. Would you like to try another specialty?", slots.Specialty)

	case PromptDoctorUnavailable:
		msg = "That doctor is no longer available."
		if slots.Specialty != "" {
			msg += fmt.Sprintf(" Would you like me to look for other %s doctors?", slots.Specialty)
		}

	case PromptAskDate:
		msg = "What date works for you? Please use YYYY-MM-DD."

	case PromptOfferSlots:
		msg = fmt.Sprintf("%s has these open times on %s:\n%s\nWhich time suits you?",
			slots.DoctorName, slots.Date, numberedList(sess.Offers.Labels()))
		refs = append(refs, statex.EntityRef{Kind: statex.EntityDoctor, ID: strconv.FormatInt(slots.DoctorID, 10)})
		for _, item := range sess.Offers.Items {
			refs = append(refs, statex.EntityRef{
				Kind: statex.EntitySlot,
				ID:   statex.SlotFactID(slots.DoctorID, slots.Date, item.ID),
			})
		}

	case PromptNoSlots:
		msg = "There are no open times on that date. Could you give me another date (YYYY-MM-DD)?"

	case PromptAskPatientField:
		msg = patientFieldQuestion(firstMissingPatientField(slots))

	case PromptAskEmergencyContact:
		msg = "Would you like to add an emergency contact to this booking? If so, share the contact's name and 10-digit phone number, or just say skip."

	case PromptConfirmBooking:
		msg, refs = confirmBookingMessage(sess)

	case PromptBooked:
		msg, refs = bookedMessage(in)

	case PromptSlotConflict:
		msg = "I'm sorry, that time was just taken. Would you like to pick another time?"

	case PromptAborted:
		msg = "Okay, I've dropped that request. " + capabilitiesText

	case PromptAskContact:
		msg = contactQuestion(slots)

	case PromptLookupFound:
		msg, refs = lookupFoundMessage(in)

	case PromptLookupNone:
		msg = "I couldn't find an upcoming appointment for those contact details. " + anythingElseText

	case PromptConfirmCancel:
		if sess.Cancel == nil {
			msg = retryLaterText
			break
		}
		msg = fmt.Sprintf("I found this appointment: %s. Should I cancel it? (yes/no)", sess.Cancel.Label)
		refs = append(refs, statex.EntityRef{
			Kind: statex.EntityAppointment,
			ID:   strconv.FormatInt(sess.Cancel.AppointmentID, 10),
		})

	case PromptCancelDone:
		msg = "Your appointment has been cancelled. " + anythingElseText

	case PromptCancelUnavailable:
		msg = "That appointment can no longer be changed. " + anythingElseText

	case PromptRetryLater:
		msg = retryLaterText

	case PromptEmergency:
		msg = emergencyAdvisory

	default:
		log.Error().
			Str("session_id", sess.SessionID).
			Str("stage", string(sess.Stage)).
			Msg("turn produced no prompt")
		msg = capabilitiesText + " Which would you like?"
	}

	if in.Note != "" {
		msg = in.Note + " " + msg
	}
	return msg, refs
}

func numberedList(labels []string) string {
	var b strings.Builder
	for i, label := range labels {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, label)
	}
	return b.String()
}

func offerRefs(offers *statex.OfferSet, kind statex.EntityKind) []statex.EntityRef {
	if offers == nil {
		return nil
	}
	refs := make([]statex.EntityRef, 0, len(offers.Items))
	for _, item := range offers.Items {
		refs = append(refs, statex.EntityRef{Kind: kind, ID: item.ID})
	}
	return refs
}

func patientFieldQuestion(field string) string {
	switch field {
	case "name":
		return "May I have the patient's full name?"
	case "phone":
		return "What is the patient's 10-digit phone number?"
	case "email":
		return "What email address should I use for the booking?"
	case "age":
		return "How old is the patient?"
	case "gender":
		return "What is the patient's gender (Male or Female)?"
	}
	return "Could you share the remaining patient details?"
}

func contactQuestion(slots *statex.SlotSet) string {
	switch {
	case slots.PatientPhone == "" && slots.PatientEmail == "":
		return "Please share the 10-digit phone number and the email address you registered with."
	case slots.PatientPhone == "":
		return "What is the 10-digit phone number you registered with?"
	default:
		return "And what email address did you register with?"
	}
}

func confirmBookingMessage(sess *statex.Session) (string, []statex.EntityRef) {
	draft := sess.Booking
	if draft == nil {
		return retryLaterText, nil
	}
	msg := fmt.Sprintf("Here is your booking: %s (%s) on %s at %s for %s.",
		draft.DoctorName, draft.Specialty, draft.Date, draft.Time, draft.PatientName)
	if draft.Reason != "" {
		msg += fmt.Sprintf(" Reason: %s.", draft.Reason)
	}
	msg += " Shall I confirm it? (yes/no)"
	refs := []statex.EntityRef{{Kind: statex.EntityDoctor, ID: strconv.FormatInt(draft.DoctorID, 10)}}
	return msg, refs
}

func bookedMessage(in *GraphState) (string, []statex.EntityRef) {
	for _, res := range in.Results {
		if res.Tool != tool.ToolAppointmentBook {
			continue
		}
		if out, ok := res.Result.(tool.AppointmentBookOutput); ok {
			a := out.Appointment
			msg := fmt.Sprintf("Your appointment is confirmed: %s (%s) on %s at %s. Your booking reference is %d. %s",
				a.DoctorName, a.Specialty, a.Date, a.Time, a.ID, anythingElseText)
			return msg, []statex.EntityRef{{Kind: statex.EntityAppointment, ID: strconv.FormatInt(a.ID, 10)}}
		}
		if res.Replayed && len(res.Facts) > 0 {
			f := res.Facts[0]
			msg := fmt.Sprintf("Your appointment is already confirmed: %s. Your booking reference is %s. %s",
				f.Label, f.ID, anythingElseText)
			return msg, []statex.EntityRef{{Kind: f.Kind, ID: f.ID}}
		}
	}
	return retryLaterText, nil
}

func lookupFoundMessage(in *GraphState) (string, []statex.EntityRef) {
	for _, res := range in.Results {
		if res.Tool != tool.ToolAppointmentLookup {
			continue
		}
		out, ok := res.Result.(tool.AppointmentLookupOutput)
		if !ok || !out.Found {
			continue
		}
		a := out.Appointment
		msg := fmt.Sprintf("Your next appointment: %s (%s) on %s at %s, status %s. %s",
			a.DoctorName, a.Specialty, a.Date, a.Time, a.Status, anythingElseText)
		return msg, []statex.EntityRef{{Kind: statex.EntityAppointment, ID: strconv.FormatInt(a.ID, 10)}}
	}
	return retryLaterText, nil
}
