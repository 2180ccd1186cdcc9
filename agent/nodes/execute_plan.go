package orchestratornode

import (
	"context"
	"fmt"
	"strconv"

	contractx "github.com/caresched/medibot/agent/contract"
	"github.com/caresched/medibot/agent/grounding"
	statex "github.com/caresched/medibot/agent/state"
	"github.com/caresched/medibot/agent/tool"
)

// ExecutePlan runs this turn's planned tool calls through the gateway,
// merges their facts into the session, and folds the outcomes back into
// dialogue state. Returned errors are invariant violations; tool-level
// failures travel inside the results and become user-facing prompts here.
func ExecutePlan(ctx context.Context, in *GraphState, tools contractx.ToolGateway) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if in.Done {
		return in, nil
	}

	switch {
	case in.ConfirmedBooking:
		results, err := runBookingChain(ctx, in, tools)
		if err != nil {
			return nil, err
		}
		in.Results = results
	case len(in.Plan) > 0:
		results, err := tools.Execute(ctx, in.Session, in.Plan)
		if err != nil {
			return nil, err
		}
		grounding.MergeResults(in.Session, results)
		in.Results = results
	default:
		return in, nil
	}

	foldResults(in)
	return in, nil
}

/* ----------------------------- confirmed booking -------------------------- */

// runBookingChain is the one plan with data flow between steps: find or
// register the patient, then book with the id that came back. Each step is
// its own gateway call so the patient id can feed the booking request.
func runBookingChain(ctx context.Context, in *GraphState, tools contractx.ToolGateway) ([]contractx.ToolResult, error) {
	sess := in.Session
	draft := sess.Booking
	if draft == nil {
		return nil, fmt.Errorf("%w: confirmed booking without a draft", contractx.ErrInvariant)
	}
	slots := &sess.Slots

	var results []contractx.ToolResult

	findRes, err := runOne(ctx, tools, sess, contractx.ToolRequest{
		Tool: tool.ToolPatientFind,
		Args: map[string]any{"phone": slots.PatientPhone, "email": slots.PatientEmail},
	})
	if err != nil {
		return nil, err
	}
	results = append(results, findRes)
	if findRes.Failed() {
		return results, nil
	}

	var patientID int64
	if out, ok := findRes.Result.(tool.PatientFindOutput); ok && out.Found {
		patientID = out.Patient.ID
	}

	if patientID == 0 {
		regArgs := map[string]any{
			"name":   slots.PatientName,
			"phone":  slots.PatientPhone,
			"email":  slots.PatientEmail,
			"age":    slots.PatientAge,
			"gender": slots.PatientGender,
		}
		// The emergency contact is optional; the arg spec only checks the
		// values when the keys are present.
		if slots.EmergencyContactName != "" {
			regArgs["emergency_contact_name"] = slots.EmergencyContactName
		}
		if slots.EmergencyContactPhone != "" {
			regArgs["emergency_contact_phone"] = slots.EmergencyContactPhone
		}
		regRes, err := runOne(ctx, tools, sess, contractx.ToolRequest{
			Tool:           tool.ToolPatientRegister,
			Args:           regArgs,
			IdempotencyKey: sess.IdempotencyKey(tool.ToolPatientRegister),
		})
		if err != nil {
			return nil, err
		}
		results = append(results, regRes)
		if regRes.Failed() {
			return results, nil
		}
		patientID = registeredPatientID(regRes)
		if patientID == 0 {
			return nil, fmt.Errorf("%w: patient registration returned no id", contractx.ErrInvariant)
		}
	}

	draft.PatientID = patientID
	slots.PatientID = patientID

	bookRes, err := runOne(ctx, tools, sess, contractx.ToolRequest{
		Tool: tool.ToolAppointmentBook,
		Args: map[string]any{
			"doctor_id":  draft.DoctorID,
			"patient_id": patientID,
			"date":       draft.Date,
			"time":       draft.Time,
			"reason":     draft.Reason,
		},
		IdempotencyKey: sess.IdempotencyKey(tool.ToolAppointmentBook),
	})
	if err != nil {
		return nil, err
	}
	return append(results, bookRes), nil
}

func runOne(ctx context.Context, tools contractx.ToolGateway, sess *statex.Session, req contractx.ToolRequest) (contractx.ToolResult, error) {
	results, err := tools.Execute(ctx, sess, []contractx.ToolRequest{req})
	if err != nil {
		return contractx.ToolResult{}, err
	}
	if len(results) != 1 {
		return contractx.ToolResult{}, fmt.Errorf("%w: gateway returned %d results for one request", contractx.ErrInvariant, len(results))
	}
	grounding.MergeResults(sess, results)
	return results[0], nil
}

// registeredPatientID reads the new patient id from a register result,
// falling back to the ledger fact when the mutation was replayed.
func registeredPatientID(res contractx.ToolResult) int64 {
	if out, ok := res.Result.(tool.PatientRegisterOutput); ok {
		return out.Patient.ID
	}
	if res.Replayed && len(res.Facts) > 0 {
		if id, err := strconv.ParseInt(res.Facts[0].ID, 10, 64); err == nil {
			return id
		}
	}
	return 0
}

/* ------------------------------ result folding ---------------------------- */

// foldResults turns tool outcomes into the next dialogue position. The
// gateway stops a batch at its first failure, so a failed result is always
// the last one.
func foldResults(in *GraphState) {
	if len(in.Results) == 0 {
		return
	}

	last := in.Results[len(in.Results)-1]
	if last.Failed() {
		foldFailure(in, last)
		return
	}
	for _, res := range in.Results {
		foldSuccess(in, res)
	}
}

func foldFailure(in *GraphState, res contractx.ToolResult) {
	sess := in.Session

	switch res.Kind {
	case contractx.ErrorKindSecurityDenied:
		sess.Blocked = true
		in.Message = res.Error
		revertStage(sess)

	case contractx.ErrorKindConflict:
		if res.Tool == tool.ToolAppointmentCancel {
			// Completed appointments cannot be cancelled anymore.
			in.Prompt = PromptCancelUnavailable
			sess.CompleteTask(in.Now)
			return
		}
		// Someone took the slot between offer and confirmation.
		sess.Slots.Time = ""
		sess.Booking = nil
		in.Prompt = PromptSlotConflict
		revertStage(sess)

	case contractx.ErrorKindUpstreamTimeout:
		in.Prompt = PromptRetryLater
		revertStage(sess)

	case contractx.ErrorKindNotFound:
		switch res.Tool {
		case tool.ToolDoctorCheckSlots:
			sess.Slots.DoctorID = 0
			sess.Slots.DoctorName = ""
			in.Prompt = PromptDoctorUnavailable
			revertStage(sess)
		case tool.ToolAppointmentCancel:
			in.Prompt = PromptCancelUnavailable
			sess.CompleteTask(in.Now)
		default:
			in.Prompt = PromptRetryLater
			revertStage(sess)
		}

	default:
		in.Prompt = PromptRetryLater
		revertStage(sess)
	}
}

// revertStage puts the session back on a stable stage after an execution
// that did not land. With a live draft the confirmation question stands.
func revertStage(sess *statex.Session) {
	if sess.Booking != nil || sess.Cancel != nil {
		sess.Stage = statex.StageConfirmation
		return
	}
	sess.Stage = statex.StageSlotFilling
}

func foldSuccess(in *GraphState, res contractx.ToolResult) {
	sess := in.Session
	slots := &sess.Slots

	switch res.Tool {
	case tool.ToolSpecialtyList:
		out, ok := res.Result.(tool.SpecialtyListOutput)
		if !ok {
			return
		}
		names := filterByHints(out.Specialties, in.Hints)
		sess.Offers = specialtyOffers(names)
		sess.Stage = statex.StageSlotFilling
		in.Prompt = PromptOfferSpecialties

	case tool.ToolDoctorFindBySpecialty, tool.ToolDoctorFindByName:
		out, ok := res.Result.(tool.DoctorListOutput)
		if !ok {
			return
		}
		if len(out.Doctors) == 0 {
			sess.Stage = statex.StageSlotFilling
			in.Prompt = PromptNoDoctors
			return
		}
		items := make([]statex.Offer, 0, len(out.Doctors))
		for _, d := range out.Doctors {
			items = append(items, statex.Offer{
				ID:    strconv.FormatInt(d.ID, 10),
				Label: doctorOfferLabel(d.Name, d.Specialty),
			})
		}
		sess.Offers = &statex.OfferSet{Kind: statex.EntityDoctor, Items: items}
		sess.Stage = statex.StageSlotFilling
		in.Prompt = PromptOfferDoctors

	case tool.ToolDoctorCheckSlots:
		out, ok := res.Result.(tool.SlotListOutput)
		if !ok {
			return
		}
		if len(out.Slots) == 0 {
			slots.Date = ""
			sess.Stage = statex.StageSlotFilling
			in.Prompt = PromptNoSlots
			return
		}
		items := make([]statex.Offer, 0, len(out.Slots))
		for _, s := range out.Slots {
			items = append(items, statex.Offer{ID: s, Label: s})
		}
		sess.Offers = &statex.OfferSet{Kind: statex.EntitySlot, Items: items}
		sess.Stage = statex.StageSlotFilling
		in.Prompt = PromptOfferSlots

	case tool.ToolPatientFind:
		out, ok := res.Result.(tool.PatientFindOutput)
		if !ok {
			return
		}
		if out.Found {
			slots.PatientID = out.Patient.ID
			return
		}
		if sess.Task == statex.TaskCancel {
			// Nobody registered under that contact pair, so there is
			// nothing to cancel.
			in.Prompt = PromptLookupNone
			sess.CompleteTask(in.Now)
		}

	case tool.ToolPatientRegister:
		if out, ok := res.Result.(tool.PatientRegisterOutput); ok {
			slots.PatientID = out.Patient.ID
		}

	case tool.ToolAppointmentBook:
		in.Prompt = PromptBooked
		sess.CompleteTask(in.Now)

	case tool.ToolAppointmentLookup:
		out, ok := res.Result.(tool.AppointmentLookupOutput)
		if !ok {
			return
		}
		if !out.Found {
			in.Prompt = PromptLookupNone
			sess.CompleteTask(in.Now)
			return
		}
		if sess.Task == statex.TaskCancel {
			appt := out.Appointment
			sess.Cancel = &statex.CancelDraft{
				AppointmentID: appt.ID,
				Label:         fmt.Sprintf("%s on %s at %s", appt.DoctorName, appt.Date, appt.Time),
			}
			sess.Stage = statex.StageConfirmation
			in.Prompt = PromptConfirmCancel
			return
		}
		in.Prompt = PromptLookupFound
		sess.CompleteTask(in.Now)

	case tool.ToolAppointmentCancel:
		in.Prompt = PromptCancelDone
		sess.CompleteTask(in.Now)
	}
}

/* --------------------------------- offers --------------------------------- */

func specialtyOffers(names []string) *statex.OfferSet {
	items := make([]statex.Offer, 0, len(names))
	for _, name := range names {
		items = append(items, statex.Offer{ID: name, Label: name})
	}
	return &statex.OfferSet{Kind: statex.EntitySpecialty, Items: items}
}

const maxSpecialtyHints = 5

// filterByHints orders the clinic's real specialty list by the recommender's
// ranking. Hints that the clinic does not actually offer drop out; no hints,
// or no overlap, falls back to the full list.
func filterByHints(listed []string, hints []contractx.SpecialtyHint) []string {
	if len(hints) == 0 {
		return listed
	}
	available := make(map[string]bool, len(listed))
	for _, name := range listed {
		available[name] = true
	}
	picked := make([]string, 0, maxSpecialtyHints)
	for _, hint := range hints {
		if available[hint.Specialty] && len(picked) < maxSpecialtyHints {
			picked = append(picked, hint.Specialty)
		}
	}
	if len(picked) == 0 {
		return listed
	}
	return picked
}
