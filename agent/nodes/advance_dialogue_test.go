package orchestratornode

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	contractx "github.com/caresched/medibot/agent/contract"
	statex "github.com/caresched/medibot/agent/state"
	"github.com/caresched/medibot/agent/tool"
)

var testClock = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type stubRecommender struct {
	hints    []contractx.SpecialtyHint
	err      error
	symptoms []string
}

func (s *stubRecommender) Recommend(_ context.Context, symptom string) ([]contractx.SpecialtyHint, error) {
	s.symptoms = append(s.symptoms, symptom)
	return s.hints, s.err
}

func turnState(sess *statex.Session, intent contractx.IntentResult, text string) *GraphState {
	return &GraphState{
		SessionID: sess.SessionID,
		Text:      text,
		Now:       testClock,
		Session:   sess,
		Intent:    intent,
	}
}

func bookingSession(mutate func(*statex.Session)) *statex.Session {
	sess := statex.NewSession("s-adv", testClock)
	sess.Task = statex.TaskBooking
	sess.Stage = statex.StageSlotFilling
	if mutate != nil {
		mutate(sess)
	}
	return sess
}

func TestAdvanceDialogueFirstTurnGreets(t *testing.T) {
	t.Parallel()

	sess := statex.NewSession("s-adv", testClock)
	in := turnState(sess, contractx.IntentResult{Task: statex.TaskUndetermined}, "hello")

	out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
	if err != nil {
		t.Fatalf("AdvanceDialogue() error = %v", err)
	}
	if out.Prompt != PromptGreeting {
		t.Fatalf("Prompt = %s, want greeting", out.Prompt)
	}
	if sess.Stage != statex.StageTaskSelection {
		t.Fatalf("Stage = %s, want task_selection", sess.Stage)
	}
}

func TestAdvanceDialogueRepeatsTaskQuestion(t *testing.T) {
	t.Parallel()

	sess := statex.NewSession("s-adv", testClock)
	sess.Stage = statex.StageTaskSelection
	in := turnState(sess, contractx.IntentResult{Task: statex.TaskUndetermined}, "the weather is nice")

	out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
	if err != nil {
		t.Fatalf("AdvanceDialogue() error = %v", err)
	}
	if out.Prompt != PromptAskTask {
		t.Fatalf("Prompt = %s, want ask_task", out.Prompt)
	}
}

func TestAdvanceDialogueTerminalSessionReopens(t *testing.T) {
	t.Parallel()

	sess := statex.NewSession("s-adv", testClock)
	sess.Task = statex.TaskBooking
	sess.Stage = statex.StageTerminal
	sess.Slots.Specialty = "Cardiology"

	in := turnState(sess, contractx.IntentResult{Task: statex.TaskLookup}, "check my appointment")
	out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
	if err != nil {
		t.Fatalf("AdvanceDialogue() error = %v", err)
	}

	if sess.Task != statex.TaskLookup {
		t.Fatalf("Task = %s, want lookup", sess.Task)
	}
	if sess.Attempt != 1 {
		t.Fatalf("Attempt = %d, want 1", sess.Attempt)
	}
	if sess.Slots.Specialty != "" {
		t.Fatal("reopening must clear the previous task's slots")
	}
	if out.Prompt != PromptAskContact {
		t.Fatalf("Prompt = %s, want ask_contact", out.Prompt)
	}
}

func TestAdvanceDialogueTaskSwitchMidBooking(t *testing.T) {
	t.Parallel()

	sess := bookingSession(func(s *statex.Session) {
		s.Slots.Specialty = "Cardiology"
		s.Slots.DoctorID = 7
	})

	in := turnState(sess, contractx.IntentResult{Task: statex.TaskLookup}, "actually just check my appointment")
	out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
	if err != nil {
		t.Fatalf("AdvanceDialogue() error = %v", err)
	}

	if sess.Task != statex.TaskLookup {
		t.Fatalf("Task = %s, want lookup", sess.Task)
	}
	if sess.Slots.DoctorID != 0 || sess.Slots.Specialty != "" {
		t.Fatalf("switch must clear booking slots, got %+v", sess.Slots)
	}
	if out.Prompt != PromptAskContact {
		t.Fatalf("Prompt = %s, want ask_contact", out.Prompt)
	}
}

func TestAdvanceBookingSymptomConsultsRecommender(t *testing.T) {
	t.Parallel()

	sess := bookingSession(nil)
	rec := &stubRecommender{hints: []contractx.SpecialtyHint{{Specialty: "Orthopedics", Confidence: 0.9}}}

	in := turnState(sess, contractx.IntentResult{Task: statex.TaskBooking, Symptom: "knee pain"}, "my knee hurts")
	out, err := AdvanceDialogue(context.Background(), in, rec)
	if err != nil {
		t.Fatalf("AdvanceDialogue() error = %v", err)
	}

	if len(rec.symptoms) != 1 || rec.symptoms[0] != "knee pain" {
		t.Fatalf("recommender symptoms = %v", rec.symptoms)
	}
	if len(out.Hints) != 1 || out.Hints[0].Specialty != "Orthopedics" {
		t.Fatalf("Hints = %+v", out.Hints)
	}
	if len(out.Plan) != 1 || out.Plan[0].Tool != tool.ToolSpecialtyList {
		t.Fatalf("Plan = %+v, want specialty.list", out.Plan)
	}
	if sess.Stage != statex.StageToolExecution {
		t.Fatalf("Stage = %s, want tool_execution", sess.Stage)
	}
}

func TestAdvanceBookingRecommenderFailureStillLists(t *testing.T) {
	t.Parallel()

	sess := bookingSession(nil)
	rec := &stubRecommender{err: errors.New("recommender down")}

	in := turnState(sess, contractx.IntentResult{Task: statex.TaskBooking, Symptom: "rash"}, "I have a rash")
	out, err := AdvanceDialogue(context.Background(), in, rec)
	if err != nil {
		t.Fatalf("AdvanceDialogue() error = %v", err)
	}
	if len(out.Plan) != 1 || out.Plan[0].Tool != tool.ToolSpecialtyList {
		t.Fatalf("Plan = %+v, want specialty.list despite recommender failure", out.Plan)
	}
	if len(out.Hints) != 0 {
		t.Fatalf("Hints = %+v, want none", out.Hints)
	}
}

func TestAdvanceBookingNamedDoctorSearch(t *testing.T) {
	t.Parallel()

	sess := bookingSession(nil)
	in := turnState(sess, contractx.IntentResult{
		Task:  statex.TaskBooking,
		Slots: contractx.SlotValues{DoctorName: "Dr. Asha Rao"},
	}, "I want to see Dr. Asha Rao")

	out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
	if err != nil {
		t.Fatalf("AdvanceDialogue() error = %v", err)
	}
	if len(out.Plan) != 1 || out.Plan[0].Tool != tool.ToolDoctorFindByName {
		t.Fatalf("Plan = %+v, want doctor.find_by_name", out.Plan)
	}
	if out.Plan[0].Args["name"] != "Dr. Asha Rao" {
		t.Fatalf("Args = %+v", out.Plan[0].Args)
	}
}

func TestAdvanceBookingGateOrder(t *testing.T) {
	t.Parallel()

	t.Run("specialty known plans doctor search", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(func(s *statex.Session) { s.Slots.Specialty = "Cardiology" })
		in := turnState(sess, contractx.IntentResult{Task: statex.TaskBooking}, "ok")
		out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
		if err != nil {
			t.Fatalf("AdvanceDialogue() error = %v", err)
		}
		if len(out.Plan) != 1 || out.Plan[0].Tool != tool.ToolDoctorFindBySpecialty {
			t.Fatalf("Plan = %+v", out.Plan)
		}
		if out.Plan[0].Args["specialty"] != "Cardiology" {
			t.Fatalf("Args = %+v", out.Plan[0].Args)
		}
	})

	t.Run("doctor known asks for date", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(func(s *statex.Session) {
			s.Slots.Specialty = "Cardiology"
			s.Slots.DoctorID = 7
			s.Slots.DoctorName = "Dr. Asha Rao"
		})
		in := turnState(sess, contractx.IntentResult{Task: statex.TaskBooking}, "ok")
		out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
		if err != nil {
			t.Fatalf("AdvanceDialogue() error = %v", err)
		}
		if out.Prompt != PromptAskDate {
			t.Fatalf("Prompt = %s, want ask_date", out.Prompt)
		}
	})

	t.Run("date known plans slot check", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(func(s *statex.Session) {
			s.Slots.Specialty = "Cardiology"
			s.Slots.DoctorID = 7
			s.Slots.Date = "2026-03-02"
		})
		in := turnState(sess, contractx.IntentResult{Task: statex.TaskBooking}, "ok")
		out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
		if err != nil {
			t.Fatalf("AdvanceDialogue() error = %v", err)
		}
		if len(out.Plan) != 1 || out.Plan[0].Tool != tool.ToolDoctorCheckSlots {
			t.Fatalf("Plan = %+v", out.Plan)
		}
		if out.Plan[0].Args["doctor_id"] != int64(7) || out.Plan[0].Args["date"] != "2026-03-02" {
			t.Fatalf("Args = %+v", out.Plan[0].Args)
		}
	})

	t.Run("time known asks first patient field", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(func(s *statex.Session) {
			s.Slots.Specialty = "Cardiology"
			s.Slots.DoctorID = 7
			s.Slots.Date = "2026-03-02"
			s.Slots.Time = "09:30"
		})
		in := turnState(sess, contractx.IntentResult{Task: statex.TaskBooking}, "ok")
		out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
		if err != nil {
			t.Fatalf("AdvanceDialogue() error = %v", err)
		}
		if out.Prompt != PromptAskPatientField {
			t.Fatalf("Prompt = %s, want ask_patient_field", out.Prompt)
		}
	})

	t.Run("patient details complete asks emergency contact once", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(func(s *statex.Session) {
			s.Slots = statex.SlotSet{
				Specialty: "Cardiology", DoctorID: 7, DoctorName: "Dr. Asha Rao",
				Date: "2026-03-02", Time: "09:30",
				PatientName: "Rohan Mehta", PatientPhone: "9876543210",
				PatientEmail: "rohan@example.com", PatientAge: 34, PatientGender: "Male",
			}
		})
		in := turnState(sess, contractx.IntentResult{Task: statex.TaskBooking}, "ok")
		out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
		if err != nil {
			t.Fatalf("AdvanceDialogue() error = %v", err)
		}
		if out.Prompt != PromptAskEmergencyContact {
			t.Fatalf("Prompt = %s, want ask_emergency_contact", out.Prompt)
		}
		if !sess.Slots.EmergencyOffered {
			t.Fatal("the question must be marked as asked so it never repeats")
		}
		if sess.Booking != nil {
			t.Fatal("no draft before the emergency contact answer")
		}
		if sess.Stage != statex.StageSlotFilling {
			t.Fatalf("Stage = %s, want slot_filling", sess.Stage)
		}
	})

	t.Run("declining the emergency contact still confirms", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(func(s *statex.Session) {
			s.Slots = statex.SlotSet{
				Specialty: "Cardiology", DoctorID: 7, DoctorName: "Dr. Asha Rao",
				Date: "2026-03-02", Time: "09:30",
				PatientName: "Rohan Mehta", PatientPhone: "9876543210",
				PatientEmail: "rohan@example.com", PatientAge: 34, PatientGender: "Male",
				EmergencyOffered: true,
			}
		})
		in := turnState(sess, contractx.IntentResult{Task: statex.TaskBooking, Affirmation: contractx.AffirmNo}, "no, skip that")
		out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
		if err != nil {
			t.Fatalf("AdvanceDialogue() error = %v", err)
		}
		if out.Prompt != PromptConfirmBooking {
			t.Fatalf("Prompt = %s, want confirm_booking", out.Prompt)
		}
		if sess.Booking == nil {
			t.Fatal("declining the optional contact must still build the draft")
		}
		if sess.Attempt != 0 {
			t.Fatalf("Attempt = %d, declining the contact is not an abort", sess.Attempt)
		}
	})

	t.Run("all details build the draft", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(func(s *statex.Session) {
			s.Slots = statex.SlotSet{
				Specialty: "Cardiology", DoctorID: 7, DoctorName: "Dr. Asha Rao",
				Date: "2026-03-02", Time: "09:30",
				PatientName: "Rohan Mehta", PatientPhone: "9876543210",
				PatientEmail: "rohan@example.com", PatientAge: 34, PatientGender: "Male",
				EmergencyOffered: true,
				Reason:           "follow-up",
			}
		})
		in := turnState(sess, contractx.IntentResult{Task: statex.TaskBooking}, "ok")
		out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
		if err != nil {
			t.Fatalf("AdvanceDialogue() error = %v", err)
		}
		if out.Prompt != PromptConfirmBooking {
			t.Fatalf("Prompt = %s, want confirm_booking", out.Prompt)
		}
		if sess.Stage != statex.StageConfirmation {
			t.Fatalf("Stage = %s, want confirmation", sess.Stage)
		}
		draft := sess.Booking
		if draft == nil || draft.DoctorID != 7 || draft.Time != "09:30" || draft.Reason != "follow-up" {
			t.Fatalf("Booking draft = %+v", draft)
		}
	})
}

func TestAdvanceConfirmationGate(t *testing.T) {
	t.Parallel()

	confirmed := func() *statex.Session {
		return bookingSession(func(s *statex.Session) {
			s.Stage = statex.StageConfirmation
			s.Slots = statex.SlotSet{
				Specialty: "Cardiology", DoctorID: 7, DoctorName: "Dr. Asha Rao",
				Date: "2026-03-02", Time: "09:30",
				PatientName: "Rohan Mehta", PatientPhone: "9876543210",
				PatientEmail: "rohan@example.com", PatientAge: 34, PatientGender: "Male",
				EmergencyOffered: true,
			}
			s.Booking = &statex.BookingDraft{
				DoctorID: 7, DoctorName: "Dr. Asha Rao", Specialty: "Cardiology",
				Date: "2026-03-02", Time: "09:30", PatientName: "Rohan Mehta",
			}
		})
	}

	t.Run("yes confirms", func(t *testing.T) {
		t.Parallel()
		sess := confirmed()
		in := turnState(sess, contractx.IntentResult{Task: statex.TaskBooking, Affirmation: contractx.AffirmYes}, "yes")
		out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
		if err != nil {
			t.Fatalf("AdvanceDialogue() error = %v", err)
		}
		if !out.ConfirmedBooking {
			t.Fatal("yes must mark the booking confirmed")
		}
		if sess.Stage != statex.StageToolExecution {
			t.Fatalf("Stage = %s, want tool_execution", sess.Stage)
		}
	})

	t.Run("no aborts", func(t *testing.T) {
		t.Parallel()
		sess := confirmed()
		in := turnState(sess, contractx.IntentResult{Task: statex.TaskBooking, Affirmation: contractx.AffirmNo}, "no")
		out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
		if err != nil {
			t.Fatalf("AdvanceDialogue() error = %v", err)
		}
		if out.Prompt != PromptAborted {
			t.Fatalf("Prompt = %s, want aborted", out.Prompt)
		}
		if sess.Booking != nil {
			t.Fatal("no must drop the draft")
		}
		if sess.Attempt != 1 {
			t.Fatalf("Attempt = %d, want 1 after abort", sess.Attempt)
		}
	})

	t.Run("unclear answer reasks", func(t *testing.T) {
		t.Parallel()
		sess := confirmed()
		in := turnState(sess, contractx.IntentResult{Task: statex.TaskBooking}, "hmm maybe")
		out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
		if err != nil {
			t.Fatalf("AdvanceDialogue() error = %v", err)
		}
		if out.Prompt != PromptConfirmBooking {
			t.Fatalf("Prompt = %s, want confirm_booking", out.Prompt)
		}
		if out.Note != "Please answer yes or no." {
			t.Fatalf("Note = %q", out.Note)
		}
		if len(out.Plan) != 0 {
			t.Fatalf("Plan = %+v, want none", out.Plan)
		}
		if sess.Stage != statex.StageConfirmation {
			t.Fatalf("Stage = %s, want confirmation", sess.Stage)
		}
	})

	t.Run("changed time rebuilds the draft", func(t *testing.T) {
		t.Parallel()
		sess := confirmed()
		in := turnState(sess, contractx.IntentResult{
			Task:  statex.TaskBooking,
			Slots: contractx.SlotValues{Time: "10:00"},
		}, "make it 10:00 instead")
		out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
		if err != nil {
			t.Fatalf("AdvanceDialogue() error = %v", err)
		}
		if out.Prompt != PromptConfirmBooking {
			t.Fatalf("Prompt = %s, want confirm_booking", out.Prompt)
		}
		if sess.Booking == nil || sess.Booking.Time != "10:00" {
			t.Fatalf("Booking draft = %+v, want time 10:00", sess.Booking)
		}
		if sess.Stage != statex.StageConfirmation {
			t.Fatalf("Stage = %s, want confirmation", sess.Stage)
		}
	})
}

func TestAdvanceCancelConfirmationPlansCancel(t *testing.T) {
	t.Parallel()

	sess := statex.NewSession("s-adv", testClock)
	sess.Task = statex.TaskCancel
	sess.Stage = statex.StageConfirmation
	sess.Slots.PatientID = 42
	sess.Cancel = &statex.CancelDraft{AppointmentID: 311, Label: "Dr. Asha Rao on 2026-03-02 at 09:30"}

	in := turnState(sess, contractx.IntentResult{Task: statex.TaskCancel, Affirmation: contractx.AffirmYes}, "yes")
	out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
	if err != nil {
		t.Fatalf("AdvanceDialogue() error = %v", err)
	}

	if len(out.Plan) != 1 || out.Plan[0].Tool != tool.ToolAppointmentCancel {
		t.Fatalf("Plan = %+v", out.Plan)
	}
	req := out.Plan[0]
	if req.Args["appointment_id"] != int64(311) || req.Args["patient_id"] != int64(42) {
		t.Fatalf("Args = %+v", req.Args)
	}
	if req.IdempotencyKey != "s-adv:0:"+tool.ToolAppointmentCancel {
		t.Fatalf("IdempotencyKey = %q", req.IdempotencyKey)
	}
}

func TestAdvanceCancelStartPlansIdentityLookup(t *testing.T) {
	t.Parallel()

	sess := statex.NewSession("s-adv", testClock)
	sess.Task = statex.TaskCancel
	sess.Stage = statex.StageSlotFilling
	sess.Slots.PatientPhone = "9876543210"
	sess.Slots.PatientEmail = "rohan@example.com"

	in := turnState(sess, contractx.IntentResult{Task: statex.TaskCancel}, "cancel my appointment")
	out, err := AdvanceDialogue(context.Background(), in, &stubRecommender{})
	if err != nil {
		t.Fatalf("AdvanceDialogue() error = %v", err)
	}

	if len(out.Plan) != 2 {
		t.Fatalf("Plan = %+v, want patient.find then appointment.lookup", out.Plan)
	}
	if out.Plan[0].Tool != tool.ToolPatientFind || out.Plan[1].Tool != tool.ToolAppointmentLookup {
		t.Fatalf("Plan order = %s, %s", out.Plan[0].Tool, out.Plan[1].Tool)
	}
}

/* ----------------------------- selection tests ---------------------------- */

func TestConsumeSelection(t *testing.T) {
	t.Parallel()

	t.Run("specialty by number", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(func(s *statex.Session) {
			s.Offers = &statex.OfferSet{Kind: statex.EntitySpecialty, Items: []statex.Offer{
				{ID: "Cardiology", Label: "Cardiology"},
				{ID: "Orthopedics", Label: "Orthopedics"},
			}}
		})
		consumeSelection(sess, contractx.IntentResult{Selection: 2}, "2")
		if sess.Slots.Specialty != "Orthopedics" {
			t.Fatalf("Specialty = %q", sess.Slots.Specialty)
		}
		if sess.Offers != nil {
			t.Fatal("a consumed offer list must be cleared")
		}
	})

	t.Run("doctor by label carries specialty", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(func(s *statex.Session) {
			s.Offers = &statex.OfferSet{Kind: statex.EntityDoctor, Items: []statex.Offer{
				{ID: "7", Label: "Dr. Asha Rao (Cardiology)"},
				{ID: "9", Label: "Dr. Meera Iyer (Neurology)"},
			}}
		})
		consumeSelection(sess, contractx.IntentResult{}, "meera")
		if sess.Slots.DoctorID != 9 || sess.Slots.DoctorName != "Dr. Meera Iyer" {
			t.Fatalf("doctor slots = %+v", sess.Slots)
		}
		if sess.Slots.Specialty != "Neurology" {
			t.Fatalf("Specialty = %q, want Neurology", sess.Slots.Specialty)
		}
	})

	t.Run("slot by number", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(func(s *statex.Session) {
			s.Offers = &statex.OfferSet{Kind: statex.EntitySlot, Items: []statex.Offer{
				{ID: "09:30", Label: "09:30"},
				{ID: "10:00", Label: "10:00"},
			}}
		})
		consumeSelection(sess, contractx.IntentResult{Selection: 1}, "1")
		if sess.Slots.Time != "09:30" {
			t.Fatalf("Time = %q", sess.Slots.Time)
		}
	})

	t.Run("no match keeps offers", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(func(s *statex.Session) {
			s.Offers = &statex.OfferSet{Kind: statex.EntitySlot, Items: []statex.Offer{{ID: "09:30", Label: "09:30"}}}
		})
		consumeSelection(sess, contractx.IntentResult{}, "something else entirely")
		if sess.Offers == nil {
			t.Fatal("unmatched selection must leave the offers standing")
		}
	})
}

func TestSplitDoctorLabel(t *testing.T) {
	t.Parallel()

	name, specialty := splitDoctorLabel("Dr. Asha Rao (Cardiology)")
	if name != "Dr. Asha Rao" || specialty != "Cardiology" {
		t.Fatalf("splitDoctorLabel() = %q, %q", name, specialty)
	}
	name, specialty = splitDoctorLabel("Dr. Solo")
	if name != "Dr. Solo" || specialty != "" {
		t.Fatalf("splitDoctorLabel() = %q, %q", name, specialty)
	}
}

/* ----------------------------- slot merge tests --------------------------- */

func TestMergeSlots(t *testing.T) {
	t.Parallel()

	merge := func(sess *statex.Session, intent contractx.IntentResult) (*GraphState, bool) {
		in := turnState(sess, intent, "whatever")
		listed := mergeSlots(in)
		return in, listed
	}

	t.Run("normalizes phone and time and gender", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(nil)
		in, _ := merge(sess, contractx.IntentResult{Slots: contractx.SlotValues{
			PatientPhone:  "98765 43210",
			Time:          "9.30",
			PatientGender: "f",
		}})
		if sess.Slots.PatientPhone != "9876543210" {
			t.Fatalf("phone = %q", sess.Slots.PatientPhone)
		}
		if sess.Slots.Time != "09:30" {
			t.Fatalf("time = %q", sess.Slots.Time)
		}
		if sess.Slots.PatientGender != "Female" {
			t.Fatalf("gender = %q", sess.Slots.PatientGender)
		}
		if in.Note != "" {
			t.Fatalf("unexpected note %q", in.Note)
		}
	})

	t.Run("rejects malformed values with a note", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			name     string
			slots    contractx.SlotValues
			wantNote string
		}{
			{"short phone", contractx.SlotValues{PatientPhone: "12345"}, "Phone numbers need exactly 10 digits."},
			{"bad email", contractx.SlotValues{PatientEmail: "not-an-email"}, "That email address doesn't look right."},
			{"age out of range", contractx.SlotValues{PatientAge: "300"}, "Age should be between 1 and 120."},
			{"age not a number", contractx.SlotValues{PatientAge: "thirty"}, "Age should be between 1 and 120."},
			{"unknown gender", contractx.SlotValues{PatientGender: "robot"}, "Please tell me Male or Female."},
			{"short emergency phone", contractx.SlotValues{EmergencyContactPhone: "12345"}, "Emergency contact numbers need exactly 10 digits."},
			{"lunch slot", contractx.SlotValues{Time: "13:00"}, "We book 30-minute visits between 09:00 and 16:30."},
			{"freeform date", contractx.SlotValues{Date: "next tuesday"}, "Please give the date as YYYY-MM-DD."},
			{"past date", contractx.SlotValues{Date: "2026-02-27"}, "That date has already passed."},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				t.Parallel()
				sess := bookingSession(nil)
				in, _ := merge(sess, contractx.IntentResult{Slots: tc.slots})
				if in.Note != tc.wantNote {
					t.Fatalf("Note = %q, want %q", in.Note, tc.wantNote)
				}
			})
		}
	})

	t.Run("first note wins", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(nil)
		in, _ := merge(sess, contractx.IntentResult{Slots: contractx.SlotValues{
			PatientPhone: "12",
			PatientAge:   "999",
		}})
		if in.Note != "Phone numbers need exactly 10 digits." {
			t.Fatalf("Note = %q", in.Note)
		}
	})

	t.Run("unknown specialty asks for the list", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(nil)
		in, listed := merge(sess, contractx.IntentResult{Slots: contractx.SlotValues{Specialty: "wizardry"}})
		if !listed {
			t.Fatal("unknown specialty must request the specialty list")
		}
		if !strings.Contains(in.Note, "don't recognize that specialty") {
			t.Fatalf("Note = %q", in.Note)
		}
		if sess.Slots.Specialty != "" {
			t.Fatalf("Specialty = %q, want empty", sess.Slots.Specialty)
		}
	})

	t.Run("specialty change drops the doctor chain", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(func(s *statex.Session) {
			s.Slots.Specialty = "Cardiology"
			s.Slots.DoctorID = 7
			s.Slots.DoctorName = "Dr. Asha Rao"
			s.Slots.Time = "09:30"
			s.Offers = &statex.OfferSet{Kind: statex.EntityDoctor, Items: []statex.Offer{{ID: "7", Label: "x"}}}
		})
		merge(sess, contractx.IntentResult{Slots: contractx.SlotValues{Specialty: "neurology"}})
		if sess.Slots.Specialty != "Neurology" {
			t.Fatalf("Specialty = %q", sess.Slots.Specialty)
		}
		if sess.Slots.DoctorID != 0 || sess.Slots.DoctorName != "" || sess.Slots.Time != "" {
			t.Fatalf("doctor chain not cleared: %+v", sess.Slots)
		}
		if sess.Offers != nil {
			t.Fatal("stale offers must be dropped on specialty change")
		}
	})

	t.Run("date change clears chosen time and slot offers", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(func(s *statex.Session) {
			s.Slots.Date = "2026-03-02"
			s.Slots.Time = "09:30"
			s.Offers = &statex.OfferSet{Kind: statex.EntitySlot, Items: []statex.Offer{{ID: "09:30", Label: "09:30"}}}
		})
		merge(sess, contractx.IntentResult{Slots: contractx.SlotValues{Date: "2026-03-03"}})
		if sess.Slots.Date != "2026-03-03" {
			t.Fatalf("Date = %q", sess.Slots.Date)
		}
		if sess.Slots.Time != "" {
			t.Fatal("time must reset when the date changes")
		}
		if sess.Offers != nil {
			t.Fatal("slot offers from the old date must be dropped")
		}
	})

	t.Run("normalizes the emergency contact", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(nil)
		in, _ := merge(sess, contractx.IntentResult{Slots: contractx.SlotValues{
			EmergencyContactName:  "  Anita Mehta ",
			EmergencyContactPhone: "91234 56780",
		}})
		if sess.Slots.EmergencyContactName != "Anita Mehta" {
			t.Fatalf("emergency name = %q", sess.Slots.EmergencyContactName)
		}
		if sess.Slots.EmergencyContactPhone != "9123456780" {
			t.Fatalf("emergency phone = %q", sess.Slots.EmergencyContactPhone)
		}
		if in.Note != "" {
			t.Fatalf("unexpected note %q", in.Note)
		}
	})

	t.Run("clips oversized symptom", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(nil)
		merge(sess, contractx.IntentResult{Symptom: strings.Repeat("x", 500)})
		if len(sess.Slots.Symptom) != 200 {
			t.Fatalf("symptom length = %d, want 200", len(sess.Slots.Symptom))
		}
	})

	t.Run("clipped symptom stays valid text", func(t *testing.T) {
		t.Parallel()
		sess := bookingSession(nil)
		// Three-byte runes put the 200-byte cut in the middle of one.
		merge(sess, contractx.IntentResult{Symptom: strings.Repeat("न", 150)})
		if !utf8.ValidString(sess.Slots.Symptom) {
			t.Fatalf("clipped symptom is not valid UTF-8: %q", sess.Slots.Symptom)
		}
		if sess.Slots.Symptom != strings.Repeat("न", 66) {
			t.Fatalf("symptom length = %d bytes, want 66 whole runes", len(sess.Slots.Symptom))
		}
	})
}

func TestFirstMissingPatientField(t *testing.T) {
	t.Parallel()

	slots := &statex.SlotSet{}
	order := []string{"name", "phone", "email", "age", "gender"}
	fill := []func(){
		func() { slots.PatientName = "Rohan Mehta" },
		func() { slots.PatientPhone = "9876543210" },
		func() { slots.PatientEmail = "rohan@example.com" },
		func() { slots.PatientAge = 34 },
		func() { slots.PatientGender = "Male" },
	}
	for i, want := range order {
		if got := firstMissingPatientField(slots); got != want {
			t.Fatalf("step %d: firstMissingPatientField() = %q, want %q", i, got, want)
		}
		fill[i]()
	}
	if got := firstMissingPatientField(slots); got != "" {
		t.Fatalf("complete slots still missing %q", got)
	}
}
