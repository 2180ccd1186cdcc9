package tool

import (
	"context"
	"testing"

	contractx "github.com/caresched/medibot/agent/contract"
	statex "github.com/caresched/medibot/agent/state"
	"github.com/caresched/medibot/store"
)

func TestNewCatalogRegistersFullToolSurface(t *testing.T) {
	t.Parallel()

	reg := NewCatalog(nil)
	want := []string{
		ToolSpecialtyList,
		ToolDoctorFindBySpecialty,
		ToolDoctorFindByName,
		ToolDoctorCheckSlots,
		ToolPatientFind,
		ToolPatientRegister,
		ToolAppointmentBook,
		ToolAppointmentCancel,
		ToolAppointmentLookup,
	}
	if reg.Count() != len(want) {
		t.Fatalf("unexpected tool count: %d, want %d", reg.Count(), len(want))
	}
	for _, name := range want {
		if !reg.Has(name) {
			t.Fatalf("missing tool: %s", name)
		}
	}
}

func TestNewCatalogMutatingFlags(t *testing.T) {
	t.Parallel()

	reg := NewCatalog(nil)
	mutating := map[string]bool{
		ToolSpecialtyList:         false,
		ToolDoctorFindBySpecialty: false,
		ToolDoctorFindByName:      false,
		ToolDoctorCheckSlots:      false,
		ToolPatientFind:           false,
		ToolPatientRegister:       true,
		ToolAppointmentBook:       true,
		ToolAppointmentCancel:     true,
		ToolAppointmentLookup:     false,
	}
	for name, want := range mutating {
		tl, ok := reg.Get(name)
		if !ok {
			t.Fatalf("missing tool: %s", name)
		}
		if tl.Mutating != want {
			t.Fatalf("tool %s: mutating=%v, want %v", name, tl.Mutating, want)
		}
	}
}

func TestCatalogArgSpecsRejectMalformedInput(t *testing.T) {
	t.Parallel()

	reg := NewCatalog(nil)

	cases := []struct {
		tool string
		args map[string]any
	}{
		{ToolDoctorFindBySpecialty, map[string]any{"specialty": "Sorcery"}},
		{ToolDoctorCheckSlots, map[string]any{"doctor_id": int64(3), "date": "tomorrow"}},
		{ToolPatientFind, map[string]any{"phone": "12345", "email": "a@b.com"}},
		{ToolPatientFind, map[string]any{"phone": "9876543210", "email": "not-an-email"}},
		{ToolPatientRegister, map[string]any{
			"name": "A B", "phone": "9876543210", "email": "a@b.com", "age": int64(150), "gender": "Male",
		}},
		{ToolAppointmentBook, map[string]any{
			"doctor_id": int64(1), "patient_id": int64(2), "date": "2026-03-02", "time": "half past nine",
		}},
		{ToolAppointmentCancel, map[string]any{"appointment_id": int64(0), "patient_id": int64(2)}},
		{ToolPatientRegister, map[string]any{
			"name": "A B", "phone": "9876543210", "email": "a@b.com", "age": int64(34), "gender": "Male",
			"emergency_contact_phone": "12345",
		}},
	}
	for _, tc := range cases {
		tl, ok := reg.Get(tc.tool)
		if !ok {
			t.Fatalf("missing tool: %s", tc.tool)
		}
		if err := tl.Spec.Validate(tc.args); err == nil {
			t.Fatalf("tool %s accepted %v", tc.tool, tc.args)
		}
	}
}

func TestAppointmentBookRejectsUnparseableTime(t *testing.T) {
	t.Parallel()

	reg := NewCatalog(nil)
	tl, ok := reg.Get(ToolAppointmentBook)
	if !ok {
		t.Fatalf("missing tool: %s", ToolAppointmentBook)
	}

	// "9:75" passes the arg pattern, so the handler itself has to refuse it
	// before anything reaches the gateway.
	args := map[string]any{
		"doctor_id": int64(1), "patient_id": int64(2), "date": "2026-03-02", "time": "9:75",
	}
	if err := tl.Spec.Validate(args); err != nil {
		t.Fatalf("Validate() = %v, want the handler to see this value", err)
	}

	res, err := tl.Handler(context.Background(), args)
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	if res.Kind != contractx.ErrorKindValidation {
		t.Fatalf("Kind = %s, want %s", res.Kind, contractx.ErrorKindValidation)
	}
	if res.Error == "" {
		t.Fatal("expected a validation message for an impossible clock time")
	}
}

func TestDoctorFactsIncludeSpecialty(t *testing.T) {
	t.Parallel()

	facts := doctorFacts([]store.DoctorView{
		{ID: 4, Name: "Dr. Meera Iyer", Gender: "Female", Specialty: "Cardiology"},
		{ID: 9, Name: "Dr. Aman Rao", Gender: "Male", Specialty: "Cardiology"},
	})

	var doctors, specialties int
	for _, f := range facts {
		switch f.Kind {
		case statex.EntityDoctor:
			doctors++
		case statex.EntitySpecialty:
			specialties++
		}
	}
	if doctors != 2 {
		t.Fatalf("unexpected doctor fact count: %d", doctors)
	}
	if specialties != 1 {
		t.Fatalf("shared specialty must be deduplicated, got %d facts", specialties)
	}
}

func TestAppointmentFactLabel(t *testing.T) {
	t.Parallel()

	fact := appointmentFact(store.AppointmentView{
		ID:         12,
		DoctorName: "Dr. Meera Iyer",
		Specialty:  "Cardiology",
		Date:       "2026-03-02",
		Time:       "09:30",
		Status:     string(store.StatusScheduled),
	})
	if fact.Kind != statex.EntityAppointment || fact.ID != "12" {
		t.Fatalf("unexpected fact identity: %+v", fact)
	}
	if fact.Label != "Dr. Meera Iyer on 2026-03-02 at 09:30" {
		t.Fatalf("unexpected label: %s", fact.Label)
	}
}
