package store

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMatchSpecialty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"cardiology", "Cardiology", true},
		{" ORTHOPEDICS ", "Orthopedics", true},
		{"general physician", "General Physician", true},
		{"Nephrology", "Nephrology", true},
		{"chiropody", "", false},
		{"cardio", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		got, ok := MatchSpecialty(tc.in)
		if ok != tc.wantOK || got != tc.want {
			t.Fatalf("MatchSpecialty(%q) = %q, %v, want %q, %v", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestDoctorViewCarriesNoContactFields(t *testing.T) {
	t.Parallel()

	doctor := Doctor{
		ID:        7,
		Name:      "Dr. Asha Rao",
		Gender:    GenderFemale,
		Specialty: "Cardiology",
		Phone:     "9000000001",
		Email:     "asha@clinic.example",
	}

	payload, err := json.Marshal(doctor.View())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	out := string(payload)
	if strings.Contains(out, "9000000001") || strings.Contains(out, "asha@clinic.example") {
		t.Fatalf("doctor view leaked contact data: %s", out)
	}
	if !strings.Contains(out, "Dr. Asha Rao") || !strings.Contains(out, "Cardiology") {
		t.Fatalf("doctor view lost public fields: %s", out)
	}
}

func TestPatientViewCarriesOnlyIDAndName(t *testing.T) {
	t.Parallel()

	patient := Patient{
		ID:    42,
		Name:  "Rohan Mehta",
		Phone: "9876543210",
		Email: "rohan@example.com",
		Age:   34,
	}

	payload, err := json.Marshal(patient.View())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	out := string(payload)
	if strings.Contains(out, "9876543210") || strings.Contains(out, "rohan@example.com") {
		t.Fatalf("patient view leaked contact data: %s", out)
	}
	if !strings.Contains(out, `"id":42`) || !strings.Contains(out, "Rohan Mehta") {
		t.Fatalf("patient view lost public fields: %s", out)
	}
}

func TestAppointmentView(t *testing.T) {
	t.Parallel()

	appt := Appointment{
		ID:     311,
		Date:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		Time:   "09:30",
		Reason: "knee pain",
		Status: StatusScheduled,
		Doctor: &Doctor{Name: "Dr. Asha Rao", Specialty: "Orthopedics"},
	}

	view := appt.View()
	if view.Date != "2026-03-02" {
		t.Fatalf("view date = %q, want 2026-03-02", view.Date)
	}
	if view.DoctorName != "Dr. Asha Rao" || view.Specialty != "Orthopedics" {
		t.Fatalf("view lost doctor relation: %+v", view)
	}
	if view.Status != "Scheduled" {
		t.Fatalf("view status = %q", view.Status)
	}

	bare := Appointment{ID: 1, Date: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), Time: "10:00", Status: StatusCancelled}
	if v := bare.View(); v.DoctorName != "" || v.Specialty != "" {
		t.Fatalf("view without doctor relation should leave names empty: %+v", v)
	}
}
