package tool

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	contractx "github.com/caresched/medibot/agent/contract"
	statex "github.com/caresched/medibot/agent/state"
	"github.com/caresched/medibot/store"
)

const (
	ToolSpecialtyList         = "specialty.list"
	ToolDoctorFindBySpecialty = "doctor.find_by_specialty"
	ToolDoctorFindByName      = "doctor.find_by_name"
	ToolDoctorCheckSlots      = "doctor.check_slots"
	ToolPatientFind           = "patient.find"
	ToolPatientRegister       = "patient.register"
	ToolAppointmentBook       = "appointment.book"
	ToolAppointmentCancel     = "appointment.cancel"
	ToolAppointmentLookup     = "appointment.lookup"
)

var (
	phonePattern = regexp.MustCompile(`^\d{10}$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timePattern  = regexp.MustCompile(`^\d{1,2}[:.]\d{2}$`)
)

type SpecialtyListOutput struct {
	Specialties []string `json:"specialties"`
}

type DoctorListOutput struct {
	Doctors []store.DoctorView `json:"doctors"`
}

type SlotListOutput struct {
	DoctorID int64    `json:"doctor_id"`
	Date     string   `json:"date"`
	Slots    []string `json:"slots"`
}

type PatientFindOutput struct {
	Found   bool               `json:"found"`
	Patient *store.PatientView `json:"patient,omitempty"`
}

type PatientRegisterOutput struct {
	Patient store.PatientView `json:"patient"`
	Created bool              `json:"created"`
}

type AppointmentBookOutput struct {
	Appointment store.AppointmentView `json:"appointment"`
}

type AppointmentCancelOutput struct {
	Appointment store.AppointmentView `json:"appointment"`
}

type AppointmentLookupOutput struct {
	Found       bool                   `json:"found"`
	Appointment *store.AppointmentView `json:"appointment,omitempty"`
}

// NewCatalog wires the full tool set against the data store gateway. This is
// the complete capability surface of the agent; anything not registered here
// cannot be done, no matter what a message or a model asks for.
func NewCatalog(gw *store.Gateway) *Registry {
	reg := NewRegistry()

	reg.MustRegister(&Tool{
		Name:    ToolSpecialtyList,
		Desc:    "List the medical specialties the clinic serves.",
		Spec:    ArgSpec{},
		Handler: specialtyList(gw),
	})
	reg.MustRegister(&Tool{
		Name: ToolDoctorFindBySpecialty,
		Desc: "Find available doctors for a specialty, least busy first.",
		Spec: ArgSpec{
			"specialty": {Kind: FieldString, Required: true, Enum: store.Specialties},
		},
		Handler: doctorsBySpecialty(gw),
	})
	reg.MustRegister(&Tool{
		Name: ToolDoctorFindByName,
		Desc: "Find doctors whose name matches, optionally within a specialty.",
		Spec: ArgSpec{
			"name":      {Kind: FieldString, Required: true, MaxLen: 100},
			"specialty": {Kind: FieldString, Enum: store.Specialties},
		},
		Handler: doctorsByName(gw),
	})
	reg.MustRegister(&Tool{
		Name: ToolDoctorCheckSlots,
		Desc: "List a doctor's free appointment slots on a date.",
		Spec: ArgSpec{
			"doctor_id": {Kind: FieldInt, Required: true, Min: 1},
			"date":      {Kind: FieldString, Required: true, Pattern: datePattern},
		},
		Handler: doctorSlots(gw),
	})
	reg.MustRegister(&Tool{
		Name: ToolPatientFind,
		Desc: "Look up a registered patient by phone number and email.",
		Spec: ArgSpec{
			"phone": {Kind: FieldString, Required: true, Pattern: phonePattern},
			"email": {Kind: FieldString, Required: true, Pattern: emailPattern},
		},
		Handler: patientFind(gw),
	})
	reg.MustRegister(&Tool{
		Name:     ToolPatientRegister,
		Desc:     "Register a patient, or return the existing one for the phone number.",
		Mutating: true,
		Spec: ArgSpec{
			"name":                    {Kind: FieldString, Required: true, MaxLen: 100},
			"phone":                   {Kind: FieldString, Required: true, Pattern: phonePattern},
			"email":                   {Kind: FieldString, Required: true, Pattern: emailPattern},
			"age":                     {Kind: FieldInt, Required: true, Min: 1, Max: 120},
			"gender":                  {Kind: FieldString, Required: true, Enum: []string{string(store.GenderMale), string(store.GenderFemale)}},
			"emergency_contact_name":  {Kind: FieldString, MaxLen: 100},
			"emergency_contact_phone": {Kind: FieldString, Pattern: phonePattern},
		},
		Handler: patientRegister(gw),
	})
	reg.MustRegister(&Tool{
		Name:     ToolAppointmentBook,
		Desc:     "Book a confirmed appointment slot for a registered patient.",
		Mutating: true,
		Spec: ArgSpec{
			"doctor_id":  {Kind: FieldInt, Required: true, Min: 1},
			"patient_id": {Kind: FieldInt, Required: true, Min: 1},
			"date":       {Kind: FieldString, Required: true, Pattern: datePattern},
			"time":       {Kind: FieldString, Required: true, Pattern: timePattern},
			"reason":     {Kind: FieldString, MaxLen: 500},
		},
		Handler: appointmentBook(gw),
	})
	reg.MustRegister(&Tool{
		Name:     ToolAppointmentCancel,
		Desc:     "Cancel a scheduled appointment owned by the patient.",
		Mutating: true,
		Spec: ArgSpec{
			"appointment_id": {Kind: FieldInt, Required: true, Min: 1},
			"patient_id":     {Kind: FieldInt, Required: true, Min: 1},
		},
		Handler: appointmentCancel(gw),
	})
	reg.MustRegister(&Tool{
		Name: ToolAppointmentLookup,
		Desc: "Find the caller's next upcoming appointment by phone and email.",
		Spec: ArgSpec{
			"phone": {Kind: FieldString, Required: true, Pattern: phonePattern},
			"email": {Kind: FieldString, Required: true, Pattern: emailPattern},
		},
		Handler: appointmentLookup(gw),
	})

	return reg
}

/* -------------------------------- Handlers -------------------------------- */

func specialtyList(gw *store.Gateway) HandlerFunc {
	return func(ctx context.Context, _ map[string]any) (contractx.ToolResult, error) {
		names, err := gw.ListSpecialties(ctx)
		if err != nil {
			return contractx.ToolResult{}, err
		}
		facts := make([]statex.Fact, 0, len(names))
		for _, name := range names {
			facts = append(facts, specialtyFact(name))
		}
		return contractx.ToolResult{
			Tool:   ToolSpecialtyList,
			Result: SpecialtyListOutput{Specialties: names},
			Facts:  facts,
		}, nil
	}
}

func doctorsBySpecialty(gw *store.Gateway) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (contractx.ToolResult, error) {
		doctors, err := gw.DoctorsBySpecialty(ctx, StringArg(args, "specialty"))
		if err != nil {
			return contractx.ToolResult{}, err
		}
		return contractx.ToolResult{
			Tool:   ToolDoctorFindBySpecialty,
			Result: DoctorListOutput{Doctors: doctors},
			Facts:  doctorFacts(doctors),
		}, nil
	}
}

func doctorsByName(gw *store.Gateway) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (contractx.ToolResult, error) {
		doctors, err := gw.DoctorsByName(ctx, StringArg(args, "name"), StringArg(args, "specialty"))
		if err != nil {
			return contractx.ToolResult{}, err
		}
		return contractx.ToolResult{
			Tool:   ToolDoctorFindByName,
			Result: DoctorListOutput{Doctors: doctors},
			Facts:  doctorFacts(doctors),
		}, nil
	}
}

func doctorSlots(gw *store.Gateway) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (contractx.ToolResult, error) {
		doctorID := IntArg(args, "doctor_id")
		date := StringArg(args, "date")

		slots, err := gw.FreeSlotsFor(ctx, doctorID, date)
		if err != nil {
			if errors.Is(err, contractx.ErrNotFound) {
				return contractx.ToolResult{
					Tool:  ToolDoctorCheckSlots,
					Error: "that doctor is not available anymore",
					Kind:  contractx.ErrorKindNotFound,
				}, nil
			}
			return contractx.ToolResult{}, err
		}

		facts := make([]statex.Fact, 0, len(slots))
		for _, slot := range slots {
			facts = append(facts, statex.Fact{
				Kind:  statex.EntitySlot,
				ID:    statex.SlotFactID(doctorID, date, slot),
				Label: slot,
			})
		}
		return contractx.ToolResult{
			Tool:   ToolDoctorCheckSlots,
			Result: SlotListOutput{DoctorID: doctorID, Date: date, Slots: slots},
			Facts:  facts,
		}, nil
	}
}

func patientFind(gw *store.Gateway) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (contractx.ToolResult, error) {
		patient, err := gw.PatientByPhoneEmail(ctx, StringArg(args, "phone"), StringArg(args, "email"))
		if err != nil {
			// An unknown patient is a normal outcome here, not a failure:
			// the booking flow registers them next.
			if errors.Is(err, contractx.ErrNotFound) {
				return contractx.ToolResult{
					Tool:   ToolPatientFind,
					Result: PatientFindOutput{Found: false},
					Kind:   contractx.ErrorKindNotFound,
				}, nil
			}
			return contractx.ToolResult{}, err
		}
		return contractx.ToolResult{
			Tool:   ToolPatientFind,
			Result: PatientFindOutput{Found: true, Patient: &patient},
			Facts:  []statex.Fact{patientFact(patient)},
		}, nil
	}
}

func patientRegister(gw *store.Gateway) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (contractx.ToolResult, error) {
		patient, created, err := gw.EnsurePatient(ctx, store.NewPatient{
			Name:                  StringArg(args, "name"),
			Phone:                 StringArg(args, "phone"),
			Email:                 StringArg(args, "email"),
			Age:                   int(IntArg(args, "age")),
			Gender:                StringArg(args, "gender"),
			EmergencyContactName:  StringArg(args, "emergency_contact_name"),
			EmergencyContactPhone: StringArg(args, "emergency_contact_phone"),
		})
		if err != nil {
			return contractx.ToolResult{}, err
		}
		return contractx.ToolResult{
			Tool:     ToolPatientRegister,
			Mutating: true,
			Result:   PatientRegisterOutput{Patient: patient, Created: created},
			Facts:    []statex.Fact{patientFact(patient)},
		}, nil
	}
}

func appointmentBook(gw *store.Gateway) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (contractx.ToolResult, error) {
		// The arg pattern admits shapes like "9.30" and "9:75"; only values
		// that normalize to a real clock time go any further.
		slot, ok := store.NormalizeSlotTime(StringArg(args, "time"))
		if !ok {
			return contractx.ToolResult{
				Tool:  ToolAppointmentBook,
				Error: fmt.Sprintf("%q is not a valid appointment time", StringArg(args, "time")),
				Kind:  contractx.ErrorKindValidation,
			}, nil
		}
		appt, err := gw.CreateAppointment(ctx, store.NewAppointment{
			DoctorID:  IntArg(args, "doctor_id"),
			PatientID: IntArg(args, "patient_id"),
			Date:      StringArg(args, "date"),
			Time:      slot,
			Reason:    StringArg(args, "reason"),
		})
		if err != nil {
			return contractx.ToolResult{}, err
		}
		return contractx.ToolResult{
			Tool:     ToolAppointmentBook,
			Mutating: true,
			Result:   AppointmentBookOutput{Appointment: appt},
			Facts:    []statex.Fact{appointmentFact(appt)},
		}, nil
	}
}

func appointmentCancel(gw *store.Gateway) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (contractx.ToolResult, error) {
		appt, err := gw.CancelAppointment(ctx, IntArg(args, "appointment_id"), IntArg(args, "patient_id"))
		if err != nil {
			if errors.Is(err, contractx.ErrNotFound) {
				return contractx.ToolResult{
					Tool:  ToolAppointmentCancel,
					Error: "no matching appointment to cancel",
					Kind:  contractx.ErrorKindNotFound,
				}, nil
			}
			return contractx.ToolResult{}, err
		}
		return contractx.ToolResult{
			Tool:     ToolAppointmentCancel,
			Mutating: true,
			Result:   AppointmentCancelOutput{Appointment: appt},
			Facts:    []statex.Fact{appointmentFact(appt)},
		}, nil
	}
}

func appointmentLookup(gw *store.Gateway) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (contractx.ToolResult, error) {
		notFound := contractx.ToolResult{
			Tool:   ToolAppointmentLookup,
			Result: AppointmentLookupOutput{Found: false},
			Kind:   contractx.ErrorKindNotFound,
		}

		patient, err := gw.PatientByPhoneEmail(ctx, StringArg(args, "phone"), StringArg(args, "email"))
		if err != nil {
			if errors.Is(err, contractx.ErrNotFound) {
				return notFound, nil
			}
			return contractx.ToolResult{}, err
		}

		appt, err := gw.NextUpcomingAppointment(ctx, patient.ID)
		if err != nil {
			if errors.Is(err, contractx.ErrNotFound) {
				return notFound, nil
			}
			return contractx.ToolResult{}, err
		}

		// The patient's internal id stays out of the result on purpose.
		return contractx.ToolResult{
			Tool:   ToolAppointmentLookup,
			Result: AppointmentLookupOutput{Found: true, Appointment: &appt},
			Facts:  []statex.Fact{appointmentFact(appt)},
		}, nil
	}
}

/* ------------------------------ Fact builders ----------------------------- */

func specialtyFact(name string) statex.Fact {
	return statex.Fact{Kind: statex.EntitySpecialty, ID: name, Label: name}
}

func patientFact(p store.PatientView) statex.Fact {
	return statex.Fact{Kind: statex.EntityPatient, ID: fmt.Sprint(p.ID), Label: p.Name}
}

func appointmentFact(a store.AppointmentView) statex.Fact {
	return statex.Fact{
		Kind:  statex.EntityAppointment,
		ID:    fmt.Sprint(a.ID),
		Label: fmt.Sprintf("%s on %s at %s", a.DoctorName, a.Date, a.Time),
	}
}

func doctorFacts(doctors []store.DoctorView) []statex.Fact {
	facts := make([]statex.Fact, 0, len(doctors)*2)
	seen := make(map[string]bool, len(doctors))
	for _, d := range doctors {
		facts = append(facts, statex.Fact{
			Kind:  statex.EntityDoctor,
			ID:    fmt.Sprint(d.ID),
			Label: d.Name,
		})
		if d.Specialty != "" && !seen[d.Specialty] {
			seen[d.Specialty] = true
			facts = append(facts, specialtyFact(d.Specialty))
		}
	}
	return facts
}
