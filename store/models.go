package store

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "Scheduled"
	StatusCompleted AppointmentStatus = "Completed"
	StatusCancelled AppointmentStatus = "Cancelled"
)

// Specialties is the closed enumeration doctors are registered under.
// Specialty values arriving from users or the recommender must canonicalize
// through MatchSpecialty before they reach a query.
var Specialties = []string{
	"Cardiology",
	"Pediatrics",
	"Orthopedics",
	"Dermatology",
	"Neurology",
	"General Physician",
	"Psychiatry",
	"Gynecology",
	"Gastroenterology",
	"Pulmonology",
	"Urology",
	"Ophthalmology",
	"Endocrinology",
	"Nephrology",
}

// MatchSpecialty maps free-form input onto the canonical enumeration.
func MatchSpecialty(input string) (string, bool) {
	needle := strings.ToLower(strings.TrimSpace(input))
	if needle == "" {
		return "", false
	}
	for _, s := range Specialties {
		if strings.ToLower(s) == needle {
			return s, true
		}
	}
	return "", false
}

type Patient struct {
	bun.BaseModel `bun:"table:patients,alias:p"`

	ID                    int64     `bun:"id,pk,autoincrement"`
	Name                  string    `bun:"name,notnull"`
	Phone                 string    `bun:"phone,notnull"`
	Email                 string    `bun:"email,notnull"`
	Age                   int       `bun:"age,notnull"`
	Gender                Gender    `bun:"gender,notnull"`
	EmergencyContactName  string    `bun:"emergency_contact_name,nullzero"`
	EmergencyContactPhone string    `bun:"emergency_contact_phone,nullzero"`
	CreatedAt             time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt             time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type Doctor struct {
	bun.BaseModel `bun:"table:doctors,alias:d"`

	ID        int64     `bun:"id,pk,autoincrement"`
	Name      string    `bun:"name,notnull"`
	Gender    Gender    `bun:"gender,notnull"`
	Specialty string    `bun:"specialty,notnull"`
	Phone     string    `bun:"phone,notnull"`
	Email     string    `bun:"email,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments,alias:a"`

	ID        int64             `bun:"id,pk,autoincrement"`
	DoctorID  int64             `bun:"doctor_id,notnull"`
	PatientID int64             `bun:"patient_id,notnull"`
	Date      time.Time         `bun:"appointment_date,notnull"`
	Time      string            `bun:"appointment_time,notnull"`
	Reason    string            `bun:"reason,nullzero"`
	Status    AppointmentStatus `bun:"status,notnull,default:'Scheduled'"`
	CreatedAt time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`

	Doctor  *Doctor  `bun:"rel:belongs-to,join:doctor_id=id"`
	Patient *Patient `bun:"rel:belongs-to,join:patient_id=id"`
}

/* ----------------------------- Redacted views ---------------------------- */

// Views are the only shapes the gateway returns to callers. Doctor and
// patient contact fields do not exist on them, so restricted data cannot
// transit the tool boundary at all.

type DoctorView struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Gender    string `json:"gender"`
	Specialty string `json:"specialty"`
}

func (d *Doctor) View() DoctorView {
	return DoctorView{
		ID:        d.ID,
		Name:      d.Name,
		Gender:    string(d.Gender),
		Specialty: d.Specialty,
	}
}

type PatientView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (p *Patient) View() PatientView {
	return PatientView{ID: p.ID, Name: p.Name}
}

type AppointmentView struct {
	ID         int64  `json:"id"`
	DoctorName string `json:"doctor_name"`
	Specialty  string `json:"specialty"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	Reason     string `json:"reason,omitempty"`
	Status     string `json:"status"`
}

func (a *Appointment) View() AppointmentView {
	v := AppointmentView{
		ID:     a.ID,
		Date:   a.Date.Format(DateLayout),
		Time:   a.Time,
		Reason: a.Reason,
		Status: string(a.Status),
	}
	if a.Doctor != nil {
		v.DoctorName = a.Doctor.Name
		v.Specialty = a.Doctor.Specialty
	}
	return v
}

/* ------------------------------ Write inputs ----------------------------- */

// NewPatient is the validated input for patient registration.
type NewPatient struct {
	Name                  string `validate:"required,min=2,max=100"`
	Phone                 string `validate:"required,len=10,numeric"`
	Email                 string `validate:"required,email"`
	Age                   int    `validate:"required,gte=1,lte=120"`
	Gender                string `validate:"required,oneof=Male Female"`
	EmergencyContactName  string `validate:"omitempty,max=100"`
	EmergencyContactPhone string `validate:"omitempty,len=10,numeric"`
}

// NewAppointment is the validated input for booking.
type NewAppointment struct {
	DoctorID  int64  `validate:"required,gt=0"`
	PatientID int64  `validate:"required,gt=0"`
	Date      string `validate:"required,datetime=2006-01-02"`
	Time      string `validate:"required"`
	Reason    string `validate:"omitempty,max=500"`
}
