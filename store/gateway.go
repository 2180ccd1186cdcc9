package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	contractx "github.com/caresched/medibot/agent/contract"
)

const maxDoctorResults = 5

type Config struct {
	DSN     string        `envconfig:"DSN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"5s"`
}

// NewDB opens a Postgres-backed bun.DB from a DSN.
func NewDB(cfg Config) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(cfg.DSN),
		pgdriver.WithApplicationName("medibot"),
	))
	return bun.NewDB(sqldb, pgdialect.New())
}

// Gateway is the only path between the dialogue core and the database.
// Every operation is typed and parameterized; raw query fragments cannot
// cross this boundary. Results are redacted views, never full rows.
type Gateway struct {
	db       *bun.DB
	validate *validator.Validate
	timeout  time.Duration
	now      func() time.Time
}

func NewGateway(db *bun.DB, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{
		db:       db,
		validate: validator.New(),
		timeout:  timeout,
		now:      time.Now,
	}
}

func (g *Gateway) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

/* --------------------------------- Reads --------------------------------- */

// ListSpecialties returns the specialties that currently have doctors.
func (g *Gateway) ListSpecialties(ctx context.Context) ([]string, error) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	var specialties []string
	err := g.db.NewSelect().
		Model((*Doctor)(nil)).
		ColumnExpr("DISTINCT specialty").
		OrderExpr("specialty ASC").
		Scan(ctx, &specialties)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return specialties, nil
}

type doctorWithLoad struct {
	Doctor `bun:",extend"`

	Load int64 `bun:"load,scanonly"`
}

// DoctorsBySpecialty returns up to five doctors in a specialty, least
// loaded (fewest scheduled appointments) first.
func (g *Gateway) DoctorsBySpecialty(ctx context.Context, specialty string) ([]DoctorView, error) {
	canonical, ok := MatchSpecialty(specialty)
	if !ok {
		return nil, fmt.Errorf("%w: unknown specialty %q", contractx.ErrValidation, specialty)
	}

	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	var rows []doctorWithLoad
	err := g.db.NewSelect().
		Model(&rows).
		ColumnExpr("d.*").
		ColumnExpr("count(a.id) AS load").
		Join("LEFT JOIN appointments AS a ON a.doctor_id = d.id AND a.status = ?", StatusScheduled).
		Where("d.specialty = ?", canonical).
		GroupExpr("d.id").
		OrderExpr("load ASC, d.id ASC").
		Limit(maxDoctorResults).
		Scan(ctx)
	if err != nil {
		return nil, mapStoreError(err)
	}

	views := make([]DoctorView, 0, len(rows))
	for i := range rows {
		views = append(views, rows[i].Doctor.View())
	}
	return views, nil
}

// DoctorsByName is a targeted name lookup, optionally narrowed to a
// specialty. Bounded to five rows; never a bulk listing.
func (g *Gateway) DoctorsByName(ctx context.Context, name, specialty string) ([]DoctorView, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: doctor name is required", contractx.ErrValidation)
	}

	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	q := g.db.NewSelect().
		Model((*Doctor)(nil)).
		Where("d.name ILIKE ?", "%"+escapeLike(trimmed)+"%").
		OrderExpr("d.name ASC").
		Limit(maxDoctorResults)
	if canonical, ok := MatchSpecialty(specialty); ok {
		q = q.Where("d.specialty = ?", canonical)
	}

	var doctors []Doctor
	if err := q.Scan(ctx, &doctors); err != nil {
		return nil, mapStoreError(err)
	}

	views := make([]DoctorView, 0, len(doctors))
	for i := range doctors {
		views = append(views, doctors[i].View())
	}
	return views, nil
}

func (g *Gateway) DoctorByID(ctx context.Context, id int64) (DoctorView, error) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	doctor := new(Doctor)
	err := g.db.NewSelect().Model(doctor).Where("d.id = ?", id).Scan(ctx)
	if err != nil {
		return DoctorView{}, mapStoreError(err)
	}
	return doctor.View(), nil
}

// FreeSlotsFor returns the open grid times for one doctor on one day.
func (g *Gateway) FreeSlotsFor(ctx context.Context, doctorID int64, date string) ([]string, error) {
	day, err := ParseDate(date)
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", contractx.ErrValidation)
	}

	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	exists, err := g.db.NewSelect().Model((*Doctor)(nil)).Where("d.id = ?", doctorID).Exists(ctx)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: doctor id=%d", contractx.ErrNotFound, doctorID)
	}

	var booked []string
	err = g.db.NewSelect().
		Model((*Appointment)(nil)).
		Column("appointment_time").
		Where("doctor_id = ?", doctorID).
		Where("appointment_date = ?", day).
		Where("status = ?", StatusScheduled).
		OrderExpr("appointment_time ASC").
		Scan(ctx, &booked)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return FreeSlots(booked), nil
}

// PatientByPhoneEmail requires both keys to match one patient.
func (g *Gateway) PatientByPhoneEmail(ctx context.Context, phone, email string) (PatientView, error) {
	phone = strings.TrimSpace(phone)
	email = strings.TrimSpace(email)
	if phone == "" || email == "" {
		return PatientView{}, fmt.Errorf("%w: phone and email are both required", contractx.ErrValidation)
	}

	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	patient := new(Patient)
	err := g.db.NewSelect().
		Model(patient).
		Where("p.phone = ?", phone).
		Where("lower(p.email) = lower(?)", email).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return PatientView{}, mapStoreError(err)
	}
	return patient.View(), nil
}

// NextUpcomingAppointment returns the soonest scheduled appointment for a
// patient that has not started yet, joined with the doctor's name and
// specialty. Today's already-elapsed slots do not count as upcoming.
func (g *Gateway) NextUpcomingAppointment(ctx context.Context, patientID int64) (AppointmentView, error) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	day, clock := upcomingCutoff(g.now())
	appt := new(Appointment)
	err := g.db.NewSelect().
		Model(appt).
		Relation("Doctor").
		Where("a.patient_id = ?", patientID).
		Where("a.status = ?", StatusScheduled).
		Where("a.appointment_date > ? OR (a.appointment_date = ? AND a.appointment_time > ?)", day, day, clock).
		OrderExpr("a.appointment_date ASC, a.appointment_time ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return AppointmentView{}, mapStoreError(err)
	}
	return appt.View(), nil
}

/* -------------------------------- Writes --------------------------------- */

// EnsurePatient finds the patient registered under the phone number or
// creates a new record. Dedupe key is the phone; a concurrent duplicate
// insert falls back to the winning row.
func (g *Gateway) EnsurePatient(ctx context.Context, in NewPatient) (PatientView, bool, error) {
	if err := g.validate.Struct(in); err != nil {
		return PatientView{}, false, fmt.Errorf("%w: %v", contractx.ErrValidation, err)
	}

	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	existing := new(Patient)
	err := g.db.NewSelect().Model(existing).Where("p.phone = ?", in.Phone).Limit(1).Scan(ctx)
	if err == nil {
		return existing.View(), false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return PatientView{}, false, mapStoreError(err)
	}

	now := g.now().UTC()
	patient := &Patient{
		Name:                  strings.TrimSpace(in.Name),
		Phone:                 in.Phone,
		Email:                 strings.TrimSpace(in.Email),
		Age:                   in.Age,
		Gender:                Gender(in.Gender),
		EmergencyContactName:  strings.TrimSpace(in.EmergencyContactName),
		EmergencyContactPhone: strings.TrimSpace(in.EmergencyContactPhone),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	_, err = g.db.NewInsert().
		Model(patient).
		On("CONFLICT (phone) DO NOTHING").
		Returning("id").
		Exec(ctx)
	if err != nil {
		return PatientView{}, false, mapStoreError(err)
	}
	if patient.ID == 0 {
		// Lost the insert race; the phone row now exists.
		err = g.db.NewSelect().Model(existing).Where("p.phone = ?", in.Phone).Limit(1).Scan(ctx)
		if err != nil {
			return PatientView{}, false, mapStoreError(err)
		}
		return existing.View(), false, nil
	}
	return patient.View(), true, nil
}

// CreateAppointment books a slot inside one transaction: the referenced
// doctor and patient are re-verified, then the row is inserted. A losing
// race on the same doctor/date/time hits the scheduled-slot unique index
// and surfaces as ErrConflict.
func (g *Gateway) CreateAppointment(ctx context.Context, in NewAppointment) (AppointmentView, error) {
	if err := g.validate.Struct(in); err != nil {
		return AppointmentView{}, fmt.Errorf("%w: %v", contractx.ErrValidation, err)
	}
	slot, ok := NormalizeSlotTime(in.Time)
	if !ok || !IsBookableSlot(slot) {
		return AppointmentView{}, fmt.Errorf("%w: time %q is not a bookable slot", contractx.ErrValidation, in.Time)
	}
	day, err := ParseDate(in.Date)
	if err != nil {
		return AppointmentView{}, fmt.Errorf("%w: date must be YYYY-MM-DD", contractx.ErrValidation)
	}

	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	var view AppointmentView
	err = g.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		doctor := new(Doctor)
		if err := tx.NewSelect().Model(doctor).Where("d.id = ?", in.DoctorID).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: doctor id=%d", contractx.ErrNotFound, in.DoctorID)
			}
			return err
		}
		exists, err := tx.NewSelect().Model((*Patient)(nil)).Where("p.id = ?", in.PatientID).Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: patient id=%d", contractx.ErrNotFound, in.PatientID)
		}

		now := g.now().UTC()
		appt := &Appointment{
			DoctorID:  in.DoctorID,
			PatientID: in.PatientID,
			Date:      day,
			Time:      slot,
			Reason:    strings.TrimSpace(in.Reason),
			Status:    StatusScheduled,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.NewInsert().Model(appt).Returning("id").Exec(ctx); err != nil {
			return err
		}
		appt.Doctor = doctor
		view = appt.View()
		return nil
	})
	if err != nil {
		return AppointmentView{}, mapStoreError(err)
	}
	return view, nil
}

// CancelAppointment flips a scheduled appointment of the given patient to
// Cancelled. Cancelling an already-cancelled appointment is a no-op.
func (g *Gateway) CancelAppointment(ctx context.Context, appointmentID, patientID int64) (AppointmentView, error) {
	if appointmentID <= 0 || patientID <= 0 {
		return AppointmentView{}, fmt.Errorf("%w: appointment and patient ids are required", contractx.ErrValidation)
	}

	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	var view AppointmentView
	err := g.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		appt := new(Appointment)
		err := tx.NewSelect().
			Model(appt).
			Where("a.id = ?", appointmentID).
			Where("a.patient_id = ?", patientID).
			For("UPDATE").
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: appointment id=%d", contractx.ErrNotFound, appointmentID)
			}
			return err
		}

		switch appt.Status {
		case StatusCancelled:
			// Repeat cancel: keep the idempotent outcome.
		case StatusCompleted:
			return fmt.Errorf("%w: appointment already completed", contractx.ErrConflict)
		default:
			appt.Status = StatusCancelled
			appt.UpdatedAt = g.now().UTC()
			if _, err := tx.NewUpdate().
				Model(appt).
				Column("status", "updated_at").
				WherePK().
				Exec(ctx); err != nil {
				return err
			}
		}

		doctor := new(Doctor)
		if err := tx.NewSelect().Model(doctor).Where("d.id = ?", appt.DoctorID).Scan(ctx); err == nil {
			appt.Doctor = doctor
		}
		view = appt.View()
		return nil
	})
	if err != nil {
		return AppointmentView{}, mapStoreError(err)
	}
	return view, nil
}

/* -------------------------------- Helpers -------------------------------- */

// upcomingCutoff splits an instant into the UTC day and the zero-padded
// HH:MM clock the upcoming-appointment query compares against. Slot times
// are zero-padded too, so the string comparison follows time order.
func upcomingCutoff(now time.Time) (time.Time, string) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return day, now.Format(TimeLayout)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", contractx.ErrNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", contractx.ErrUpstreamTimeout, err)
	}
	if errors.Is(err, contractx.ErrNotFound) ||
		errors.Is(err, contractx.ErrValidation) ||
		errors.Is(err, contractx.ErrConflict) {
		return err
	}

	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.IntegrityViolation() {
		switch pgErr.Field('C') {
		case "23505":
			return fmt.Errorf("%w: %v", contractx.ErrConflict, err)
		case "23503":
			return fmt.Errorf("%w: referenced record does not exist", contractx.ErrValidation)
		}
		return fmt.Errorf("%w: %v", contractx.ErrConflict, err)
	}
	return err
}
