package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreSaveLoadDelete(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	sess := NewSession("mem-1", time.Now().UTC())
	sess.Stage = StageSlotFilling
	sess.Task = TaskBooking
	sess.Slots.Date = "2026-03-02"
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load(ctx, "mem-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Stage != StageSlotFilling || got.Slots.Date != "2026-03-02" {
		t.Fatalf("Load() = %+v, lost saved fields", got)
	}

	if err := store.Delete(ctx, "mem-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Load(ctx, "mem-1"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("Load() after delete error = %v, want ErrStateNotFound", err)
	}
}

func TestMemoryStoreLoadReturnsDetachedCopy(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	sess := NewSession("mem-2", time.Now().UTC())
	sess.Ground(Fact{Kind: EntityDoctor, ID: "7", Label: "Dr. Asha Rao"})
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	first, err := store.Load(ctx, "mem-2")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	first.Slots.Specialty = "Neurology"
	first.Facts.Add(Fact{Kind: EntityPatient, ID: "99"})

	second, err := store.Load(ctx, "mem-2")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if second.Slots.Specialty != "" {
		t.Fatal("mutation of a loaded session leaked into the stored copy")
	}
	if second.Facts.Has(EntityRef{Kind: EntityPatient, ID: "99"}) {
		t.Fatal("fact added to a loaded session leaked into the stored copy")
	}
	if !second.Facts.Has(EntityRef{Kind: EntityDoctor, ID: "7"}) {
		t.Fatal("stored facts went missing")
	}
}

func TestMemoryStoreRejectsBadInput(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	if err := store.Save(ctx, nil); !errors.Is(err, ErrNilSessionState) {
		t.Fatalf("Save(nil) error = %v, want ErrNilSessionState", err)
	}
	if err := store.Save(ctx, &Session{}); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("Save(empty id) error = %v, want ErrInvalidSession", err)
	}
	if _, err := store.Load(ctx, "  "); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("Load(blank) error = %v, want ErrInvalidSession", err)
	}
	if err := store.Delete(ctx, ""); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("Delete(blank) error = %v, want ErrInvalidSession", err)
	}
}
