package intent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/caresched/medibot/agent/contract"
	statex "github.com/caresched/medibot/agent/state"
)

type fakeChatModel struct {
	responses []*schema.Message
	err       error
	idx       int
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.idx >= len(f.responses) {
		return nil, errors.New("no fake response left")
	}
	msg := f.responses[f.idx]
	f.idx++
	return msg, nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not implemented in fake model")
}

func newFakeExtractor(t *testing.T, content string) *Extractor {
	t.Helper()
	fake := &fakeChatModel{responses: []*schema.Message{{Content: content}}}
	e, err := New(context.Background(), fake, "extractor prompt")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func extractReq(message string) contractx.IntentRequest {
	return contractx.IntentRequest{
		UserMessage: message,
		Now:         time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestExtractSuccess(t *testing.T) {
	t.Parallel()

	e := newFakeExtractor(t, `{
		"task":"booking",
		"affirmation":"",
		"selection":0,
		"slots":{"specialty":"Dermatology","date":"2026-03-02","patient_age":34,"emergency_contact_name":"Anita Mehta"},
		"symptom":"itchy rash on arm",
		"emergency":false
	}`)

	out, err := e.Extract(context.Background(), extractReq("I need a skin doctor tomorrow, I'm 34"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if out.Task != statex.TaskBooking {
		t.Fatalf("unexpected task: %s", out.Task)
	}
	if out.Slots.Specialty != "Dermatology" {
		t.Fatalf("unexpected specialty: %s", out.Slots.Specialty)
	}
	if out.Slots.Date != "2026-03-02" {
		t.Fatalf("unexpected date: %s", out.Slots.Date)
	}
	// Numeric slot values arrive as JSON numbers and must coerce to strings.
	if out.Slots.PatientAge != "34" {
		t.Fatalf("unexpected age: %q", out.Slots.PatientAge)
	}
	if out.Slots.EmergencyContactName != "Anita Mehta" {
		t.Fatalf("unexpected emergency contact: %q", out.Slots.EmergencyContactName)
	}
	if out.Symptom != "itchy rash on arm" {
		t.Fatalf("unexpected symptom: %s", out.Symptom)
	}
}

func TestClipValueCutsOnRuneBoundary(t *testing.T) {
	t.Parallel()

	// 150 three-byte runes; a byte-index cut at 200 would land mid-rune.
	long := strings.Repeat("न", 150)
	got := clipValue(long)
	if !utf8.ValidString(got) {
		t.Fatalf("clipped value is not valid UTF-8: %q", got)
	}
	if got != strings.Repeat("न", 66) {
		t.Fatalf("clipped length = %d bytes, want 66 whole runes", len(got))
	}
}

func TestExtractDropsUnknownSlotKeys(t *testing.T) {
	t.Parallel()

	e := newFakeExtractor(t, `{
		"task":"booking",
		"slots":{"specialty":"Cardiology","admin_override":"true","sql":"drop table"}
	}`)

	out, err := e.Extract(context.Background(), extractReq("book me a cardiologist"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if out.Slots.Specialty != "Cardiology" {
		t.Fatalf("unexpected specialty: %s", out.Slots.Specialty)
	}
	// Struct mapping is the only path; stray keys cannot survive it.
	if out.Slots.Reason != "" || out.Slots.DoctorName != "" {
		t.Fatalf("unexpected slot bleed: %+v", out.Slots)
	}
}

func TestExtractNormalizesAffirmationCase(t *testing.T) {
	t.Parallel()

	e := newFakeExtractor(t, `{"task":"undetermined","affirmation":"Yes"}`)
	out, err := e.Extract(context.Background(), extractReq("yes please"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if out.Affirmation != contractx.AffirmYes {
		t.Fatalf("unexpected affirmation: %q", out.Affirmation)
	}
}

func TestExtractRejectsUnknownTask(t *testing.T) {
	t.Parallel()

	e := newFakeExtractor(t, `{"task":"delete_all_records"}`)
	_, err := e.Extract(context.Background(), extractReq("hello"))
	if !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("expected ErrSchemaViolation, got %v", err)
	}
}

func TestExtractRejectsUnknownAffirmation(t *testing.T) {
	t.Parallel()

	e := newFakeExtractor(t, `{"task":"booking","affirmation":"maybe"}`)
	_, err := e.Extract(context.Background(), extractReq("hmm"))
	if !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("expected ErrSchemaViolation, got %v", err)
	}
}

func TestExtractRequiresMessage(t *testing.T) {
	t.Parallel()

	e := newFakeExtractor(t, `{}`)
	_, err := e.Extract(context.Background(), extractReq("   "))
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestExtractWrapsModelFailure(t *testing.T) {
	t.Parallel()

	fake := &fakeChatModel{err: errors.New("rate limited")}
	e, err := New(context.Background(), fake, "extractor prompt")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = e.Extract(context.Background(), extractReq("book something"))
	if !errors.Is(err, contractx.ErrModelInvoke) {
		t.Fatalf("expected ErrModelInvoke, got %v", err)
	}
}

func TestNewRequiresPrompt(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), &fakeChatModel{}, "  ")
	if !errors.Is(err, contractx.ErrPromptMissing) {
		t.Fatalf("expected ErrPromptMissing, got %v", err)
	}
}

func TestSummarizeSessionIncludesOffersAndHistory(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess := statex.NewSession("s1", now)
	sess.Stage = statex.StageSlotFilling
	sess.Task = statex.TaskBooking
	sess.Offers = &statex.OfferSet{
		Kind: statex.EntityDoctor,
		Items: []statex.Offer{
			{ID: "4", Label: "Dr. Meera Iyer (Cardiology)"},
			{ID: "9", Label: "Dr. Aman Rao (Cardiology)"},
		},
	}
	sess.AppendTurn(statex.TurnRecord{Role: "user", Text: "I need a cardiologist", At: now})
	sess.AppendTurn(statex.TurnRecord{Role: "agent", Text: "Here are two doctors", At: now})

	summary := summarizeSession(sess)
	if summary["stage"] != string(statex.StageSlotFilling) {
		t.Fatalf("unexpected stage: %v", summary["stage"])
	}
	offered, ok := summary["offered"].([]string)
	if !ok || len(offered) != 2 {
		t.Fatalf("unexpected offers: %#v", summary["offered"])
	}
	if offered[0] != "1. Dr. Meera Iyer (Cardiology)" {
		t.Fatalf("unexpected offer label: %s", offered[0])
	}
	turns, ok := summary["recent_turns"].([]string)
	if !ok || len(turns) != 2 {
		t.Fatalf("unexpected history: %#v", summary["recent_turns"])
	}
}

func TestSummarizeSessionNil(t *testing.T) {
	t.Parallel()

	if got := summarizeSession(nil); len(got) != 0 {
		t.Fatalf("expected empty summary, got %#v", got)
	}
}
