package tool

import (
	"context"
	"errors"
	"regexp"
	"testing"

	contractx "github.com/caresched/medibot/agent/contract"
)

func noopHandler(ctx context.Context, args map[string]any) (contractx.ToolResult, error) {
	return contractx.ToolResult{}, nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := reg.Register(&Tool{Name: "a.one", Handler: noopHandler}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Register(&Tool{Name: "a.two", Handler: noopHandler}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reg.Has("a.one") {
		t.Fatal("expected a.one to be registered")
	}
	if reg.Has("a.three") {
		t.Fatal("a.three must not be registered")
	}
	if got := reg.Count(); got != 2 {
		t.Fatalf("unexpected count: %d", got)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "a.one" || names[1] != "a.two" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := reg.Register(&Tool{Name: "a.one", Handler: noopHandler}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := reg.Register(&Tool{Name: "a.one", Handler: noopHandler})
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
}

func TestRegistryRejectsInvalidTools(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := reg.Register(nil); !errors.Is(err, ErrNilTool) {
		t.Fatalf("expected ErrNilTool, got %v", err)
	}
	if err := reg.Register(&Tool{Handler: noopHandler}); !errors.Is(err, ErrToolNameEmpty) {
		t.Fatalf("expected ErrToolNameEmpty, got %v", err)
	}
	if err := reg.Register(&Tool{Name: "a.one"}); !errors.Is(err, ErrToolHandlerNil) {
		t.Fatalf("expected ErrToolHandlerNil, got %v", err)
	}
}

func TestArgSpecValidate(t *testing.T) {
	t.Parallel()

	spec := ArgSpec{
		"phone":  {Kind: FieldString, Required: true, Pattern: regexp.MustCompile(`^\d{10}$`)},
		"age":    {Kind: FieldInt, Required: true, Min: 1, Max: 120},
		"gender": {Kind: FieldString, Required: true, Enum: []string{"Male", "Female"}},
		"note":   {Kind: FieldString, MaxLen: 10},
	}

	valid := map[string]any{
		"phone":  "9876543210",
		"age":    float64(34), // JSON numbers decode to float64
		"gender": "Female",
	}
	if err := spec.Validate(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{"phone": "9876543210", "age": 34}},
		{"unexpected argument", map[string]any{"phone": "9876543210", "age": 34, "gender": "Male", "extra": "x"}},
		{"pattern mismatch", map[string]any{"phone": "98-76-54", "age": 34, "gender": "Male"}},
		{"enum mismatch", map[string]any{"phone": "9876543210", "age": 34, "gender": "other"}},
		{"int out of range", map[string]any{"phone": "9876543210", "age": 400, "gender": "Male"}},
		{"fractional int", map[string]any{"phone": "9876543210", "age": 33.5, "gender": "Male"}},
		{"wrong type", map[string]any{"phone": 9876543210, "age": 34, "gender": "Male"}},
		{"over max length", map[string]any{"phone": "9876543210", "age": 34, "gender": "Male", "note": "0123456789ab"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := spec.Validate(tc.args)
			if !errors.Is(err, contractx.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestArgSpecAcceptsStringIntegers(t *testing.T) {
	t.Parallel()

	spec := ArgSpec{"doctor_id": {Kind: FieldInt, Required: true, Min: 1}}
	if err := spec.Validate(map[string]any{"doctor_id": "42"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := IntArg(map[string]any{"doctor_id": "42"}, "doctor_id"); got != 42 {
		t.Fatalf("unexpected value: %d", got)
	}
}
