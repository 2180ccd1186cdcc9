package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClientRequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for missing url")
	}
	if _, err := NewClient(Config{URL: "::not-a-url"}); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestRecommendFiltersAndCanonicalizesHints(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != recommendPath {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected authorization header: %q", got)
		}

		var req recommendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Symptom != "chest pain when climbing stairs" {
			t.Fatalf("unexpected symptom: %q", req.Symptom)
		}

		fmt.Fprint(w, `{"recommendations":[
			{"specialty":"astrology","confidence":0.9},
			{"specialty":"cardiology","confidence":0.8},
			{"specialty":"general physician","confidence":0.4}
		]}`)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{URL: server.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	hints, err := client.Recommend(context.Background(), "chest pain when climbing stairs")
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	if len(hints) != 2 {
		t.Fatalf("unexpected hint count: %d", len(hints))
	}
	if hints[0].Specialty != "Cardiology" || hints[0].Confidence != 0.8 {
		t.Fatalf("unexpected first hint: %+v", hints[0])
	}
	if hints[1].Specialty != "General Physician" {
		t.Fatalf("unexpected second hint: %+v", hints[1])
	}
}

func TestRecommendSortsByConfidence(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"recommendations":[
			{"specialty":"Dermatology","confidence":0.2},
			{"specialty":"Cardiology","confidence":0.9},
			{"specialty":"Neurology","confidence":0.5},
			{"specialty":"Orthopedics","confidence":0.7}
		]}`)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{URL: server.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	hints, err := client.Recommend(context.Background(), "everything hurts")
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	if len(hints) != topHints {
		t.Fatalf("unexpected hint count: %d", len(hints))
	}
	if hints[0].Specialty != "Cardiology" || hints[1].Specialty != "Orthopedics" || hints[2].Specialty != "Neurology" {
		t.Fatalf("unexpected order: %+v", hints)
	}
}

func TestRecommendRejectsUpstreamFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{URL: server.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := client.Recommend(context.Background(), "headache"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestRecommendRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"recommendations": "nope"`)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{URL: server.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := client.Recommend(context.Background(), "headache"); err == nil {
		t.Fatal("expected decode error")
	}
}
