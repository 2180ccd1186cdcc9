// Package recommend is the HTTP bridge to the specialty recommendation
// service. The service ranks likely specialties for a symptom description;
// it never names doctors, and its hints are advisory only. A store read must
// still back anything the agent tells the user.
package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	contractx "github.com/caresched/medibot/agent/contract"
	"github.com/caresched/medibot/store"
)

const (
	recommendPath = "/v1/recommend"

	// topHints caps how many specialties one symptom can suggest.
	topHints = 3

	maxResponseSizeBytes = 1 << 20
)

type Config struct {
	URL     string        `split_words:"true" required:"true"`
	Token   string        `split_words:"true"`
	Timeout time.Duration `split_words:"true" default:"5s"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		return nil, errors.New("recommender url is required")
	}

	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

type recommendRequest struct {
	Symptom string `json:"symptom"`
	TopK    int    `json:"top_k"`
}

type recommendResponse struct {
	Recommendations []struct {
		Specialty  string  `json:"specialty"`
		Confidence float64 `json:"confidence"`
	} `json:"recommendations"`
}

// Recommend asks the service for likely specialties. Hints whose specialty
// the clinic does not serve are dropped; the rest come back canonicalized
// and ordered by confidence.
func (c *Client) Recommend(ctx context.Context, symptom string) ([]contractx.SpecialtyHint, error) {
	payload, err := json.Marshal(recommendRequest{
		Symptom: strings.TrimSpace(symptom),
		TopK:    topHints,
	})
	if err != nil {
		return nil, fmt.Errorf("recommender: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+recommendPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("recommender: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recommender: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("recommender: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recommender: unexpected status %d", resp.StatusCode)
	}

	var decoded recommendResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("recommender: decode response: %w", err)
	}

	hints := make([]contractx.SpecialtyHint, 0, len(decoded.Recommendations))
	for _, rec := range decoded.Recommendations {
		canonical, ok := store.MatchSpecialty(rec.Specialty)
		if !ok {
			continue
		}
		hints = append(hints, contractx.SpecialtyHint{
			Specialty:  canonical,
			Confidence: rec.Confidence,
		})
	}
	sort.SliceStable(hints, func(i, j int) bool {
		return hints[i].Confidence > hints[j].Confidence
	})
	if len(hints) > topHints {
		hints = hints[:topHints]
	}
	return hints, nil
}
