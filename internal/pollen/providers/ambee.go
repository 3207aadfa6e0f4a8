package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/pollen-aggregation/internal/observability"
	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

const (
	ambeeName    = "ambee"
	ambeeBaseURL = "https://api.ambeedata.com"
	// ambeeTimeLayout is the from/to format the history endpoint expects.
	ambeeTimeLayout = "2006-01-02 15:04:05"
)

// AmbeeProvider implements pollen.HourlyProvider for the Ambee history API.
// Without an API key it generates synthetic hourly readings.
type AmbeeProvider struct {
	name    string
	baseURL string
	apiKey  string
	mock    bool
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	metrics *observability.Metrics

	mu  sync.Mutex
	rng *rand.Rand
}

func NewAmbeeProvider(client *http.Client, cfg Config) *AmbeeProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = ambeeBaseURL
	}
	return &AmbeeProvider{
		name:    ambeeName,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		mock:    cfg.APIKey == "" || cfg.UseMock,
		httpCfg: httpConfig(client, cfg.Backoff),
		circuit: newBreaker(ambeeName),
		metrics: cfg.Metrics,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b9)),
	}
}

func (p *AmbeeProvider) Name() string {
	return p.name
}

// Mocked reports whether calls are served by the synthetic generator and so
// do not count against the upstream quota.
func (p *AmbeeProvider) Mocked() bool {
	return p.mock
}

// ambeeHour is one entry of the history response.
type ambeeHour struct {
	CreatedAt string `json:"createdAt"`
	Time      *int64 `json:"time"`
	Timezone  string `json:"timezone"`
	Count     struct {
		Grass *float64 `json:"grass_pollen"`
		Tree  *float64 `json:"tree_pollen"`
		Weed  *float64 `json:"weed_pollen"`
	} `json:"Count"`
	Risk struct {
		Grass string `json:"grass_pollen"`
		Tree  string `json:"tree_pollen"`
		Weed  string `json:"weed_pollen"`
	} `json:"Risk"`
	Species json.RawMessage `json:"Species"`
}

func (p *AmbeeProvider) FetchHourly(ctx context.Context, lat, lon float64, from, to time.Time) ([]pollen.Reading, error) {
	if p.mock {
		return p.mockHourly(from, to), nil
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
		values.Set("lng", strconv.FormatFloat(lon, 'f', -1, 64))
		values.Set("from", from.UTC().Format(ambeeTimeLayout))
		values.Set("to", to.UTC().Format(ambeeTimeLayout))

		u := fmt.Sprintf("%s/history/pollen/by-lat-lng?%s", p.baseURL, values.Encode())
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", p.apiKey)
		return req, nil
	}

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	observe(p.metrics, p.name, err)
	if err != nil {
		return nil, upstreamError(p.name, err)
	}
	defer resp.Body.Close()

	var payload struct {
		Data []ambeeHour `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, upstreamError(p.name, fmt.Errorf("decode response: %w", err))
	}

	readings := make([]pollen.Reading, 0, len(payload.Data))
	for _, h := range payload.Data {
		ts, ok := h.timestamp()
		if !ok {
			continue
		}
		readings = append(readings, pollen.Reading{
			Timestamp: ts,
			Source:    pollen.SourceAmbee,
			Tree:      roundPtr(h.Count.Tree),
			Grass:     roundPtr(h.Count.Grass),
			Weed:      roundPtr(h.Count.Weed),
			RiskTree:  nonEmpty(h.Risk.Tree),
			RiskGrass: nonEmpty(h.Risk.Grass),
			RiskWeed:  nonEmpty(h.Risk.Weed),
			Timezone:  nonEmpty(h.Timezone),
			Species:   rawOrNil(h.Species),
		})
	}
	return readings, nil
}

// timestamp prefers createdAt and falls back to the epoch seconds field.
func (h ambeeHour) timestamp() (time.Time, bool) {
	if h.CreatedAt != "" {
		for _, layout := range []string{time.RFC3339Nano, ambeeTimeLayout} {
			if ts, err := time.Parse(layout, h.CreatedAt); err == nil {
				return ts.UTC(), true
			}
		}
	}
	if h.Time != nil {
		return time.Unix(*h.Time, 0).UTC(), true
	}
	return time.Time{}, false
}

// mockHourly generates one reading per hour in [from, to).
func (p *AmbeeProvider) mockHourly(from, to time.Time) []pollen.Reading {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := from.UTC().Truncate(time.Hour)
	if start.Before(from) {
		start = start.Add(time.Hour)
	}

	var out []pollen.Reading
	for ts := start; ts.Before(to); ts = ts.Add(time.Hour) {
		species, _ := json.Marshal(map[string]map[string]int{"Weed": {"Ragweed": p.rng.IntN(40)}})
		out = append(out, pollen.Reading{
			Timestamp: ts,
			Source:    pollen.SourceAmbee,
			Tree:      pollen.Int(p.rng.IntN(20)),
			Grass:     pollen.Int(p.rng.IntN(20)),
			Weed:      pollen.Int(p.rng.IntN(40)),
			RiskTree:  pollen.String("Low"),
			RiskGrass: pollen.String("Low"),
			RiskWeed:  pollen.String("Moderate"),
			Timezone:  pollen.String("UTC"),
			Species:   species,
		})
	}
	return out
}

func rawOrNil(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}
