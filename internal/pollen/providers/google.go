package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"

	"github.com/i474232898/pollen-aggregation/internal/observability"
	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

const (
	googleName    = "google"
	googleBaseURL = "https://pollen.googleapis.com/v1"
	forecastDays  = 5
)

// GoogleProvider implements pollen.ForecastProvider for the Google Pollen API.
type GoogleProvider struct {
	name    string
	baseURL string
	apiKey  string
	mock    bool
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	metrics *observability.Metrics
	clock   clockwork.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

func NewGoogleProvider(client *http.Client, cfg Config) *GoogleProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = googleBaseURL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &GoogleProvider{
		name:    googleName,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		mock:    cfg.APIKey == "" || cfg.UseMock,
		httpCfg: httpConfig(client, cfg.Backoff),
		circuit: newBreaker(googleName),
		metrics: cfg.Metrics,
		clock:   clock,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x85ebca6b)),
	}
}

func (p *GoogleProvider) Name() string {
	return p.name
}

func (p *GoogleProvider) Mocked() bool {
	return p.mock
}

type googleIndexInfo struct {
	Value    *int   `json:"value"`
	Category string `json:"category"`
}

type googlePlant struct {
	Code             string           `json:"code"`
	DisplayName      string           `json:"displayName"`
	InSeason         *bool            `json:"inSeason"`
	IndexInfo        *googleIndexInfo `json:"indexInfo"`
	PlantDescription *struct {
		Type   string `json:"type"`
		Family string `json:"family"`
		Season string `json:"season"`
	} `json:"plantDescription"`
}

type googleDay struct {
	Date struct {
		Year  int `json:"year"`
		Month int `json:"month"`
		Day   int `json:"day"`
	} `json:"date"`
	PollenTypeInfo []struct {
		Code      string           `json:"code"`
		IndexInfo *googleIndexInfo `json:"indexInfo"`
	} `json:"pollenTypeInfo"`
	PlantInfo []googlePlant `json:"plantInfo"`
}

func (p *GoogleProvider) FetchForecast(ctx context.Context, lat, lon float64) ([]pollen.Reading, error) {
	if p.mock {
		return p.mockForecast(), nil
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("location.latitude", strconv.FormatFloat(lat, 'f', -1, 64))
		values.Set("location.longitude", strconv.FormatFloat(lon, 'f', -1, 64))
		values.Set("days", strconv.Itoa(forecastDays))
		values.Set("key", p.apiKey)

		u := fmt.Sprintf("%s/forecast:lookup?%s", p.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	observe(p.metrics, p.name, err)
	if err != nil {
		return nil, upstreamError(p.name, err)
	}
	defer resp.Body.Close()

	var payload struct {
		DailyInfo []googleDay   `json:"dailyInfo"`
		PlantInfo []googlePlant `json:"plantInfo"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, upstreamError(p.name, fmt.Errorf("decode response: %w", err))
	}

	today := p.today()
	readings := make([]pollen.Reading, 0, len(payload.DailyInfo))
	for _, d := range payload.DailyInfo {
		ts := today
		if d.Date.Year > 0 {
			ts = time.Date(d.Date.Year, time.Month(d.Date.Month), d.Date.Day, 0, 0, 0, 0, time.UTC)
		}

		r := pollen.Reading{Timestamp: ts, Source: pollen.SourceGoogle, IsForecast: true}
		for _, info := range d.PollenTypeInfo {
			if info.IndexInfo == nil {
				continue
			}
			category := nonEmpty(info.IndexInfo.Category)
			switch info.Code {
			case "TREE":
				r.Tree, r.RiskTree = info.IndexInfo.Value, category
			case "GRASS":
				r.Grass, r.RiskGrass = info.IndexInfo.Value, category
			case "WEED":
				r.Weed, r.RiskWeed = info.IndexInfo.Value, category
			}
		}
		r.Total = r.EffectiveTotal()

		plants := d.PlantInfo
		if len(plants) == 0 {
			plants = payload.PlantInfo
		}
		r.Plants = convertPlants(plants)
		readings = append(readings, r)
	}
	return readings, nil
}

func convertPlants(in []googlePlant) []pollen.Plant {
	if len(in) == 0 {
		return nil
	}
	out := make([]pollen.Plant, 0, len(in))
	for _, gp := range in {
		p := pollen.Plant{
			Code:        gp.Code,
			DisplayName: gp.DisplayName,
			InSeason:    gp.InSeason,
		}
		if gp.IndexInfo != nil {
			p.Index = gp.IndexInfo.Value
			p.Category = gp.IndexInfo.Category
		}
		if gp.PlantDescription != nil {
			p.Type = gp.PlantDescription.Type
			p.Family = gp.PlantDescription.Family
			p.Season = gp.PlantDescription.Season
		}
		out = append(out, p)
	}
	return out
}

func (p *GoogleProvider) today() time.Time {
	now := p.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// mockForecast generates five days starting today.
func (p *GoogleProvider) mockForecast() []pollen.Reading {
	p.mu.Lock()
	defer p.mu.Unlock()

	inSeason := true
	today := p.today()
	out := make([]pollen.Reading, 0, forecastDays)
	for i := 0; i < forecastDays; i++ {
		r := pollen.Reading{
			Timestamp:  today.AddDate(0, 0, i),
			Source:     pollen.SourceGoogle,
			IsForecast: true,
			Tree:       pollen.Int(p.rng.IntN(5)),
			Grass:      pollen.Int(p.rng.IntN(5)),
			Weed:       pollen.Int(p.rng.IntN(5)),
			Plants: []pollen.Plant{
				{Code: "RAGWEED", DisplayName: "Ragweed", Type: "WEED", Index: pollen.Int(p.rng.IntN(5)), Category: "Moderate", InSeason: &inSeason},
				{Code: "OAK", DisplayName: "Oak", Type: "TREE", Index: pollen.Int(p.rng.IntN(5)), Category: "Low", InSeason: &inSeason},
				{Code: "GRAMINALES", DisplayName: "Grasses", Type: "GRASS", Index: pollen.Int(p.rng.IntN(5)), Category: "Low", InSeason: &inSeason},
			},
		}
		r.Total = r.EffectiveTotal()
		out = append(out, r)
	}
	return out
}
