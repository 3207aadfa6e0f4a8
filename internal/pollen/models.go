package pollen

import (
	"encoding/json"
	"time"
)

// Source identifies the upstream provider a Reading came from.
type Source string

const (
	SourceAmbee  Source = "ambee"
	SourceGoogle Source = "google"
)

// DateLayout is the calendar-date key used for daily grouping (UTC).
const DateLayout = "2006-01-02"

// Reading is one observation of pollen counts for a city at an hour (ambee)
// or a calendar day (google, stored at UTC midnight).
type Reading struct {
	City       string    `json:"city"`
	Timestamp  time.Time `json:"ts"` // always UTC
	Source     Source    `json:"source"`
	IsForecast bool      `json:"is_forecast"`

	Tree  *int `json:"tree"`
	Grass *int `json:"grass"`
	Weed  *int `json:"weed"`
	Total *int `json:"total"`

	RiskTree  *string `json:"risk_tree"`
	RiskGrass *string `json:"risk_grass"`
	RiskWeed  *string `json:"risk_weed"`

	Timezone *string         `json:"timezone"`
	Species  json.RawMessage `json:"species,omitempty"`
	Plants   []Plant         `json:"plants,omitempty"`
}

// DateKey returns the UTC calendar date of the reading.
func (r Reading) DateKey() string {
	return DateKey(r.Timestamp)
}

// EffectiveTotal is the explicit total when present, else the sum of the
// present categories. Nil when nothing was observed.
func (r Reading) EffectiveTotal() *int {
	if r.Total != nil {
		return r.Total
	}
	if r.Tree == nil && r.Grass == nil && r.Weed == nil {
		return nil
	}
	sum := valueOrZero(r.Tree) + valueOrZero(r.Grass) + valueOrZero(r.Weed)
	return &sum
}

// StoredTotal is the total persisted for a reading: the explicit total, or the
// category sum with missing values treated as zero.
func (r Reading) StoredTotal() int {
	if r.Total != nil {
		return *r.Total
	}
	return valueOrZero(r.Tree) + valueOrZero(r.Grass) + valueOrZero(r.Weed)
}

func (r Reading) source() Source { return r.Source }
func (r Reading) forecast() bool { return r.IsForecast }

// Plant is plant-level forecast detail returned by the Google Pollen API.
type Plant struct {
	Code        string `json:"code,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Type        string `json:"type,omitempty"`
	Index       *int   `json:"index"`
	Category    string `json:"category,omitempty"`
	InSeason    *bool  `json:"inSeason"`
	Family      string `json:"family,omitempty"`
	Season      string `json:"season,omitempty"`
}

// City is an ingest target from the city catalog.
type City struct {
	Name string  `json:"name"`
	Slug string  `json:"slug"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// DailySummary is the mean of a city's hourly readings for one UTC date.
type DailySummary struct {
	City     string  `json:"city,omitempty"`
	Date     string  `json:"date"`
	AvgTree  *int    `json:"avg_tree"`
	AvgGrass *int    `json:"avg_grass"`
	AvgWeed  *int    `json:"avg_weed"`
	AvgTotal *int    `json:"avg_total"`
	Timezone *string `json:"timezone"`
}

// HourlyReading is the presentation shape of one stored hourly row.
type HourlyReading struct {
	Timestamp time.Time       `json:"ts"`
	Timezone  *string         `json:"timezone"`
	Source    Source          `json:"source"`
	Tree      *int            `json:"tree"`
	Grass     *int            `json:"grass"`
	Weed      *int            `json:"weed"`
	Total     *int            `json:"total"`
	RiskTree  *string         `json:"risk_tree"`
	RiskGrass *string         `json:"risk_grass"`
	RiskWeed  *string         `json:"risk_weed"`
	Species   json.RawMessage `json:"species"`
}

// PeakStats summarizes the samples of a single selected day.
type PeakStats struct {
	MaxTree     int  `json:"max_tree"`
	MaxGrass    int  `json:"max_grass"`
	MaxWeed     int  `json:"max_weed"`
	MaxTotal    int  `json:"max_total"`
	TotalCount  int  `json:"total_count"`
	SampleCount int  `json:"sample_count"`
	AvgTotal    *int `json:"avg_total"`
}

// CategoryValues holds one optional value per pollen category.
type CategoryValues struct {
	Tree  *int `json:"tree"`
	Grass *int `json:"grass"`
	Weed  *int `json:"weed"`
}

// RiskLabels holds the worst risk label per category.
type RiskLabels struct {
	Tree  *string `json:"tree"`
	Grass *string `json:"grass"`
	Weed  *string `json:"weed"`
}

// CityTypeMatrixRow compares a day's daily maxima with the following two days.
type CityTypeMatrixRow struct {
	Date string         `json:"date"`
	Day0 CategoryValues `json:"day0"`
	Day1 CategoryValues `json:"day1"`
	Day2 CategoryValues `json:"day2"`
}

// SeriesPoint is one day of a map feature's forward-looking series.
type SeriesPoint struct {
	Date  string `json:"date"`
	Tree  *int   `json:"tree"`
	Grass *int   `json:"grass"`
	Weed  *int   `json:"weed"`
	Total *int   `json:"total"`
}

// MapFeatureProperties is the properties object of a map GeoJSON feature.
type MapFeatureProperties struct {
	City       string        `json:"city"`
	Count      *int          `json:"count"`
	IsForecast bool          `json:"is_forecast"`
	Source     Source        `json:"source"`
	Tree       *int          `json:"tree"`
	Grass      *int          `json:"grass"`
	Weed       *int          `json:"weed"`
	TopPlants  []Plant       `json:"top_plants"`
	Series     []SeriesPoint `json:"series"`
	Risk       RiskLabels    `json:"risk"`
}

// PointGeometry is a GeoJSON point; coordinates are [lon, lat].
type PointGeometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// MapFeature is a GeoJSON feature for one city.
type MapFeature struct {
	Type       string               `json:"type"`
	Properties MapFeatureProperties `json:"properties"`
	Geometry   PointGeometry        `json:"geometry"`
}

// FeatureCollection is the GeoJSON envelope returned by the map endpoint.
type FeatureCollection struct {
	Type     string       `json:"type"`
	Features []MapFeature `json:"features"`
}

// PlantDay lists the forecast plants recorded for a city on one date.
type PlantDay struct {
	Date   string  `json:"date"`
	Plants []Plant `json:"plants"`
}

// IngestLogEntry is one immutable row of the ingest log.
type IngestLogEntry struct {
	ID      int64           `json:"id,omitempty"`
	TS      time.Time       `json:"ts"`
	Job     string          `json:"job"`
	Status  string          `json:"status"`
	Details json.RawMessage `json:"details"`
}

// ProviderUsage records how many metered upstream calls a job made.
type ProviderUsage struct {
	TS    time.Time       `json:"ts"`
	Job   string          `json:"job"`
	JobID string          `json:"jobId"`
	Calls int             `json:"calls"`
	Notes json.RawMessage `json:"notes,omitempty"`
}

// DateKey formats t as a UTC calendar date.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD date as UTC midnight.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// String returns a pointer to s.
func String(s string) *string { return &s }

func valueOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
