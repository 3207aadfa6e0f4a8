package cities

import (
	"context"
	"fmt"
	"sync"

	"github.com/kelvins/geocoder"
)

// Place identifies a city to resolve to coordinates.
type Place struct {
	Name    string
	State   string
	Country string
}

// Geocoder resolves a place to latitude and longitude.
type Geocoder interface {
	Geocode(ctx context.Context, p Place) (lat, lon float64, err error)
}

// GoogleGeocoder resolves places through the Google Geocoding API.
type GoogleGeocoder struct {
	apiKey string
}

// geocoder keeps its API key in a package variable, so calls are serialized.
var geocoderMu sync.Mutex

func NewGoogleGeocoder(apiKey string) *GoogleGeocoder {
	return &GoogleGeocoder{apiKey: apiKey}
}

func (g *GoogleGeocoder) Geocode(ctx context.Context, p Place) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	geocoderMu.Lock()
	defer geocoderMu.Unlock()

	geocoder.ApiKey = g.apiKey
	loc, err := geocoder.Geocoding(geocoder.Address{
		City:    p.Name,
		State:   p.State,
		Country: p.Country,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("geocode %q: %w", p.Name, err)
	}
	return loc.Latitude, loc.Longitude, nil
}
