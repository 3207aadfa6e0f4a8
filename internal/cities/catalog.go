// Package cities loads the GeoJSON catalog of cities that ingest jobs sweep.
package cities

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Properties struct {
		Name    string `json:"name"`
		State   string `json:"state"`
		Country string `json:"country"`
	} `json:"properties"`
	Geometry *struct {
		Type        string    `json:"type"`
		Coordinates []float64 `json:"coordinates"`
	} `json:"geometry"`
}

// Catalog is a concurrency-safe, reloadable set of cities keyed by slug.
type Catalog struct {
	mu     sync.RWMutex
	cities []pollen.City
	bySlug map[string]pollen.City

	path     string
	geocoder Geocoder
	logger   *slog.Logger
}

// New returns an empty catalog backed by the GeoJSON file at path.
// geo may be nil, in which case features without coordinates are skipped.
func New(path string, geo Geocoder, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		path:     path,
		geocoder: geo,
		logger:   logger,
		bySlug:   map[string]pollen.City{},
	}
}

// NewStatic builds a catalog from an in-memory list.
func NewStatic(cities []pollen.City) *Catalog {
	c := New("", nil, nil)
	c.replace(cities)
	return c
}

// Load reads and parses the catalog file, replacing the current contents
// only on success.
func (c *Catalog) Load(ctx context.Context) error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read city catalog: %w", err)
	}
	cities, err := Parse(ctx, data, c.geocoder, c.logger)
	if err != nil {
		return err
	}
	c.replace(cities)
	c.logger.Info("city catalog loaded", "path", c.path, "cities", len(cities))
	return nil
}

func (c *Catalog) replace(cities []pollen.City) {
	bySlug := make(map[string]pollen.City, len(cities))
	for _, city := range cities {
		bySlug[city.Slug] = city
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cities = cities
	c.bySlug = bySlug
}

// Parse decodes a GeoJSON FeatureCollection into cities. Duplicate slugs keep
// the first feature.
func Parse(ctx context.Context, data []byte, geo Geocoder, logger *slog.Logger) ([]pollen.City, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var fc featureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("decode city catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(fc.Features))
	cities := make([]pollen.City, 0, len(fc.Features))
	for _, f := range fc.Features {
		name := strings.TrimSpace(f.Properties.Name)
		slug := Slugify(name)
		if slug == "" {
			continue
		}
		if _, dup := seen[slug]; dup {
			continue
		}

		city := pollen.City{Name: name, Slug: slug}
		if f.Geometry != nil && len(f.Geometry.Coordinates) >= 2 {
			city.Lon, city.Lat = f.Geometry.Coordinates[0], f.Geometry.Coordinates[1]
		} else if geo != nil {
			lat, lon, err := geo.Geocode(ctx, Place{Name: name, State: f.Properties.State, Country: f.Properties.Country})
			if err != nil {
				logger.Warn("geocoding failed; city skipped", "city", name, "error", err)
				continue
			}
			city.Lat, city.Lon = lat, lon
		} else {
			logger.Warn("city has no coordinates; skipped", "city", name)
			continue
		}

		seen[slug] = struct{}{}
		cities = append(cities, city)
	}
	return cities, nil
}

// All returns a copy of the catalog in file order.
func (c *Catalog) All() []pollen.City {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.cities)
}

// Lookup implements pollen.Locator.
func (c *Catalog) Lookup(slug string) (pollen.City, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	city, ok := c.bySlug[slug]
	return city, ok
}

// Filter returns the cities whose slug equals slug, or every city when slug is empty.
func (c *Catalog) Filter(slug string) []pollen.City {
	if slug == "" {
		return c.All()
	}
	if city, ok := c.Lookup(slug); ok {
		return []pollen.City{city}
	}
	return nil
}

// Len reports the number of cities.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cities)
}

// Slugify lowercases name, collapses every run of characters outside
// [a-z0-9] into a single dash and trims dashes at both ends.
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	dash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.Trim(b.String(), "-")
}
