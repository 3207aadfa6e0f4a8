package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"

	"github.com/i474232898/pollen-aggregation/internal/cache"
	"github.com/i474232898/pollen-aggregation/internal/ingest"
	"github.com/i474232898/pollen-aggregation/internal/observability"
	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

var validate = validator.New()

// Ingester runs ingest jobs.
type Ingester interface {
	Run(ctx context.Context, req ingest.Request) (ingest.Result, error)
	RunForecast(ctx context.Context, req ingest.ForecastRequest) (ingest.Result, error)
}

// CityCatalog is the read side of the city catalog.
type CityCatalog interface {
	All() []pollen.City
	Filter(slug string) []pollen.City
	Lookup(slug string) (pollen.City, bool)
}

// Dependencies are the collaborators the handlers need.
type Dependencies struct {
	Service  *pollen.Service
	Ingester Ingester
	Catalog  CityCatalog
	Forecast pollen.ForecastProvider

	// Cache stores read responses for CacheTTL; nil disables caching.
	Cache    cache.Cache
	CacheTTL time.Duration

	IngestToken string
	CronHeaders []string
	CronHours   int

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type handlers struct {
	Dependencies
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Dependencies) {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.CronHours <= 0 {
		deps.CronHours = ingest.CronHours
	}
	h := &handlers{deps}

	v1 := app.Group("/api/v1")

	cached := responseCache(deps.Cache, deps.CacheTTL, deps.Metrics)
	v1.Get("/pollen", cached, h.pollen)
	v1.Get("/map-data", cached, h.mapData)
	v1.Get("/city-type-matrix", cached, h.cityTypeMatrix)
	v1.Get("/city-plants", cached, h.cityPlants)
	v1.Get("/available-dates", cached, h.availableDates)
	v1.Get("/latest-date", h.latestDate)
	v1.Get("/cities", h.cities)
	v1.Get("/ingest-logs", h.ingestLogs)
	v1.Get("/google-pollen", h.googlePollen)

	v1.Post("/ingest", requireIngestToken(deps.IngestToken), h.ingest)
	v1.Post("/ingest-google", requireIngestToken(deps.IngestToken), h.ingestGoogle)
	v1.Get("/cron/daily-ingest", requireCronOrToken(deps.IngestToken, deps.CronHeaders, deps.Logger), h.cronIngest)
}

type pollenQuery struct {
	City string `query:"city"`
	Date string `query:"date" validate:"omitempty,datetime=2006-01-02"`
	Days int    `query:"days" validate:"gte=0,lte=365"`
}

func (h *handlers) pollen(c *fiber.Ctx) error {
	var q pollenQuery
	if err := bindQuery(c, &q); err != nil {
		return err
	}
	ctx := c.UserContext()

	switch {
	case q.City != "" && q.Date != "":
		rows, stats, err := h.Service.HourlyByCityDate(ctx, q.City, q.Date)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"city": q.City, "date": q.Date, "rows": rows, "stats": stats})
	case q.Date != "":
		rows, err := h.Service.DailyByDate(ctx, q.Date)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"date": q.Date, "rows": rows})
	case q.City != "":
		rows, err := h.Service.DailyByCity(ctx, q.City, q.Days)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"city": q.City, "rows": rows})
	default:
		return pollen.NewValidationError("query", "city or date is required")
	}
}

type dateQuery struct {
	Date string `query:"date" validate:"required,datetime=2006-01-02"`
}

func (h *handlers) mapData(c *fiber.Ctx) error {
	var q dateQuery
	if err := bindQuery(c, &q); err != nil {
		return err
	}
	fc, err := h.Service.MapData(c.UserContext(), q.Date)
	if err != nil {
		return err
	}
	return c.JSON(fc)
}

type cityDaysQuery struct {
	City string `query:"city" validate:"required"`
	Days int    `query:"days" validate:"gte=0,lte=365"`
}

func (h *handlers) cityTypeMatrix(c *fiber.Ctx) error {
	q := cityDaysQuery{Days: 60}
	if err := bindQuery(c, &q); err != nil {
		return err
	}
	rows, err := h.Service.CityTypeMatrix(c.UserContext(), q.City, q.Days)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"city": q.City, "rows": rows})
}

func (h *handlers) cityPlants(c *fiber.Ctx) error {
	q := cityDaysQuery{Days: 90}
	if err := bindQuery(c, &q); err != nil {
		return err
	}
	rows, err := h.Service.CityPlants(c.UserContext(), q.City, q.Days)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"city": q.City, "rows": rows})
}

func (h *handlers) availableDates(c *fiber.Ctx) error {
	dates, err := h.Service.AvailableDates(c.UserContext(), 365)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"dates": dates})
}

func (h *handlers) latestDate(c *fiber.Ctx) error {
	date, err := h.Service.LatestDate(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"date": date})
}

type cityEntry struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

func (h *handlers) cities(c *fiber.Ctx) error {
	all := h.Catalog.All()
	out := make([]cityEntry, 0, len(all))
	for _, city := range all {
		out = append(out, cityEntry{Name: city.Name, Slug: city.Slug})
	}
	return c.JSON(fiber.Map{"cities": out})
}

type logsQuery struct {
	Limit int `query:"limit"`
}

func (h *handlers) ingestLogs(c *fiber.Ctx) error {
	q := logsQuery{Limit: 20}
	if err := bindQuery(c, &q); err != nil {
		return err
	}
	q.Limit = min(max(q.Limit, 1), 200)

	logs, err := h.Service.IngestLogs(c.UserContext(), q.Limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"logs": logs})
}

type googlePollenQuery struct {
	City string   `query:"city"`
	Lat  *float64 `query:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lon  *float64 `query:"lon" validate:"omitempty,gte=-180,lte=180"`
	Date string   `query:"date" validate:"omitempty,datetime=2006-01-02"`
}

type forecastSummary struct {
	GrassIndex *int `json:"grass_index"`
	TreeIndex  *int `json:"tree_index"`
	WeedIndex  *int `json:"weed_index"`
}

// googlePollen proxies a live forecast lookup for a coordinate or a
// catalog city and returns the requested (or first) day.
func (h *handlers) googlePollen(c *fiber.Ctx) error {
	if h.Forecast == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "forecast provider not configured")
	}
	var q googlePollenQuery
	if err := bindQuery(c, &q); err != nil {
		return err
	}

	var lat, lon float64
	switch {
	case q.Lat != nil && q.Lon != nil:
		lat, lon = *q.Lat, *q.Lon
	case q.City != "":
		city, ok := h.Catalog.Lookup(q.City)
		if !ok {
			return fmt.Errorf("city %q: %w", q.City, pollen.ErrNotFound)
		}
		lat, lon = city.Lat, city.Lon
	default:
		return pollen.NewValidationError("query", "lat and lon or city is required")
	}

	days, err := h.Forecast.FetchForecast(c.UserContext(), lat, lon)
	if err != nil {
		return err
	}
	if len(days) == 0 {
		return fiber.NewError(fiber.StatusNotFound, "no forecast days returned")
	}
	selected := days[0]
	for _, d := range days {
		if q.Date != "" && d.DateKey() == q.Date {
			selected = d
			break
		}
	}

	plants := selected.Plants
	if plants == nil {
		plants = []pollen.Plant{}
	}
	return c.JSON(fiber.Map{
		"lat":  lat,
		"lon":  lon,
		"date": selected.DateKey(),
		"summary": forecastSummary{
			GrassIndex: selected.Grass,
			TreeIndex:  selected.Tree,
			WeedIndex:  selected.Weed,
		},
		"plants": plants,
	})
}

type ingestQuery struct {
	City  string `query:"city"`
	Dry   bool   `query:"dry"`
	Hours *int   `query:"hours"`
	From  string `query:"from"`
	To    string `query:"to"`
	Date  string `query:"date" validate:"omitempty,datetime=2006-01-02"`
}

func (h *handlers) ingest(c *fiber.Ctx) error {
	var q ingestQuery
	if err := bindQuery(c, &q); err != nil {
		return err
	}
	window, err := ingest.ResolveWindow(ingest.WindowParams{
		From:  q.From,
		To:    q.To,
		Date:  q.Date,
		Hours: q.Hours,
	}, h.Clock.Now())
	if err != nil {
		return err
	}
	targets, err := h.targets(q.City)
	if err != nil {
		return err
	}

	res, err := h.Ingester.Run(c.UserContext(), ingest.Request{
		Job:    ingest.JobManual,
		Cities: targets,
		Window: window,
		DryRun: q.Dry,
	})
	if err != nil {
		return err
	}
	return c.Status(res.HTTPStatus()).JSON(res)
}

type ingestGoogleQuery struct {
	City string `query:"city"`
	Dry  bool   `query:"dry"`
	Date string `query:"date" validate:"omitempty,datetime=2006-01-02"`
}

func (h *handlers) ingestGoogle(c *fiber.Ctx) error {
	var q ingestGoogleQuery
	if err := bindQuery(c, &q); err != nil {
		return err
	}
	targets, err := h.targets(q.City)
	if err != nil {
		return err
	}

	res, err := h.Ingester.RunForecast(c.UserContext(), ingest.ForecastRequest{
		Job:    ingest.JobForecast,
		Cities: targets,
		Date:   q.Date,
		DryRun: q.Dry,
	})
	if err != nil {
		return err
	}
	return c.Status(res.HTTPStatus()).JSON(res)
}

func (h *handlers) cronIngest(c *fiber.Ctx) error {
	window, err := ingest.ResolveWindow(ingest.WindowParams{Hours: &h.CronHours}, h.Clock.Now())
	if err != nil {
		return err
	}
	res, err := h.Ingester.Run(c.UserContext(), ingest.Request{
		Job:    ingest.JobCron,
		Cities: h.Catalog.All(),
		Window: window,
	})
	if err != nil {
		return err
	}
	return c.Status(res.HTTPStatus()).JSON(res)
}

// targets returns the whole catalog, or only the city matching slug. An
// empty catalog is passed through so the run records the failure.
func (h *handlers) targets(slug string) ([]pollen.City, error) {
	all := h.Catalog.All()
	if slug == "" || len(all) == 0 {
		return all, nil
	}
	matched := h.Catalog.Filter(slug)
	if len(matched) == 0 {
		return nil, pollen.NewValidationError("city", "no city matches %q", slug)
	}
	return matched, nil
}

func bindQuery(c *fiber.Ctx, out any) error {
	if err := c.QueryParser(out); err != nil {
		return pollen.NewValidationError("query", "%s", err.Error())
	}
	if err := validate.Struct(out); err != nil {
		return pollen.NewValidationError("query", "%s", err.Error())
	}
	return nil
}
