package pollen

import (
	"math"
	"sort"
	"time"
)

// mapWindowDays is how many days a map snapshot covers, base day included.
const mapWindowDays = 3

type meanAcc struct {
	sum float64
	n   int
}

func (a *meanAcc) add(v *int) {
	if v == nil {
		return
	}
	a.sum += float64(*v)
	a.n++
}

func (a meanAcc) mean() *int {
	if a.n == 0 {
		return nil
	}
	return Int(int(math.Round(a.sum / float64(a.n))))
}

type dailyAcc struct {
	city  string
	date  string
	tree  meanAcc
	grass meanAcc
	weed  meanAcc
	total meanAcc
	tz    *string
}

// DailyAverages rolls hourly readings up into one DailySummary per city and
// UTC date. Each category is averaged over the hours where it was present.
// Rows are ordered by city, newest date first.
func DailyAverages(readings []Reading) []DailySummary {
	accs := make(map[string]*dailyAcc)
	for _, r := range readings {
		key := r.City + "|" + r.DateKey()
		acc, ok := accs[key]
		if !ok {
			acc = &dailyAcc{city: r.City, date: r.DateKey()}
			accs[key] = acc
		}
		acc.tree.add(r.Tree)
		acc.grass.add(r.Grass)
		acc.weed.add(r.Weed)
		acc.total.add(r.EffectiveTotal())
		acc.tz = FirstNonEmpty(acc.tz, r.Timezone)
	}

	out := make([]DailySummary, 0, len(accs))
	for _, acc := range accs {
		out = append(out, DailySummary{
			City:     acc.city,
			Date:     acc.date,
			AvgTree:  acc.tree.mean(),
			AvgGrass: acc.grass.mean(),
			AvgWeed:  acc.weed.mean(),
			AvgTotal: acc.total.mean(),
			Timezone: acc.tz,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].City != out[j].City {
			return out[i].City < out[j].City
		}
		return out[i].Date > out[j].Date
	})
	return out
}

// ComputePeakStats summarizes one day of samples. Missing category values
// count as zero; the total falls back to the category sum.
func ComputePeakStats(readings []Reading) PeakStats {
	var s PeakStats
	for _, r := range readings {
		tree, grass, weed := valueOrZero(r.Tree), valueOrZero(r.Grass), valueOrZero(r.Weed)
		total := tree + grass + weed
		if r.Total != nil {
			total = *r.Total
		}
		s.MaxTree = max(s.MaxTree, tree)
		s.MaxGrass = max(s.MaxGrass, grass)
		s.MaxWeed = max(s.MaxWeed, weed)
		s.MaxTotal = max(s.MaxTotal, total)
		s.TotalCount += total
		s.SampleCount++
	}
	if s.SampleCount > 0 {
		s.AvgTotal = Int(int(math.Round(float64(s.TotalCount) / float64(s.SampleCount))))
	}
	return s
}

// DayBucket is the daily maximum of one city's readings from one source.
type DayBucket struct {
	City       string
	Date       string
	Source     Source
	IsForecast bool
	Values     CategoryValues
	Total      *int
	Risk       RiskLabels
	Plants     []Plant
}

func (b *DayBucket) source() Source { return b.Source }
func (b *DayBucket) forecast() bool { return b.IsForecast }

func (b *DayBucket) add(r Reading) {
	b.Values.Tree = MaxOf(b.Values.Tree, r.Tree)
	b.Values.Grass = MaxOf(b.Values.Grass, r.Grass)
	b.Values.Weed = MaxOf(b.Values.Weed, r.Weed)
	b.Total = MaxOf(b.Total, r.EffectiveTotal())
	b.Risk.Tree = PickHigherRisk(b.Risk.Tree, r.RiskTree)
	b.Risk.Grass = PickHigherRisk(b.Risk.Grass, r.RiskGrass)
	b.Risk.Weed = PickHigherRisk(b.Risk.Weed, r.RiskWeed)
	if len(b.Plants) == 0 && len(r.Plants) > 0 {
		b.Plants = r.Plants
	}
}

// BucketDaily groups readings per (city, UTC date, source) using the daily-max
// rule. Buckets are returned in order of first appearance.
func BucketDaily(readings []Reading) []*DayBucket {
	index := make(map[string]*DayBucket)
	var out []*DayBucket
	for _, r := range readings {
		key := r.City + "|" + r.DateKey() + "|" + string(r.Source)
		b, ok := index[key]
		if !ok {
			b = &DayBucket{City: r.City, Date: r.DateKey(), Source: r.Source, IsForecast: r.IsForecast}
			index[key] = b
			out = append(out, b)
		}
		b.add(r)
	}
	return out
}

// DailyMax collapses readings into one CategoryValues per UTC date regardless
// of source.
func DailyMax(readings []Reading) map[string]CategoryValues {
	out := make(map[string]CategoryValues)
	for _, r := range readings {
		v := out[r.DateKey()]
		v.Tree = MaxOf(v.Tree, r.Tree)
		v.Grass = MaxOf(v.Grass, r.Grass)
		v.Weed = MaxOf(v.Weed, r.Weed)
		out[r.DateKey()] = v
	}
	return out
}

// Locator resolves a city slug to its catalog entry.
type Locator interface {
	Lookup(slug string) (City, bool)
}

// BuildMapFeatures builds one feature per city that has data on the base day.
// Readings outside [base, base+3d) are ignored; cities the locator cannot
// place are skipped.
func BuildMapFeatures(base time.Time, readings []Reading, locate Locator) []MapFeature {
	days := dayKeys(base, mapWindowDays)
	inWindow := make(map[string]bool, len(days))
	for _, d := range days {
		inWindow[d] = true
	}

	var windowed []Reading
	for _, r := range readings {
		if inWindow[r.DateKey()] {
			windowed = append(windowed, r)
		}
	}

	byCity := make(map[string]map[string][]*DayBucket)
	for _, b := range BucketDaily(windowed) {
		if byCity[b.City] == nil {
			byCity[b.City] = make(map[string][]*DayBucket)
		}
		byCity[b.City][b.Date] = append(byCity[b.City][b.Date], b)
	}

	slugs := make([]string, 0, len(byCity))
	for slug := range byCity {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	features := make([]MapFeature, 0, len(slugs))
	for _, slug := range slugs {
		buckets := byCity[slug]
		canonical, ok := PreferNonForecast(buckets[days[0]])
		if !ok {
			continue
		}
		city, ok := locate.Lookup(slug)
		if !ok {
			continue
		}

		var risk RiskLabels
		for _, b := range buckets[days[0]] {
			risk.Tree = PickHigherRisk(risk.Tree, b.Risk.Tree)
			risk.Grass = PickHigherRisk(risk.Grass, b.Risk.Grass)
			risk.Weed = PickHigherRisk(risk.Weed, b.Risk.Weed)
		}

		series := make([]SeriesPoint, 0, len(days))
		for _, d := range days {
			p := SeriesPoint{Date: d}
			if b, ok := PreferNonForecast(buckets[d]); ok {
				p.Tree, p.Grass, p.Weed, p.Total = b.Values.Tree, b.Values.Grass, b.Values.Weed, b.Total
			}
			series = append(series, p)
		}

		features = append(features, MapFeature{
			Type: "Feature",
			Properties: MapFeatureProperties{
				City:       slug,
				Count:      canonical.Total,
				IsForecast: canonical.IsForecast,
				Source:     canonical.Source,
				Tree:       canonical.Values.Tree,
				Grass:      canonical.Values.Grass,
				Weed:       canonical.Values.Weed,
				TopPlants:  topPlants(buckets[days[0]], 3),
				Series:     series,
				Risk:       risk,
			},
			Geometry: PointGeometry{Type: "Point", Coordinates: [2]float64{city.Lon, city.Lat}},
		})
	}
	return features
}

// topPlants returns up to n plants with an index, highest index first, taken
// from the first forecast bucket that carries plant detail.
func topPlants(buckets []*DayBucket, n int) []Plant {
	for _, b := range buckets {
		var ranked []Plant
		for _, p := range b.Plants {
			if p.Index != nil {
				ranked = append(ranked, p)
			}
		}
		if len(ranked) == 0 {
			continue
		}
		sort.SliceStable(ranked, func(i, j int) bool { return *ranked[i].Index > *ranked[j].Index })
		if len(ranked) > n {
			ranked = ranked[:n]
		}
		return ranked
	}
	return nil
}

// BuildMatrix looks up the daily maxima of each date and the two days after
// it. Days without readings yield null values.
func BuildMatrix(dates []string, readings []Reading) []CityTypeMatrixRow {
	daily := DailyMax(readings)
	rows := make([]CityTypeMatrixRow, 0, len(dates))
	for _, date := range dates {
		base, err := ParseDate(date)
		if err != nil {
			continue
		}
		keys := dayKeys(base, 3)
		rows = append(rows, CityTypeMatrixRow{
			Date: date,
			Day0: daily[keys[0]],
			Day1: daily[keys[1]],
			Day2: daily[keys[2]],
		})
	}
	return rows
}

// dayKeys returns n consecutive UTC date keys starting at base.
func dayKeys(base time.Time, n int) []string {
	base = base.UTC()
	start := time.Date(base.Year(), base.Month(), base.Day(), 0, 0, 0, 0, time.UTC)
	keys := make([]string, n)
	for i := range keys {
		keys[i] = DateKey(start.AddDate(0, 0, i))
	}
	return keys
}
