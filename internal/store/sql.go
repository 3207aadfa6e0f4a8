package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

// dialect captures the few places where Postgres and SQLite differ.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool
	schema   []string
	// dateExpr yields the UTC YYYY-MM-DD of the ts column.
	dateExpr string
	jsonCast string
	timeArg  func(time.Time) any
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements pollen.Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Migrate creates tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return pollen.WrapStorage("migrate", fmt.Errorf("%s: %w", firstLine(stmt), err))
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// UpsertReading inserts or overwrites the row keyed by (city_slug, ts, source).
// A missing timezone keeps the stored one.
func (s *SQLStore) UpsertReading(ctx context.Context, r pollen.Reading) error {
	species, err := jsonArg(r.Species)
	if err != nil {
		return pollen.WrapStorage("upsert reading", err)
	}
	plants, err := jsonArg(r.Plants)
	if err != nil {
		return pollen.WrapStorage("upsert reading", err)
	}
	source := r.Source
	if source == "" {
		source = pollen.SourceAmbee
	}

	query := fmt.Sprintf(`
		INSERT INTO pollen_readings_hourly (
			city_slug, ts, tz, grass, tree, weed, total,
			risk_grass, risk_tree, risk_weed, species, plants, source, is_forecast
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?%[1]s, ?%[1]s, ?, ?)
		ON CONFLICT (city_slug, ts, source) DO UPDATE
		SET tz = COALESCE(excluded.tz, pollen_readings_hourly.tz),
		    grass = excluded.grass,
		    tree = excluded.tree,
		    weed = excluded.weed,
		    total = excluded.total,
		    risk_grass = excluded.risk_grass,
		    risk_tree = excluded.risk_tree,
		    risk_weed = excluded.risk_weed,
		    species = excluded.species,
		    plants = excluded.plants,
		    is_forecast = excluded.is_forecast
	`, s.dialect.jsonCast)

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(query),
		r.City,
		s.dialect.timeArg(r.Timestamp),
		r.Timezone,
		r.Grass,
		r.Tree,
		r.Weed,
		r.StoredTotal(),
		r.RiskGrass,
		r.RiskTree,
		r.RiskWeed,
		species,
		plants,
		string(source),
		r.IsForecast,
	)
	return pollen.WrapStorage("upsert reading", err)
}

const readingColumns = `city_slug, ts, tz, grass, tree, weed, total,
	risk_grass, risk_tree, risk_weed, species, plants, source, is_forecast`

func (s *SQLStore) ReadingsByCityAndRange(ctx context.Context, city string, from, to time.Time) ([]pollen.Reading, error) {
	query := `SELECT ` + readingColumns + `
		FROM pollen_readings_hourly
		WHERE city_slug = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC, source ASC`
	return s.queryReadings(ctx, "readings by city", query, city, s.dialect.timeArg(from), s.dialect.timeArg(to))
}

func (s *SQLStore) ReadingsByDateRange(ctx context.Context, from, to time.Time) ([]pollen.Reading, error) {
	query := `SELECT ` + readingColumns + `
		FROM pollen_readings_hourly
		WHERE ts >= ? AND ts < ?
		ORDER BY ts ASC, source ASC, city_slug ASC`
	return s.queryReadings(ctx, "readings by date", query, s.dialect.timeArg(from), s.dialect.timeArg(to))
}

func (s *SQLStore) queryReadings(ctx context.Context, op, query string, args ...any) ([]pollen.Reading, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, pollen.WrapStorage(op, err)
	}
	defer rows.Close()

	var out []pollen.Reading
	for rows.Next() {
		var (
			r       pollen.Reading
			source  string
			species sql.NullString
			plants  sql.NullString
		)
		if err := rows.Scan(
			&r.City,
			dbTime{&r.Timestamp},
			&r.Timezone,
			&r.Grass,
			&r.Tree,
			&r.Weed,
			&r.Total,
			&r.RiskGrass,
			&r.RiskTree,
			&r.RiskWeed,
			&species,
			&plants,
			&source,
			&r.IsForecast,
		); err != nil {
			return nil, pollen.WrapStorage(op, err)
		}
		r.Source = pollen.Source(source)
		r.Species = rawJSON(species)
		if raw := rawJSON(plants); raw != nil {
			if err := json.Unmarshal(raw, &r.Plants); err != nil {
				return nil, pollen.WrapStorage(op, fmt.Errorf("decode plants: %w", err))
			}
		}
		out = append(out, r)
	}
	return out, pollen.WrapStorage(op, rows.Err())
}

// DistinctDates lists UTC dates that have readings, newest first.
func (s *SQLStore) DistinctDates(ctx context.Context, q pollen.DateQuery) ([]string, error) {
	var (
		where []string
		args  []any
	)
	if q.City != "" {
		where = append(where, "city_slug = ?")
		args = append(args, q.City)
	}
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(q.Source))
	}

	query := fmt.Sprintf("SELECT DISTINCT %s AS d FROM pollen_readings_hourly", s.dialect.dateExpr)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY d DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, pollen.WrapStorage("distinct dates", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, pollen.WrapStorage("distinct dates", err)
		}
		dates = append(dates, d)
	}
	return dates, pollen.WrapStorage("distinct dates", rows.Err())
}

func (s *SQLStore) AppendIngestLog(ctx context.Context, entry pollen.IngestLogEntry) error {
	details, err := jsonArg(entry.Details)
	if err != nil {
		return pollen.WrapStorage("append ingest log", err)
	}
	query := fmt.Sprintf(`INSERT INTO ingest_logs (ts, job, status, details) VALUES (?, ?, ?, ?%s)`, s.dialect.jsonCast)
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(query),
		s.dialect.timeArg(entry.TS), entry.Job, entry.Status, details)
	return pollen.WrapStorage("append ingest log", err)
}

func (s *SQLStore) RecentIngestLogs(ctx context.Context, limit int) ([]pollen.IngestLogEntry, error) {
	query := `SELECT id, ts, job, status, details FROM ingest_logs ORDER BY ts DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), limit)
	if err != nil {
		return nil, pollen.WrapStorage("recent ingest logs", err)
	}
	defer rows.Close()

	var out []pollen.IngestLogEntry
	for rows.Next() {
		var (
			e       pollen.IngestLogEntry
			job     sql.NullString
			status  sql.NullString
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, dbTime{&e.TS}, &job, &status, &details); err != nil {
			return nil, pollen.WrapStorage("recent ingest logs", err)
		}
		e.Job, e.Status = job.String, status.String
		e.Details = rawJSON(details)
		out = append(out, e)
	}
	return out, pollen.WrapStorage("recent ingest logs", rows.Err())
}

func (s *SQLStore) AppendProviderUsage(ctx context.Context, usage pollen.ProviderUsage) error {
	notes, err := jsonArg(usage.Notes)
	if err != nil {
		return pollen.WrapStorage("append provider usage", err)
	}
	query := fmt.Sprintf(`INSERT INTO ambee_usage_logs (ts, job, job_id, ambee_calls, notes) VALUES (?, ?, ?, ?, ?%s)`, s.dialect.jsonCast)
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(query),
		s.dialect.timeArg(usage.TS), usage.Job, usage.JobID, usage.Calls, notes)
	return pollen.WrapStorage("append provider usage", err)
}

// dbTime scans timestamps stored natively (Postgres) or as text (SQLite).
type dbTime struct {
	t *time.Time
}

var textTimeLayouts = []string{
	sqliteTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
}

func (d dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d.t = time.Time{}
		return nil
	case time.Time:
		*d.t = v.UTC()
		return nil
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
}

func (d dbTime) parse(s string) error {
	for _, layout := range textTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*d.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized time format %q", s)
}

// jsonArg marshals v for a JSON column; empty values become NULL.
func jsonArg(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case json.RawMessage:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
		if !json.Valid(t) {
			return sql.NullString{}, fmt.Errorf("invalid json payload")
		}
		return sql.NullString{String: string(t), Valid: true}, nil
	case []pollen.Plant:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.RawMessage(s.String)
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
