package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

var now = time.Date(2024, 5, 3, 15, 30, 45, 0, time.UTC)

func TestResolveWindowExplicit(t *testing.T) {
	w, err := ResolveWindow(WindowParams{From: "2024-05-01 00:00:00", To: "2024-05-01T06:00:00Z", Date: "2024-01-01"}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), w.From)
	assert.Equal(t, time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC), w.To)
}

func TestResolveWindowDate(t *testing.T) {
	w, err := ResolveWindow(WindowParams{Date: "2024-05-01", From: "2024-04-01 00:00:00"}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), w.From)
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), w.To)
}

func TestResolveWindowTrailingHours(t *testing.T) {
	w, err := ResolveWindow(WindowParams{}, now)
	require.NoError(t, err)
	assert.Equal(t, now, w.To)
	assert.Equal(t, now.Add(-48*time.Hour), w.From)

	w, err = ResolveWindow(WindowParams{Hours: pollen.Int(1000)}, now)
	require.NoError(t, err)
	assert.Equal(t, 168*time.Hour, w.To.Sub(w.From))

	w, err = ResolveWindow(WindowParams{Hours: pollen.Int(0)}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, w.To.Sub(w.From))
}

func TestResolveWindowInvalid(t *testing.T) {
	cases := []WindowParams{
		{Date: "05/01/2024"},
		{From: "yesterday", To: "2024-05-01 00:00:00"},
		{From: "2024-05-02 00:00:00", To: "2024-05-01 00:00:00"},
	}
	for _, p := range cases {
		_, err := ResolveWindow(p, now)
		var ve *pollen.ValidationError
		assert.True(t, errors.As(err, &ve), "%+v", p)
	}
}

func TestClampHours(t *testing.T) {
	assert.Equal(t, 1, ClampHours(0))
	assert.Equal(t, 1, ClampHours(-5))
	assert.Equal(t, 24, ClampHours(24))
	assert.Equal(t, MaxHours, ClampHours(500))
}

func TestParseTime(t *testing.T) {
	for _, in := range []string{"2024-05-01T10:00:00Z", "2024-05-01 10:00:00", "2024-05-01T12:00:00+02:00", "1714557600"} {
		got, err := ParseTime(in)
		require.NoError(t, err, in)
		assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), got, in)
	}
}
