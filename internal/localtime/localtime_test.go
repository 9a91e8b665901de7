package localtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToUTC_DefaultsToUTC(t *testing.T) {
	got := ToUTC(Date{2026, time.January, 1}, Clock{Hour: 10}, "UTC")
	want := time.Date(2026, time.January, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, got.Equal(want), "got %s", got)
	assert.Equal(t, time.UTC, got.Location())
}

func TestToUTC_InvalidTimezoneFallsBack(t *testing.T) {
	got := ToUTC(Date{2026, time.January, 1}, Clock{Hour: 10}, "Invalid/Zone")
	assert.Equal(t, 10, got.Hour())
	assert.Equal(t, time.UTC, got.Location())

	empty := ToUTC(Date{2026, time.January, 1}, Clock{Hour: 10}, "")
	assert.True(t, empty.Equal(got), "empty zone behaves like UTC, got %s", empty)
}

func TestToUTC_DaylightSaving(t *testing.T) {
	// New York: EST (UTC-5) in January, EDT (UTC-4) in July.
	winter := ToUTC(Date{2026, time.January, 15}, Clock{Hour: 9}, "America/New_York")
	assert.Equal(t, 14, winter.Hour(), "winter")
	summer := ToUTC(Date{2026, time.July, 15}, Clock{Hour: 9}, "America/New_York")
	assert.Equal(t, 13, summer.Hour(), "summer")

	// Same wall-clock interval across the 2026-03-08 spring-forward is one hour shorter in UTC.
	before := ToUTC(Date{2026, time.March, 8}, Clock{Hour: 1}, "America/New_York")
	after := ToUTC(Date{2026, time.March, 8}, Clock{Hour: 3}, "America/New_York")
	assert.Equal(t, time.Hour, after.Sub(before))
}

func TestToLocal_RoundTrip(t *testing.T) {
	d := Date{2026, time.November, 1}
	c := Clock{Hour: 11, Minute: 30}
	instant := ToUTC(d, c, "Europe/Berlin")

	gotDate, gotClock := ToLocal(instant, "Europe/Berlin")
	assert.Equal(t, d, gotDate)
	assert.Equal(t, c, gotClock)
}

func TestToLocal_ForeignLocationReadAsInstant(t *testing.T) {
	tokyo := LoadLocation("Asia/Tokyo", "")
	instant := time.Date(2026, time.January, 1, 19, 0, 0, 0, tokyo) // 10:00 UTC

	gotDate, gotClock := ToLocal(instant, "")
	assert.Equal(t, Date{2026, time.January, 1}, gotDate)
	assert.Equal(t, Clock{Hour: 10}, gotClock)
}

func TestParseClockAndDate(t *testing.T) {
	c, err := ParseClock("09:45")
	require.NoError(t, err)
	assert.Equal(t, Clock{Hour: 9, Minute: 45}, c)

	c, err = ParseClock("09:45:30")
	require.NoError(t, err)
	assert.Equal(t, 30, c.Second)

	_, err = ParseClock("25:00")
	assert.Error(t, err)
	_, err = ParseDate("2026-02-30")
	assert.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		Date  Date  `json:"date"`
		Start Clock `json:"start"`
	}
	const in = `{"date":"2026-01-01","start":"10:30"}`

	var p payload
	require.NoError(t, json.Unmarshal([]byte(in), &p))
	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}
