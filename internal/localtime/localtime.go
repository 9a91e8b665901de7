// Package localtime converts wall-clock (date, time, timezone) triples to UTC
// instants and back using the IANA timezone database.
package localtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultZone is used whenever a timezone name is empty or unknown.
const DefaultZone = "UTC"

type Date struct {
	Year  int
	Month time.Month
	Day   int
}

type Clock struct {
	Hour   int
	Minute int
	Second int
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// ParseClock accepts HH:MM and HH:MM:SS.
func ParseClock(s string) (Clock, error) {
	for _, layout := range []string{"15:04", time.TimeOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return ClockOf(t), nil
		}
	}
	return Clock{}, fmt.Errorf("parse time %q: expected HH:MM or HH:MM:SS", s)
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ClockOf(t time.Time) Clock {
	return Clock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (c Clock) String() string {
	if c.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
	}
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Seconds returns the number of seconds since local midnight.
func (c Clock) Seconds() int {
	return c.Hour*3600 + c.Minute*60 + c.Second
}

// ClockAt is the inverse of Seconds for values within one day.
func ClockAt(seconds int) Clock {
	return Clock{Hour: seconds / 3600, Minute: seconds % 3600 / 60, Second: seconds % 60}
}

func (c Clock) Before(o Clock) bool {
	return c.Seconds() < o.Seconds()
}

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// LoadLocation never fails: an empty or unrecognised name yields the fallback
// zone, and an unusable fallback yields UTC.
func LoadLocation(name, fallback string) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if fallback != "" {
		if loc, err := time.LoadLocation(fallback); err == nil {
			return loc
		}
	}
	return time.UTC
}

// ValidZone reports whether name resolves to a real timezone.
func ValidZone(name string) bool {
	if name == "" {
		return false
	}
	_, err := time.LoadLocation(name)
	return err == nil
}

// ToUTC interprets the wall-clock pair in tzName and returns the UTC instant.
// Wall times that fall into a daylight-saving gap are shifted forward the way
// time.Date normalises them.
func ToUTC(d Date, c Clock, tzName string) time.Time {
	loc := LoadLocation(tzName, DefaultZone)
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, c.Second, 0, loc).UTC()
}

// ToLocal is the inverse of ToUTC. The instant is first normalised to UTC so a
// value carrying a foreign or local location is still read as an absolute instant.
func ToLocal(instant time.Time, tzName string) (Date, Clock) {
	loc := LoadLocation(tzName, DefaultZone)
	local := instant.UTC().In(loc)
	return DateOf(local), ClockOf(local)
}
