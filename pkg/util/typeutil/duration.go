package typeutil

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Duration is a time.Duration that reads and writes as text, e.g. "1m30s", in TOML, YAML and JSON
// configuration files. Plain JSON numbers are read as nanoseconds.
type Duration struct {
	time.Duration
}

// NewDuration creates a Duration from time.Duration.
func NewDuration(duration time.Duration) Duration {
	return Duration{Duration: duration}
}

// MustParseDuration parses s and panics if it is not a valid duration. Use it for constants only.
func MustParseDuration(s string) Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(errors.WithMessagef(err, "parse duration `%s`", s))
	}
	return NewDuration(d)
}

// OrDefault returns def if d is zero, d otherwise.
func (d Duration) OrDefault(def Duration) Duration {
	if d.Duration == 0 {
		return def
	}
	return d
}

// MarshalJSON writes the duration as a JSON string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(text []byte) error {
	var s string
	if err := json.Unmarshal(text, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(text, &n); err != nil {
		return errors.Errorf("invalid duration %s", text)
	}
	d.Duration = time.Duration(n)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.WithMessage(err, "parse duration from text")
	}
	d.Duration = duration
	return nil
}
