package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration whose external form is seconds. It decodes
// from a number of seconds (43200, 0.5), a numeric string ("30") or a Go
// duration string ("12h"), and encodes as seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// ParseDuration converts a decoded config or wire value into a Duration.
// Numbers are seconds.
func ParseDuration(v any) (Duration, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case Duration:
		return x, nil
	case time.Duration:
		return Duration(x), nil
	case int:
		return seconds(float64(x)), nil
	case int32:
		return seconds(float64(x)), nil
	case int64:
		return seconds(float64(x)), nil
	case uint:
		return seconds(float64(x)), nil
	case uint32:
		return seconds(float64(x)), nil
	case uint64:
		return seconds(float64(x)), nil
	case float32:
		return seconds(float64(x)), nil
	case float64:
		return seconds(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", x, err)
		}
		return seconds(f), nil
	case string:
		return parseDurationString(x)
	default:
		return 0, fmt.Errorf("invalid duration %v of type %T", v, v)
	}
}

func parseDurationString(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return seconds(f), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(d), nil
}

func seconds(f float64) Duration {
	return Duration(f * float64(time.Second))
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Seconds())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var raw any
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	} else {
		raw = json.Number(data)
	}

	parsed, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if value.Tag == "!!null" {
		return nil
	}

	parsed, err := parseDurationString(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = parsed
	return nil
}
