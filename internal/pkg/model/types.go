package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// FlexBool decodes firmware booleans reported either as JSON bools or as
// the strings "true"/"false" (older builds).
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	switch strings.ToLower(s) {
	case "true", "1":
		*b = true
	case "false", "0", "", "null":
		*b = false
	default:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		*b = FlexBool(v)
	}
	return nil
}

// FlexString accepts a JSON string or number and keeps its text form.
// Controller ids are numbers on current firmware and names on some forks.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	*f = FlexString(string(data))
	return nil
}

func (f FlexString) String() string {
	return string(f)
}

// FlexFloat accepts numbers, numeric strings and "nan". A "nan" value
// decodes to math.NaN().
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	if strings.EqualFold(s, "nan") {
		*f = FlexFloat(math.NaN())
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}

func (f FlexFloat) Float64() float64 {
	return float64(f)
}

// RawString renders the value the way the firmware would print it.
func (f FlexFloat) RawString() string {
	if math.IsNaN(float64(f)) {
		return "nan"
	}
	return strconv.FormatFloat(float64(f), 'f', -1, 64)
}
