package model

import (
	"strings"

	"github.com/gosimple/slug"
)

// Slugify turns a capability or value name into the identifier used for
// topics and storage: "meter_power.received1" becomes "meter_power_received1".
func Slugify(name string) string {
	return strings.ReplaceAll(slug.Make(name), "-", "_")
}

// NewStatus builds a DeviceStatus for a formatted value.
func NewStatus(name, value, unit string) DeviceStatus {
	return DeviceStatus{
		Name:  name,
		Slug:  Slugify(name),
		Value: &value,
		Unit:  unit,
	}
}
