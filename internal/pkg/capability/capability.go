// Package capability maps ESPEasy task values to the typed capabilities that
// are published for a sensor.
package capability

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

//go:embed catalog.yaml
var catalogYAML []byte

const (
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeString  = "string"

	// EventCapability carries switch events that are not a state change.
	EventCapability = "switch_event"
)

var (
	// ErrNaN is returned for a value the firmware reports as "nan". It is
	// ignored rather than published.
	ErrNaN = errors.New("value is nan")
	// ErrIOBoardOffline is reported by switch tasks whose IO expander is gone.
	ErrIOBoardOffline = errors.New("IO board offline")
	// ErrEvent marks a switch value that is an event rather than a state.
	ErrEvent = errors.New("value is an event")
)

type Capability struct {
	Name string   `yaml:"-"`
	Type string   `yaml:"type"`
	Unit string   `yaml:"unit"`
	Min  *float64 `yaml:"min"`
	Max  *float64 `yaml:"max"`
}

// TaskType describes a firmware task type. Values lists the capability for
// each value number, starting at 1.
type TaskType struct {
	Name    string    `yaml:"name"`
	Plugin  int       `yaml:"plugin"`
	Values  []string  `yaml:"values"`
	Default string    `yaml:"default"`
	Accept  []float64 `yaml:"accept"`
	Events  []float64 `yaml:"events"`
	Offline *float64  `yaml:"offline"`
}

type Catalog struct {
	Capabilities map[string]Capability `yaml:"capabilities"`
	Tasks        []TaskType            `yaml:"tasks"`
}

// Load returns the built in catalog.
func Load() (*Catalog, error) {
	return Parse(catalogYAML)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse capability catalog: %w", err)
	}
	for name, capability := range c.Capabilities {
		capability.Name = name
		c.Capabilities[name] = capability
	}
	for _, t := range c.Tasks {
		for _, name := range append(slices.Clone(t.Values), t.Default) {
			if name == "" {
				continue
			}
			if _, ok := c.Capabilities[name]; !ok {
				return nil, fmt.Errorf("task %q uses unknown capability %q", t.Name, name)
			}
		}
	}
	return &c, nil
}

// TaskType looks up a normalized task type name.
func (c *Catalog) TaskType(name string) (*TaskType, bool) {
	idx := slices.IndexFunc(c.Tasks, func(t TaskType) bool { return t.Name == name })
	if idx < 0 {
		return nil, false
	}
	return &c.Tasks[idx], true
}

// Lookup returns the capability for value number n of task type name.
func (c *Catalog) Lookup(name string, n int) (Capability, error) {
	t, ok := c.TaskType(name)
	if !ok {
		return Capability{}, model.ErrUnknownTaskType
	}
	capName := t.Default
	if n >= 1 && n <= len(t.Values) {
		capName = t.Values[n-1]
	}
	if capName == "" {
		return Capability{}, fmt.Errorf("no capability for value %d of %q", n, name)
	}
	return c.Capabilities[capName], nil
}

// Check validates a raw value against the task type's accepted range.
func (t *TaskType) Check(raw string) error {
	if len(t.Accept) == 0 && t.Offline == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("%w: %q", model.ErrInvalidValue, raw)
	}
	switch {
	case t.Offline != nil && v == *t.Offline:
		return ErrIOBoardOffline
	case slices.Contains(t.Events, v):
		return ErrEvent
	case len(t.Accept) > 0 && !slices.Contains(t.Accept, v):
		return fmt.Errorf("%w: %q", model.ErrInvalidValue, raw)
	}
	return nil
}

// Convert turns a raw firmware value into the published representation.
// Numbers are clamped to the capability's range.
func (c Capability) Convert(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "nan") {
		return "", ErrNaN
	}
	switch c.Type {
	case TypeBoolean:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %q", model.ErrInvalidValue, raw)
		}
		return strconv.FormatBool(v == 1), nil
	case TypeNumber:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsInf(v, 0) {
			return "", fmt.Errorf("%w: %q", model.ErrInvalidValue, raw)
		}
		if math.IsNaN(v) {
			return "", ErrNaN
		}
		if c.Min != nil && v < *c.Min {
			v = *c.Min
		} else if c.Max != nil && v > *c.Max {
			v = *c.Max
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return raw, nil
	}
}
