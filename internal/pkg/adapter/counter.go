package adapter

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anicoll/espeasy-integration/internal/pkg/capability"
	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

const (
	pulseCounterType = "Generic - Pulse counter"

	countValue = 1
	totalValue = 2

	rawNumber         = "measure_raw_number"
	sensorValue       = "measure_sensor_value"
	defaultCounterCap = "meter_pulses"
)

// counter keeps a running total for a pulse counter task and publishes it
// scaled by multiplier.
type counter struct {
	variant    model.CounterVariant
	multiplier float64
	useTotals  bool
	capability capability.Capability

	mu    sync.Mutex
	total *float64
}

// SensorOption configures a Sensor.
type SensorOption func(*Sensor)

// WithCounter accumulates a pulse counter task. capName is the capability the
// scaled total is published as, meter_pulses when empty or unknown.
func WithCounter(variant model.CounterVariant, multiplier float64, useTotals bool, capName string) SensorOption {
	return func(s *Sensor) {
		if multiplier == 0 {
			multiplier = 1
		}
		if capName == "" {
			capName = defaultCounterCap
		}
		c, ok := s.catalog.Capabilities[capName]
		if !ok {
			s.logger.Warn("unknown counter capability, using meter_pulses", zap.String("capability", capName))
			c = s.catalog.Capabilities[defaultCounterCap]
		}
		s.counter = &counter{variant: variant, multiplier: multiplier, useTotals: useTotals, capability: c}
	}
}

// Total is the running total, false before anything was counted.
func (c *counter) Total() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total == nil {
		return 0, false
	}
	return *c.total, true
}

// apply folds one task value into the total. Deltas only count when pushed,
// a polled delta is the same pulses the push already reported.
func (c *counter) apply(valueNumber int, raw string, pushed bool) ([]model.DeviceStatus, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "nan") {
		return nil, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsInf(value, 0) || math.IsNaN(value) {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidValue, raw)
	}

	var statuses []model.DeviceStatus
	c.mu.Lock()
	switch {
	case valueNumber == countValue && c.variant != model.CounterTotal:
		if !pushed {
			c.mu.Unlock()
			return nil, nil
		}
		c.total = addTo(c.total, value)
	case valueNumber == totalValue && c.variant == model.CounterTotal:
		c.total = &value
		statuses = append(statuses, model.NewStatus(sensorValue, raw, ""))
	case valueNumber == totalValue && c.variant != model.CounterDelta:
		statuses = append(statuses, model.NewStatus(sensorValue, raw, ""))
		if c.useTotals || c.total == nil {
			c.total = &value
		}
	default:
		c.mu.Unlock()
		return nil, nil
	}
	total := *c.total
	c.mu.Unlock()

	scaled, err := c.capability.Convert(strconv.FormatFloat(c.multiplier*total, 'f', -1, 64))
	if err != nil {
		return nil, err
	}
	return append(statuses,
		model.NewStatus(rawNumber, strconv.FormatFloat(total, 'f', -1, 64), ""),
		model.NewStatus(c.capability.Name, scaled, c.capability.Unit),
	), nil
}

func addTo(total *float64, v float64) *float64 {
	sum := v
	if total != nil {
		sum += *total
	}
	return &sum
}
