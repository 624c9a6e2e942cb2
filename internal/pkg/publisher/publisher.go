package publisher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

var errAlreadyRegistered = errors.New("publisher already registered")

var (
	mu                   sync.RWMutex
	registeredPublishers = make(map[string]publisher)
	sensors              sync.Map
	now                  = time.Now
)

type publisher interface {
	// Write stores or forwards the changed readings.
	Write(ctx context.Context, data []model.Property) error
	RegisterDevice(device *model.Device) error
}

// availabilityPublisher is implemented by publishers that can mark a device
// unavailable, such as the MQTT discovery publisher.
type availabilityPublisher interface {
	SetAvailability(ctx context.Context, device *model.Device, available bool, reason string) error
}

func RegisterPublisher(name string, p publisher) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registeredPublishers[name]; ok {
		return errAlreadyRegistered
	}
	registeredPublishers[name] = p
	return nil
}

func snapshot() map[string]publisher {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]publisher, len(registeredPublishers))
	for k, v := range registeredPublishers {
		out[k] = v
	}
	return out
}

// Identifier is the stable name a device is published under.
func Identifier(device model.Device) string {
	return model.Slugify(fmt.Sprintf("%s %s", device.Unit, device.ID))
}

// normalize converts a reading to its published form. Non numeric values
// are text sensors and pass through unchanged.
func normalize(status model.DeviceStatus) (string, string, bool) {
	if status.Value == nil || *status.Value == "" {
		return "", "", false
	}
	value, ok := new(big.Rat).SetString(*status.Value)
	if !ok {
		return *status.Value, status.Unit, true
	}
	unit := status.Unit
	switch unit {
	case "℃":
		unit = "°C"
	case "kW":
		unit = "W"
		value = value.Mul(value, new(big.Rat).SetInt64(1000))
	}
	return strings.TrimSuffix(strings.TrimRight(value.FloatString(4), "0"), "."), unit, true
}

func PublishData(ctx context.Context, deviceStatusMap map[model.Device][]model.DeviceStatus) error {
	data := make([]model.Property, 0)
	ts := now()
	for device, statuses := range deviceStatusMap {
		identifier := Identifier(device)
		for _, status := range statuses {
			val, unit, ok := normalize(status)
			if !ok {
				continue
			}
			if !status.Dirty && !shouldUpdate(identifier, status.Slug, val) {
				continue
			}
			data = append(data, model.Property{
				TimeStamp:  ts,
				Unit:       unit,
				Value:      val,
				Identifier: identifier,
				Slug:       status.Slug,
			})
		}
	}
	if len(data) == 0 {
		return nil
	}
	var errs []error
	for name, p := range snapshot() {
		if err := p.Write(ctx, data); err != nil {
			zap.L().Error("failed to publish data", zap.Error(err), zap.String("publisher", name))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		zap.L().Debug("updated sensors", zap.Int("count", len(data)), zap.String("publisher", name))
	}
	return errors.Join(errs...)
}

func RegisterDevice(device *model.Device) error {
	for name, p := range snapshot() {
		if err := p.RegisterDevice(device); err != nil {
			zap.L().Error("failed to register device", zap.Error(err), zap.String("publisher", name))
			continue
		}
		zap.L().Debug("registered device", zap.String("device", device.ID), zap.String("publisher", name))
	}
	return nil
}

// SetAvailability forwards a device availability change. A device that
// comes back publishes all its values again.
func SetAvailability(ctx context.Context, device *model.Device, available bool, reason string) error {
	if available {
		forget(Identifier(*device))
	}
	for name, p := range snapshot() {
		ap, ok := p.(availabilityPublisher)
		if !ok {
			continue
		}
		if err := ap.SetAvailability(ctx, device, available, reason); err != nil {
			zap.L().Error("failed to set availability", zap.Error(err), zap.String("publisher", name))
		}
	}
	return nil
}

func shouldUpdate(identifier, slug, newValue string) bool {
	key := fmt.Sprintf("%s_%s", identifier, slug)
	oldValue, exists := sensors.Load(key)
	if exists && strings.EqualFold(newValue, oldValue.(string)) {
		return false
	}
	if !exists {
		zap.L().Info("configured sensor", zap.String("device", identifier), zap.String("sensor", slug), zap.String("value", newValue))
	}
	sensors.Store(key, newValue)
	return true
}

func forget(identifier string) {
	prefix := identifier + "_"
	sensors.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			sensors.Delete(k)
		}
		return true
	})
}

// Sink exposes the package level registry as a value for components that
// take their publisher as a dependency.
type Sink struct{}

func (Sink) PublishData(ctx context.Context, data map[model.Device][]model.DeviceStatus) error {
	return PublishData(ctx, data)
}

func (Sink) RegisterDevice(device *model.Device) error {
	return RegisterDevice(device)
}

func (Sink) SetAvailability(ctx context.Context, device *model.Device, available bool, reason string) error {
	return SetAvailability(ctx, device, available, reason)
}
