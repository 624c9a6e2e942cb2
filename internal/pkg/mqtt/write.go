package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
	"github.com/anicoll/espeasy-integration/internal/pkg/publisher"
)

func (s *service) Write(ctx context.Context, data []model.Property) error {
	for _, d := range data {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.configure(d); err != nil {
			return err
		}
		if err := s.PublishData(d); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDevice remembers the device so its entities are announced with
// the right name and model. A changed model announces the entities again.
func (s *service) RegisterDevice(device *model.Device) error {
	identifier := publisher.Identifier(*device)
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, exists := s.devices[identifier]; exists && prev == *device {
		return nil
	}
	s.devices[identifier] = *device
	for key := range s.configured {
		if strings.HasPrefix(key, identifier+"/") {
			delete(s.configured, key)
		}
	}
	return nil
}

// SetAvailability publishes the retained availability of a device together
// with the reason it went unavailable.
func (s *service) SetAvailability(ctx context.Context, device *model.Device, available bool, reason string) error {
	identifier := publisher.Identifier(*device)
	state := "offline"
	if available {
		state = "online"
	}
	if err := s.publish(availabilityTopic(identifier), 1, true, state); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"available": available,
		"reason":    reason,
	})
	if err != nil {
		return err
	}
	return s.publish(fmt.Sprintf("%s/%s/status", statePrefix, identifier), 1, true, payload)
}

func (s *service) PublishData(data model.Property) error {
	payload := map[string]string{
		"value": data.Value,
	}
	if data.Unit != "" {
		payload["unit_of_measurement"] = data.Unit
	}

	publishData, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.publish(stateTopic(data.Identifier, data.Slug), 0, false, publishData)
}

// configure announces a sensor entity the first time a value for it is seen.
func (s *service) configure(data model.Property) error {
	key := data.Identifier + "/" + data.Slug
	s.mu.Lock()
	if _, exists := s.configured[key]; exists {
		s.mu.Unlock()
		return nil
	}
	device, known := s.devices[data.Identifier]
	s.mu.Unlock()
	if !known {
		device = model.Device{Name: data.Identifier}
	}

	payload, err := json.Marshal(registerMsg(data, device))
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/sensor/%s/%s/config", discoveryPrefix, data.Identifier, data.Slug)
	if err := s.publish(topic, 1, true, payload); err != nil {
		return err
	}
	zap.L().Info("announced sensor", zap.String("device", data.Identifier), zap.String("sensor", data.Slug))

	s.mu.Lock()
	s.configured[key] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *service) publish(topic string, qos byte, retained bool, payload any) error {
	token := s.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: %w", topic, errTimeout)
	}
	return token.Error()
}

func registerMsg(data model.Property, device model.Device) model.RegisterMessage {
	name := device.Name
	if name == "" {
		name = data.Identifier
	}
	return model.RegisterMessage{
		Tilda:             fmt.Sprintf("%s/%s", statePrefix, data.Identifier),
		Name:              data.Slug,
		ID:                fmt.Sprintf("%s_%s", data.Identifier, data.Slug),
		StateTopic:        fmt.Sprintf("~/%s/state", data.Slug),
		AvailabilityTopic: "~/availability",
		ValueTemplate:     "{{ value_json.value }}",
		UnitOfMeasurement: data.Unit,
		Device: model.RegisterDevice{
			Name:         name,
			Identifiers:  []string{data.Identifier},
			Model:        device.Model,
			Manufacturer: "ESPEasy",
		},
	}
}

func stateTopic(identifier, slug string) string {
	return fmt.Sprintf("%s/%s/%s/state", statePrefix, identifier, slug)
}

func availabilityTopic(identifier string) string {
	return fmt.Sprintf("%s/%s/availability", statePrefix, identifier)
}
