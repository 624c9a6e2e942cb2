package adapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/anicoll/espeasy-integration/internal/pkg/capability"
	"github.com/anicoll/espeasy-integration/internal/pkg/model"
	"github.com/anicoll/espeasy-integration/internal/pkg/units"
)

type fakeUnit struct {
	mu       sync.Mutex
	online   bool
	reason   string
	snapshot *units.Snapshot
	sensors  []units.SensorAdapter
	gpios    []units.GPIOAdapter

	SendCommandFunc func(ctx context.Context, tokens ...string) (map[string]any, error)
	PinStatusFunc   func(ctx context.Context, pin int) (*model.PinStatus, error)
}

func (u *fakeUnit) MAC() string           { return "AA:BB:CC:DD:EE:FF" }
func (u *fakeUnit) Name() string          { return "garage" }
func (u *fakeUnit) IsOnline() bool        { return u.online }
func (u *fakeUnit) OfflineReason() string { return u.reason }

func (u *fakeUnit) Snapshot() *units.Snapshot {
	return u.snapshot
}

func (u *fakeUnit) AddSensor(s units.SensorAdapter) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sensors = append(u.sensors, s)
}

func (u *fakeUnit) RemoveSensor(s units.SensorAdapter) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sensors = lo.Without(u.sensors, s)
}

func (u *fakeUnit) AddGPIO(g units.GPIOAdapter) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.gpios = append(u.gpios, g)
}

func (u *fakeUnit) RemoveGPIO(g units.GPIOAdapter) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.gpios = lo.Without(u.gpios, g)
}

func (u *fakeUnit) SendCommand(ctx context.Context, tokens ...string) (map[string]any, error) {
	if u.SendCommandFunc != nil {
		return u.SendCommandFunc(ctx, tokens...)
	}
	return nil, nil
}

func (u *fakeUnit) PinStatus(ctx context.Context, pin int) (*model.PinStatus, error) {
	if u.PinStatusFunc != nil {
		return u.PinStatusFunc(ctx, pin)
	}
	return nil, nil
}

type availability struct {
	available bool
	reason    string
}

type MockSink struct {
	mu           sync.Mutex
	published    []model.DeviceStatus
	availability []availability
	devices      []model.Device
}

func (m *MockSink) PublishData(_ context.Context, data map[model.Device][]model.DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, statuses := range data {
		m.published = append(m.published, statuses...)
	}
	return nil
}

func (m *MockSink) RegisterDevice(device *model.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, *device)
	return nil
}

func (m *MockSink) SetAvailability(_ context.Context, _ *model.Device, available bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availability = append(m.availability, availability{available: available, reason: reason})
	return nil
}

func (m *MockSink) values() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for _, s := range m.published {
		out[s.Name] = *s.Value
	}
	return out
}

func (m *MockSink) last() availability {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.availability) == 0 {
		return availability{}
	}
	return m.availability[len(m.availability)-1]
}

func (m *MockSink) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

func loadCatalog(t *testing.T) *capability.Catalog {
	t.Helper()
	c, err := capability.Load()
	require.NoError(t, err)
	return c
}

func bme280(name string, controller string, idx int, temperature, humidity, pressure float64) model.Task {
	return model.Task{
		TaskNumber:       1,
		TaskName:         name,
		Type:             "Environment - BMx280",
		TaskDeviceNumber: 28,
		TaskEnabled:      true,
		TaskValues: []model.TaskValue{
			{ValueNumber: 1, Name: "Temperature", Value: model.FlexFloat(temperature)},
			{ValueNumber: 2, Name: "Humidity", Value: model.FlexFloat(humidity)},
			{ValueNumber: 3, Name: "Pressure", Value: model.FlexFloat(pressure)},
		},
		DataAcquisition: []model.Acquisition{
			{Controller: model.FlexString(controller), IDX: idx, Enabled: true},
		},
	}
}

func snapshotOf(tasks ...model.Task) *units.Snapshot {
	return units.NewSnapshot(&model.Status{Sensors: tasks}, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
}
