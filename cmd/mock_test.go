package cmd

import (
	"context"
	"sync"
	"time"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

type MockStore struct {
	CleanupFunc             func(ctx context.Context) error
	GetUnitsFunc            func(ctx context.Context) ([]model.UnitRecord, error)
	GetLatestPropertiesFunc func(ctx context.Context) (model.Properties, error)
	GetPropertiesFunc       func(ctx context.Context, identifier, slug string, from, to *time.Time) (model.Properties, error)
}

func (m *MockStore) Cleanup(ctx context.Context) error {
	if m.CleanupFunc != nil {
		return m.CleanupFunc(ctx)
	}
	return nil
}

func (m *MockStore) GetUnits(ctx context.Context) ([]model.UnitRecord, error) {
	if m.GetUnitsFunc != nil {
		return m.GetUnitsFunc(ctx)
	}
	return nil, nil
}

func (m *MockStore) GetLatestProperties(ctx context.Context) (model.Properties, error) {
	if m.GetLatestPropertiesFunc != nil {
		return m.GetLatestPropertiesFunc(ctx)
	}
	return nil, nil
}

func (m *MockStore) GetProperties(ctx context.Context, identifier, slug string, from, to *time.Time) (model.Properties, error) {
	if m.GetPropertiesFunc != nil {
		return m.GetPropertiesFunc(ctx, identifier, slug, from, to)
	}
	return nil, nil
}

type MockClient struct {
	FetchStatusFunc func(ctx context.Context, host string, port int) (*model.Status, error)
	SendCommandFunc func(ctx context.Context, host string, port int, tokens ...string) (map[string]any, error)
}

func (m *MockClient) FetchStatus(ctx context.Context, host string, port int) (*model.Status, error) {
	if m.FetchStatusFunc != nil {
		return m.FetchStatusFunc(ctx, host, port)
	}
	return nil, &model.ConnectivityError{Reason: model.ReasonUnreachable}
}

func (m *MockClient) SendCommand(ctx context.Context, host string, port int, tokens ...string) (map[string]any, error) {
	if m.SendCommandFunc != nil {
		return m.SendCommandFunc(ctx, host, port, tokens...)
	}
	return nil, nil
}

// recordingSink keeps the registered devices.
type recordingSink struct {
	mu      sync.Mutex
	devices []string
}

func (s *recordingSink) PublishData(context.Context, map[model.Device][]model.DeviceStatus) error {
	return nil
}

func (s *recordingSink) RegisterDevice(device *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, device.ID)
	return nil
}

func (s *recordingSink) SetAvailability(context.Context, *model.Device, bool, string) error {
	return nil
}

func (s *recordingSink) registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.devices...)
}
