// Package adapter binds published devices to unit tasks and pins.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anicoll/espeasy-integration/internal/pkg/capability"
	"github.com/anicoll/espeasy-integration/internal/pkg/model"
	"github.com/anicoll/espeasy-integration/internal/pkg/units"
)

// Unit is the part of units.Unit an adapter depends on.
type Unit interface {
	MAC() string
	Name() string
	IsOnline() bool
	OfflineReason() string
	Snapshot() *units.Snapshot
	AddSensor(units.SensorAdapter)
	RemoveSensor(units.SensorAdapter)
}

type Sink interface {
	PublishData(ctx context.Context, data map[model.Device][]model.DeviceStatus) error
	RegisterDevice(device *model.Device) error
	SetAvailability(ctx context.Context, device *model.Device, available bool, reason string) error
}

// Sensor publishes the values of the task bound to controller/idx.
type Sensor struct {
	unit       Unit
	controller string
	idx        int
	catalog    *capability.Catalog
	sink       Sink
	logger     *zap.Logger
	counter    *counter

	mu        sync.Mutex
	device    model.Device
	task      *units.ResolvedTask
	taskType  *capability.TaskType
	available *bool
	reason    string
}

func NewSensor(unit Unit, name, controller string, idx int, catalog *capability.Catalog, sink Sink, logger *zap.Logger, opts ...SensorOption) *Sensor {
	if logger == nil {
		logger = zap.L()
	}
	if name == "" {
		name = fmt.Sprintf("%s %s/%d", unit.Name(), controller, idx)
	}
	s := &Sensor{
		unit:       unit,
		controller: controller,
		idx:        idx,
		catalog:    catalog,
		sink:       sink,
		logger:     logger.Named("sensor").With(zap.String("mac", unit.MAC()), zap.String("controller", controller), zap.Int("idx", idx)),
		device: model.Device{
			ID:   fmt.Sprintf("c%s_idx%d", controller, idx),
			Name: name,
			Unit: unit.MAC(),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sensor) Binding() (string, int) {
	return s.controller, s.idx
}

func (s *Sensor) Device() model.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Available reports the current availability and the reason when it is not.
func (s *Sensor) Available() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available != nil && *s.available, s.reason
}

// Attach registers the sensor with its unit and publishes the current task
// values when the unit is online.
func (s *Sensor) Attach(ctx context.Context) {
	s.unit.AddSensor(s)
	if s.unit.IsOnline() {
		s.onJSONUpdate(ctx, s.unit.Snapshot())
		return
	}
	reason := s.unit.OfflineReason()
	if reason == "" {
		reason = "Waiting for unit"
	}
	s.setAvailable(ctx, false, reason)
}

func (s *Sensor) Detach() {
	s.unit.RemoveSensor(s)
}

func (s *Sensor) OnUnitEvent(e units.Event) {
	ctx := context.Background()
	switch e.Kind {
	case units.KindJSONUpdate:
		s.onJSONUpdate(ctx, e.Snapshot)
	case units.KindEvent:
		s.onEvent(ctx, e.Push)
	case units.KindStateChange:
		if !e.Online {
			s.setAvailable(ctx, false, e.Reason)
		}
	}
}

func (s *Sensor) onJSONUpdate(ctx context.Context, snap *units.Snapshot) {
	if snap == nil {
		return
	}
	task, err := snap.ResolveTask(s.controller, s.idx)
	switch {
	case errors.Is(err, model.ErrDuplicateIDX):
		s.logger.Info("controller task has duplicate IDX")
		s.clearTask()
		s.setAvailable(ctx, false, fmt.Sprintf("Duplicate IDX %d for controller %s", s.idx, s.controller))
		return
	case err != nil:
		s.logger.Info("controller missing task for this sensor")
		s.clearTask()
		s.setAvailable(ctx, false, fmt.Sprintf("No task found for controller %s with IDX %d", s.controller, s.idx))
		return
	}

	taskType, ok := s.catalog.TaskType(task.NormalizedType)
	if !ok {
		s.logger.Info("controller task is invalid device type", zap.String("type", task.Type))
		s.clearTask()
		s.setAvailable(ctx, false, fmt.Sprintf("Task for controller %s with IDX %d has unsupported type %s", s.controller, s.idx, task.Type))
		return
	}

	s.mu.Lock()
	s.task = task
	s.taskType = taskType
	changed := s.device.Model != task.NormalizedType
	s.device.Model = task.NormalizedType
	device := s.device
	s.mu.Unlock()
	if changed {
		if err := s.sink.RegisterDevice(&device); err != nil {
			s.logger.Warn("failed to register device", zap.Error(err))
		}
	}

	statuses := make([]model.DeviceStatus, 0, len(task.Values))
	for _, v := range task.Values {
		status, err := s.convert(task, taskType, v, v.Value.RawString())
		if err != nil {
			s.invalid(ctx, v.Name, err)
			return
		}
		if status != nil {
			statuses = append(statuses, *status)
		}
		counted, err := s.count(task, v.ValueNumber, v.Value.RawString(), false)
		if err != nil {
			s.invalid(ctx, v.Name, err)
			return
		}
		statuses = append(statuses, counted...)
	}
	s.setAvailable(ctx, true, "")
	s.publish(ctx, device, statuses)
}

func (s *Sensor) onEvent(ctx context.Context, ev *model.PushEvent) {
	if ev == nil {
		return
	}
	s.mu.Lock()
	task, taskType, device := s.task, s.taskType, s.device
	s.mu.Unlock()
	if task == nil || task.Name != ev.Task {
		return
	}
	v, ok := task.Value(ev.Key)
	if !ok {
		s.logger.Info("could not find task value", zap.String("key", ev.Key))
		return
	}
	status, err := s.convert(task, taskType, v, ev.Value)
	if err != nil {
		s.invalid(ctx, ev.Key, err)
		return
	}
	var statuses []model.DeviceStatus
	if status != nil {
		statuses = append(statuses, *status)
	}
	counted, err := s.count(task, v.ValueNumber, ev.Value, true)
	if err != nil {
		s.invalid(ctx, ev.Key, err)
		return
	}
	s.publish(ctx, device, append(statuses, counted...))
}

// count feeds pulse counter values to the counter, when one is configured.
func (s *Sensor) count(task *units.ResolvedTask, valueNumber int, raw string, pushed bool) ([]model.DeviceStatus, error) {
	if s.counter == nil || task.NormalizedType != pulseCounterType {
		return nil, nil
	}
	return s.counter.apply(valueNumber, raw, pushed)
}

// Total is the running pulse total of a counter sensor.
func (s *Sensor) Total() (float64, bool) {
	if s.counter == nil {
		return 0, false
	}
	return s.counter.Total()
}

// convert maps one task value to a status. A nil status without error
// means the value is skipped.
func (s *Sensor) convert(task *units.ResolvedTask, taskType *capability.TaskType, v model.TaskValue, raw string) (*model.DeviceStatus, error) {
	if err := taskType.Check(raw); err != nil {
		if errors.Is(err, capability.ErrEvent) {
			status := model.NewStatus(capability.EventCapability, strings.TrimSpace(raw), "")
			status.Dirty = true
			return &status, nil
		}
		return nil, err
	}

	c, err := s.catalog.Lookup(task.NormalizedType, v.ValueNumber)
	if err != nil {
		s.logger.Debug("no capability configured for value", zap.String("value", v.Name), zap.Error(err))
		return nil, nil
	}
	value, err := c.Convert(raw)
	if errors.Is(err, capability.ErrNaN) {
		s.logger.Info("ignoring nan value", zap.String("value", v.Name), zap.String("capability", c.Name))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	name := c.Name
	if v.ValueNumber < 1 || v.ValueNumber > len(taskType.Values) {
		// default capabilities are shared by all values of the task
		name = fmt.Sprintf("%s.%s", c.Name, strings.ToLower(v.Name))
	}
	status := model.NewStatus(name, value, c.Unit)
	return &status, nil
}

func (s *Sensor) invalid(ctx context.Context, value string, err error) {
	s.logger.Info("value did not validate", zap.String("value", value), zap.Error(err))
	reason := "Invalid value received"
	if errors.Is(err, capability.ErrIOBoardOffline) {
		reason = "IO board offline"
	}
	s.setAvailable(ctx, false, reason)
}

func (s *Sensor) clearTask() {
	s.mu.Lock()
	s.task = nil
	s.taskType = nil
	s.mu.Unlock()
}

func (s *Sensor) publish(ctx context.Context, device model.Device, statuses []model.DeviceStatus) {
	if len(statuses) == 0 {
		return
	}
	if err := s.sink.PublishData(ctx, map[model.Device][]model.DeviceStatus{device: statuses}); err != nil {
		s.logger.Warn("failed to publish values", zap.Error(err))
	}
}

// setAvailable forwards availability changes only.
func (s *Sensor) setAvailable(ctx context.Context, available bool, reason string) {
	s.mu.Lock()
	if s.available != nil && *s.available == available && s.reason == reason {
		s.mu.Unlock()
		return
	}
	s.available = &available
	s.reason = reason
	device := s.device
	s.mu.Unlock()

	if err := s.sink.SetAvailability(ctx, &device, available, reason); err != nil {
		s.logger.Warn("failed to set availability", zap.Error(err))
	}
}
