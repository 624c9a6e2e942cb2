package adapter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
	"github.com/anicoll/espeasy-integration/internal/pkg/units"
)

func newSensor(t *testing.T, unit *fakeUnit) (*Sensor, *MockSink) {
	t.Helper()
	sink := &MockSink{}
	s := NewSensor(unit, "climate", "1", 12, loadCatalog(t), sink, zaptest.NewLogger(t))
	return s, sink
}

func TestSensor_AttachOnline(t *testing.T) {
	unit := &fakeUnit{online: true, snapshot: snapshotOf(bme280("climate", "1", 12, 21.5, 104, 1013.2))}
	s, sink := newSensor(t, unit)
	s.Attach(t.Context())

	assert.Len(t, unit.sensors, 1)
	assert.Equal(t, availability{available: true}, sink.last())
	assert.Equal(t, map[string]string{
		"measure_temperature": "21.5",
		"measure_humidity":    "100",
		"measure_pressure":    "1013.2",
	}, sink.values())
	require.Len(t, sink.devices, 1)
	assert.Equal(t, "Environment - BMx280", sink.devices[0].Model)

	s.Detach()
	assert.Empty(t, unit.sensors)
}

func TestSensor_AttachOffline(t *testing.T) {
	unit := &fakeUnit{reason: "Unit unreachable"}
	s, sink := newSensor(t, unit)
	s.Attach(t.Context())

	assert.Equal(t, availability{reason: "Unit unreachable"}, sink.last())
	available, reason := s.Available()
	assert.False(t, available)
	assert.Equal(t, "Unit unreachable", reason)
}

func TestSensor_UnavailableReasons(t *testing.T) {
	unknown := bme280("display", "1", 12, 0, 0, 0)
	unknown.Type = "Display - OLED SSD1306"

	switchTask := bme280("door", "1", 12, 0, 0, 0)
	switchTask.Type = "Switch input - Switch"
	switchTask.TaskValues = []model.TaskValue{{ValueNumber: 1, Name: "State", Value: 7}}

	offlineSwitch := switchTask
	offlineSwitch.TaskValues = []model.TaskValue{{ValueNumber: 1, Name: "State", Value: -1}}

	tests := map[string]struct {
		snapshot *units.Snapshot
		want     string
	}{
		"duplicate idx": {
			snapshot: snapshotOf(bme280("a", "1", 12, 20, 50, 1000), bme280("b", "1", 12, 20, 50, 1000)),
			want:     "Duplicate IDX 12 for controller 1",
		},
		"task not found": {
			snapshot: snapshotOf(bme280("a", "1", 13, 20, 50, 1000)),
			want:     "No task found for controller 1 with IDX 12",
		},
		"other controller": {
			snapshot: snapshotOf(bme280("a", "2", 12, 20, 50, 1000)),
			want:     "No task found for controller 1 with IDX 12",
		},
		"unknown type": {
			snapshot: snapshotOf(unknown),
			want:     "Task for controller 1 with IDX 12 has unsupported type Display - OLED SSD1306",
		},
		"invalid value": {
			snapshot: snapshotOf(switchTask),
			want:     "Invalid value received",
		},
		"io board offline": {
			snapshot: snapshotOf(offlineSwitch),
			want:     "IO board offline",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s, sink := newSensor(t, &fakeUnit{})
			s.OnUnitEvent(units.Event{Kind: units.KindJSONUpdate, Snapshot: tc.snapshot})
			assert.Equal(t, availability{reason: tc.want}, sink.last())
			assert.Empty(t, sink.values())
		})
	}
}

func TestSensor_Offline(t *testing.T) {
	unit := &fakeUnit{online: true, snapshot: snapshotOf(bme280("climate", "1", 12, 21.5, 40, 1013))}
	s, sink := newSensor(t, unit)
	s.Attach(t.Context())

	s.OnUnitEvent(units.Event{Kind: units.KindStateChange, Online: false, Reason: "Timeout reaching unit"})
	assert.Equal(t, availability{reason: "Timeout reaching unit"}, sink.last())

	// going online alone does not make the sensor available
	s.OnUnitEvent(units.Event{Kind: units.KindStateChange, Online: true})
	assert.Equal(t, availability{reason: "Timeout reaching unit"}, sink.last())

	s.OnUnitEvent(units.Event{Kind: units.KindJSONUpdate, Snapshot: unit.snapshot})
	assert.Equal(t, availability{available: true}, sink.last())
}

func TestSensor_AvailabilityForwardedOnChange(t *testing.T) {
	unit := &fakeUnit{online: true, snapshot: snapshotOf(bme280("climate", "1", 12, 21.5, 40, 1013))}
	s, sink := newSensor(t, unit)
	s.Attach(t.Context())
	s.OnUnitEvent(units.Event{Kind: units.KindJSONUpdate, Snapshot: unit.snapshot})
	s.OnUnitEvent(units.Event{Kind: units.KindJSONUpdate, Snapshot: unit.snapshot})
	assert.Len(t, sink.availability, 1)
}

func TestSensor_NaNIgnored(t *testing.T) {
	task := bme280("climate", "1", 12, 21.5, math.NaN(), 1013)
	unit := &fakeUnit{online: true, snapshot: snapshotOf(task)}
	s, sink := newSensor(t, unit)
	s.Attach(t.Context())

	assert.Equal(t, availability{available: true}, sink.last())
	values := sink.values()
	assert.NotContains(t, values, "measure_humidity")
	assert.Equal(t, "21.5", values["measure_temperature"])
}

func TestSensor_PushEvent(t *testing.T) {
	unit := &fakeUnit{online: true, snapshot: snapshotOf(bme280("climate", "1", 12, 21.5, 40, 1013))}
	s, sink := newSensor(t, unit)
	s.Attach(t.Context())
	sink.reset()

	s.OnUnitEvent(units.Event{Kind: units.KindEvent, Push: &model.PushEvent{Task: "climate", Key: "Temperature", Value: "22.75"}})
	assert.Equal(t, map[string]string{"measure_temperature": "22.75"}, sink.values())

	sink.reset()
	s.OnUnitEvent(units.Event{Kind: units.KindEvent, Push: &model.PushEvent{Task: "other", Key: "Temperature", Value: "30"}})
	s.OnUnitEvent(units.Event{Kind: units.KindEvent, Push: &model.PushEvent{Task: "climate", Key: "Unknown", Value: "30"}})
	assert.Empty(t, sink.values())

	s.OnUnitEvent(units.Event{Kind: units.KindEvent, Push: &model.PushEvent{Task: "climate", Key: "Humidity", Value: "abc"}})
	assert.Equal(t, availability{reason: "Invalid value received"}, sink.last())
}

func TestSensor_SwitchEvents(t *testing.T) {
	task := bme280("door", "1", 12, 0, 0, 0)
	task.Type = "Switch input - Switch"
	task.TaskValues = []model.TaskValue{{ValueNumber: 1, Name: "State", Value: 1}}
	unit := &fakeUnit{online: true, snapshot: snapshotOf(task)}
	s, sink := newSensor(t, unit)
	s.Attach(t.Context())
	assert.Equal(t, map[string]string{"alarm_generic": "true"}, sink.values())

	sink.reset()
	s.OnUnitEvent(units.Event{Kind: units.KindEvent, Push: &model.PushEvent{Task: "door", Key: "State", Value: "3"}})
	require.Len(t, sink.published, 1)
	assert.Equal(t, "switch_event", sink.published[0].Name)
	assert.Equal(t, "3", *sink.published[0].Value)
	assert.True(t, sink.published[0].Dirty)
}

func TestSensor_DefaultCapability(t *testing.T) {
	task := model.Task{
		TaskNumber:  4,
		TaskName:    "dummy",
		Type:        "Generic - Dummy Device",
		TaskEnabled: true,
		TaskValues: []model.TaskValue{
			{ValueNumber: 1, Name: "Level", Value: 3},
			{ValueNumber: 2, Name: "Flow", Value: 1.5},
		},
		DataAcquisition: []model.Acquisition{{Controller: "1", IDX: 12, Enabled: true}},
	}
	unit := &fakeUnit{online: true, snapshot: snapshotOf(task)}
	s, sink := newSensor(t, unit)
	s.Attach(t.Context())

	assert.Equal(t, map[string]string{
		"measure_generic.level": "3",
		"measure_generic.flow":  "1.5",
	}, sink.values())
}

func TestSensor_Binding(t *testing.T) {
	s, _ := newSensor(t, &fakeUnit{})
	controller, idx := s.Binding()
	assert.Equal(t, "1", controller)
	assert.Equal(t, 12, idx)
	assert.Equal(t, "c1_idx12", s.Device().ID)
}
