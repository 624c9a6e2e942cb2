package units

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

func task(number int, name, typ string, enabled bool, acq ...model.Acquisition) model.Task {
	return model.Task{
		TaskNumber:      number,
		TaskName:        name,
		Type:            typ,
		TaskEnabled:     model.FlexBool(enabled),
		TaskValues:      []model.TaskValue{{ValueNumber: 1, Name: "Value", Value: 1}},
		DataAcquisition: acq,
	}
}

func acq(controller string, idx int, enabled bool) model.Acquisition {
	return model.Acquisition{Controller: model.FlexString(controller), IDX: idx, Enabled: model.FlexBool(enabled)}
}

func TestResolveTasks_DuplicateIDX(t *testing.T) {
	tasks := ResolveTasks([]model.Task{
		task(1, "meter", "Generic - Dummy Device", true, acq("P1", 1, true)),
		task(2, "meter2", "Generic - Dummy Device", true, acq("P1", 1, true)),
		task(3, "other", "Generic - Dummy Device", true, acq("P1", 2, true)),
	})
	require.Len(t, tasks, 3)
	assert.True(t, tasks[0].Bindings[0].Duplicate)
	assert.True(t, tasks[1].Bindings[0].Duplicate)
	assert.False(t, tasks[2].Bindings[0].Duplicate)
	assert.False(t, tasks[0].Usable())
	assert.True(t, tasks[2].Usable())
}

func TestResolveTasks_Filtering(t *testing.T) {
	tests := map[string]struct {
		sensors      []model.Task
		wantTasks    int
		wantBindings []Binding
	}{
		"disabled task dropped": {
			sensors: []model.Task{
				task(1, "a", "Switch input - Switch", false, acq("1", 5, true)),
				task(2, "b", "Switch input - Switch", true, acq("1", 6, true)),
			},
			wantTasks:    1,
			wantBindings: []Binding{{Slot: 0, Controller: "1", IDX: 6}},
		},
		"disabled binding dropped keeps slot": {
			sensors: []model.Task{
				task(1, "a", "Switch input - Switch", true, acq("1", 5, false), acq("2", 5, true)),
			},
			wantTasks:    1,
			wantBindings: []Binding{{Slot: 1, Controller: "2", IDX: 5}},
		},
		"disabled binding never duplicates": {
			sensors: []model.Task{
				task(1, "a", "Switch input - Switch", true, acq("1", 5, true)),
				task(2, "b", "Switch input - Switch", true, acq("1", 5, false)),
			},
			wantTasks:    2,
			wantBindings: []Binding{{Slot: 0, Controller: "1", IDX: 5}},
		},
		"same idx in different slots": {
			sensors: []model.Task{
				task(1, "a", "Switch input - Switch", true, acq("1", 5, true)),
				task(2, "b", "Switch input - Switch", true, acq("2", 9, true), acq("1", 5, true)),
			},
			wantTasks:    2,
			wantBindings: []Binding{{Slot: 0, Controller: "1", IDX: 5}},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got := ResolveTasks(tt.sensors)
			require.Len(t, got, tt.wantTasks)
			assert.Equal(t, tt.wantBindings, got[0].Bindings)
		})
	}
}

func TestNormalizeType(t *testing.T) {
	assert.Equal(t, "Environment - BME280", NormalizeType("Environment - BME280 [TESTING]"))
	assert.Equal(t, "Environment - BME280", NormalizeType("Environment - BME280"))

	tasks := ResolveTasks([]model.Task{task(1, "t", "Energy (AC) - PZEM-004Tv30 [TESTING]", true)})
	assert.Equal(t, "Energy (AC) - PZEM-004Tv30", tasks[0].NormalizedType)
	assert.Equal(t, "Energy (AC) - PZEM-004Tv30 [TESTING]", tasks[0].Type)
}

func TestSnapshot_ResolveTask(t *testing.T) {
	status := statusFor("AA:BB:CC:DD:EE:FF", 10, 10)
	status.Sensors = []model.Task{
		task(1, "meter", "Generic - Dummy Device", true, acq("P1", 1, true)),
		task(2, "meter2", "Generic - Dummy Device", true, acq("P1", 1, true)),
		task(3, "other", "Generic - Dummy Device", true, acq("P1", 2, true)),
	}
	snap := NewSnapshot(status, time.Now())

	got, err := snap.ResolveTask("P1", 2)
	require.NoError(t, err)
	assert.Equal(t, "other", got.Name)

	_, err = snap.ResolveTask("P1", 1)
	assert.True(t, errors.Is(err, model.ErrDuplicateIDX))

	_, err = snap.ResolveTask("P1", 7)
	assert.True(t, errors.Is(err, model.ErrTaskNotFound))
	var rerr *model.ResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, 7, rerr.IDX)
}

func TestSnapshot_TTL(t *testing.T) {
	status := statusFor("AA:BB:CC:DD:EE:FF", 10, 10)
	snap := NewSnapshot(status, time.Now())
	_, ok := snap.TTL()
	assert.False(t, ok)

	ttl := model.FlexFloat(30000)
	status.TTL = &ttl
	got, ok := NewSnapshot(status, time.Now()).TTL()
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, got)

	bad := model.FlexFloat(-1)
	status.TTL = &bad
	_, ok = NewSnapshot(status, time.Now()).TTL()
	assert.False(t, ok)
}
