package units

import (
	"math"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

const testingSuffix = " [TESTING]"

// Binding is an enabled controller binding of a task. Slot is the position
// of the binding in the task's DataAcquisition list as reported by the unit.
type Binding struct {
	Slot       int    `json:"slot"`
	Controller string `json:"controller"`
	IDX        int    `json:"idx"`
	Duplicate  bool   `json:"duplicate"`
}

// Usable reports whether the binding can identify a task.
func (b Binding) Usable() bool {
	return !b.Duplicate && b.IDX > 0
}

// ResolvedTask is an enabled task with its enabled bindings and their
// duplicate flags.
type ResolvedTask struct {
	Number         int               `json:"number"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	NormalizedType string            `json:"normalized_type"`
	DeviceNumber   int               `json:"device_number"`
	Values         []model.TaskValue `json:"values"`
	Bindings       []Binding         `json:"bindings"`
}

// Binding returns the binding of the task for controller/idx.
func (t *ResolvedTask) Binding(controller string, idx int) (Binding, bool) {
	return lo.Find(t.Bindings, func(b Binding) bool {
		return b.Controller == controller && b.IDX == idx
	})
}

// Value looks up a task value by name.
func (t *ResolvedTask) Value(name string) (model.TaskValue, bool) {
	return lo.Find(t.Values, func(v model.TaskValue) bool {
		return v.Name == name
	})
}

// Usable reports whether at least one binding identifies the task.
func (t *ResolvedTask) Usable() bool {
	return lo.SomeBy(t.Bindings, Binding.Usable)
}

// NormalizeType strips the pre-release marker firmware appends to plugin
// names so testing builds match production task types.
func NormalizeType(taskType string) string {
	return strings.TrimSuffix(taskType, testingSuffix)
}

// ResolveTasks keeps the enabled tasks, drops disabled bindings and marks
// every pair of bindings in the same slot of two different tasks that share
// controller and idx as duplicate.
func ResolveTasks(sensors []model.Task) []ResolvedTask {
	enabled := lo.Filter(sensors, func(t model.Task, _ int) bool {
		return bool(t.TaskEnabled)
	})
	tasks := lo.Map(enabled, func(t model.Task, _ int) ResolvedTask {
		bindings := make([]Binding, 0, len(t.DataAcquisition))
		for slot, acq := range t.DataAcquisition {
			if !acq.Enabled {
				continue
			}
			bindings = append(bindings, Binding{
				Slot:       slot,
				Controller: acq.Controller.String(),
				IDX:        acq.IDX,
			})
		}
		return ResolvedTask{
			Number:         t.TaskNumber,
			Name:           t.TaskName,
			Type:           t.Type,
			NormalizedType: NormalizeType(t.Type),
			DeviceNumber:   t.TaskDeviceNumber,
			Values:         t.TaskValues,
			Bindings:       bindings,
		}
	})

	for a := 0; a < len(tasks); a++ {
		for b := a + 1; b < len(tasks); b++ {
			markDuplicates(tasks[a].Bindings, tasks[b].Bindings)
		}
	}
	return tasks
}

func markDuplicates(first, second []Binding) {
	for i := range first {
		for j := range second {
			x, y := &first[i], &second[j]
			if x.Slot == y.Slot && x.Controller == y.Controller && x.IDX == y.IDX {
				x.Duplicate = true
				y.Duplicate = true
			}
		}
	}
}

// Snapshot is one successfully fetched status document with its tasks
// resolved. It is never mutated after construction.
type Snapshot struct {
	Status    *model.Status  `json:"status"`
	Tasks     []ResolvedTask `json:"tasks"`
	FetchedAt time.Time      `json:"fetched_at"`
}

func NewSnapshot(status *model.Status, at time.Time) *Snapshot {
	return &Snapshot{
		Status:    status,
		Tasks:     ResolveTasks(status.Sensors),
		FetchedAt: at,
	}
}

func (s *Snapshot) MAC() string {
	return s.Status.WiFi.STAMAC
}

func (s *Snapshot) UnitNumber() int {
	return s.Status.System.UnitNumber
}

func (s *Snapshot) Uptime() float64 {
	if s.Status.System.Uptime == nil {
		return 0
	}
	return s.Status.System.Uptime.Float64()
}

func (s *Snapshot) ConnectedMsec() (float64, bool) {
	if s.Status.WiFi.ConnectedMsec == nil {
		return 0, false
	}
	return s.Status.WiFi.ConnectedMsec.Float64(), true
}

// TTL returns the refresh interval advertised by the unit.
func (s *Snapshot) TTL() (time.Duration, bool) {
	if s.Status.TTL == nil {
		return 0, false
	}
	ms := s.Status.TTL.Float64()
	if math.IsNaN(ms) || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// ResolveTask finds the task bound to controller/idx. A binding flagged
// duplicate is never picked.
func (s *Snapshot) ResolveTask(controller string, idx int) (*ResolvedTask, error) {
	for i := range s.Tasks {
		t := &s.Tasks[i]
		b, ok := t.Binding(controller, idx)
		if !ok {
			continue
		}
		if b.Duplicate {
			return nil, &model.ResolutionError{Kind: model.ErrDuplicateIDX, Controller: controller, IDX: idx, TaskType: t.Type}
		}
		return t, nil
	}
	return nil, &model.ResolutionError{Kind: model.ErrTaskNotFound, Controller: controller, IDX: idx}
}
