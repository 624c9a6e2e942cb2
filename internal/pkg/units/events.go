package units

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

type EventKind string

const (
	KindJSONUpdate     EventKind = "jsonUpdate"
	KindEvent          EventKind = "event"
	KindStateChange    EventKind = "stateChange"
	KindReboot         EventKind = "reboot"
	KindReconnect      EventKind = "reconnect"
	KindSettingsUpdate EventKind = "settingsUpdate"
)

// Event is a domain event emitted by a Unit. Which optional fields are set
// depends on Kind:
//
//	jsonUpdate      Snapshot (new)
//	event           Push
//	stateChange     Online, Reason
//	reboot          Previous, Snapshot, Reboot
//	reconnect       Previous, Snapshot, Reconnect
//	settingsUpdate  Settings
type Event struct {
	ID        uuid.UUID        `json:"id"`
	Kind      EventKind        `json:"kind"`
	Unit      *Unit            `json:"-"`
	MAC       string           `json:"mac"`
	Host      string           `json:"host"`
	At        time.Time        `json:"at"`
	Snapshot  *Snapshot        `json:"-"`
	Previous  *Snapshot        `json:"-"`
	Online    bool             `json:"online"`
	Reason    string           `json:"reason,omitempty"`
	Push      *model.PushEvent `json:"push,omitempty"`
	Reboot    *RebootInfo      `json:"reboot,omitempty"`
	Reconnect *ReconnectInfo   `json:"reconnect,omitempty"`
	Settings  *Settings        `json:"settings,omitempty"`
}

type RebootInfo struct {
	ResetReason   string  `json:"reset_reason"`
	LastBootCause string  `json:"last_boot_cause"`
	BootCount     int     `json:"boot_count"`
	OldUptime     float64 `json:"old_uptime"`
	NewUptime     float64 `json:"new_uptime"`
}

type ReconnectInfo struct {
	NumberReconnects     int    `json:"number_reconnects"`
	LastDisconnectReason string `json:"last_disconnect_reason"`
	LastDisconnectText   string `json:"last_disconnect_text"`
}

// Settings are the connection settings adapters persist for their unit.
type Settings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	IDX  int    `json:"idx"`
}

// Observer receives unit events synchronously on the emitting goroutine.
type Observer interface {
	OnUnitEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnUnitEvent(e Event) {
	f(e)
}

// SensorAdapter is a device bound to one task of a unit by controller/idx.
type SensorAdapter interface {
	Observer
	Binding() (controller string, idx int)
}

// GPIOAdapter is a device bound to one pin of a unit.
type GPIOAdapter interface {
	Observer
	GPIOID() string
	// Control drives the pin. Invalid commands fail with a
	// model.ConfigurationError before anything is sent.
	Control(ctx context.Context, cmd model.OutputCommand) error
}
