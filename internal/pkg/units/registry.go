package units

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anicoll/espeasy-integration/internal/pkg/config"
	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

// ipUnset is sent by firmware as its IP while it is changing address.
const ipUnset = "(IP unset)"

// Registry is the single table of known units. It is the only owner of
// unit destruction.
type Registry struct {
	mu    sync.RWMutex
	units []*Unit

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObs   uint64

	client   Client
	clock    clockwork.Clock
	settings *config.UnitSettings
	logger   *zap.Logger
}

type Option func(*Registry)

func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

func WithSettings(s *config.UnitSettings) Option {
	return func(r *Registry) {
		r.settings = s
	}
}

func NewRegistry(client Client, opts ...Option) *Registry {
	r := &Registry{
		observers: map[uint64]Observer{},
		client:    client,
		clock:     clockwork.NewRealClock(),
		settings:  config.DefaultUnitSettings(),
		logger:    zap.L(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("units")
	return r
}

// Subscribe registers an observer for the events of every unit.
func (r *Registry) Subscribe(o Observer) func() {
	r.obsMu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = o
	r.obsMu.Unlock()
	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

func (r *Registry) dispatch(e Event) {
	r.obsMu.RLock()
	targets := lo.Values(r.observers)
	r.obsMu.RUnlock()
	for _, o := range targets {
		o.OnUnitEvent(e)
	}
}

// FindUnit resolves a unit by MAC, then by host and port. When neither
// matches and autoCreate is set a new unit is registered and its first
// status fetch is started in the background. An existing unit found by MAC
// at a different host verifies that host in the background.
func (r *Registry) FindUnit(mac, host string, port int, autoCreate bool) *Unit {
	if host == ipUnset {
		host = ""
	}
	if port == 0 {
		port = 80
	}

	r.mu.Lock()
	if mac != "" {
		if u, ok := lo.Find(r.units, func(u *Unit) bool { return strings.EqualFold(u.MAC(), mac) }); ok {
			r.mu.Unlock()
			if host != "" {
				u.TryHost(host, port)
			}
			return u
		}
	}
	if host == "" {
		r.mu.Unlock()
		return nil
	}
	if u, ok := lo.Find(r.units, func(u *Unit) bool { return u.IsHost(host) && u.Port() == port }); ok {
		r.mu.Unlock()
		return u
	}
	if !autoCreate {
		r.mu.Unlock()
		return nil
	}

	u := newUnit(r, mac, host, port)
	r.units = append(r.units, u)
	r.mu.Unlock()

	r.logger.Info("initialising new unit", zap.String("mac", mac), zap.String("host", host), zap.Int("port", port))
	_ = u.SetPollInterval(PollAuto)
	u.refreshInBackground()
	return u
}

// claimMAC binds mac to u unless another registered unit already owns it,
// in which case that unit is returned.
func (r *Registry) claimMAC(u *Unit, mac string) *Unit {
	if mac == "" {
		return u
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if other, ok := lo.Find(r.units, func(o *Unit) bool {
		return o != u && strings.EqualFold(o.MAC(), mac)
	}); ok {
		return other
	}
	u.mu.Lock()
	u.mac = strings.ToUpper(mac)
	u.mu.Unlock()
	return u
}

// Remove drops u from the registry and stops its polling. Removing an
// unknown unit is a no-op.
func (r *Registry) Remove(u *Unit) {
	r.mu.Lock()
	before := len(r.units)
	r.units = lo.Without(r.units, u)
	removed := len(r.units) != before
	r.mu.Unlock()
	if !removed {
		return
	}
	r.logger.Info("removing unit", zap.String("host", u.Host()), zap.String("mac", u.MAC()))
	u.markRemoved()
}

// Inbound validates and routes a pushed value.
func (r *Registry) Inbound(ev model.PushEvent) (model.InboundResponse, error) {
	switch {
	case ev.MAC != "" && ev.IP != "" && ev.IDX != "" && ev.Task != "" && ev.Key != "" && ev.Value != "":
	case ev.MAC != "" && ev.IP != "" && ev.IDX != "" && ev.Task != "" && ev.Key == "" && ev.Value != "":
		msg := fmt.Sprintf("Invalid event from %s, task %s (%s). Using empty key name!", ev.IP, ev.Task, ev.IDX)
		r.logger.Warn(msg)
		return model.InboundResponse{Response: msg}, model.ErrInvalidEvent
	default:
		r.logger.Warn("invalid event", zap.Any("event", ev))
		return model.InboundResponse{Response: "invalid event. Need arguments: mac, idx, ip, task, key and value"}, model.ErrInvalidEvent
	}

	u := r.FindUnit(ev.MAC, ev.IP, 80, true)
	if u == nil {
		r.logger.Warn("event for unknown unit", zap.Any("event", ev))
		return model.InboundResponse{Response: "unknown unit"}, model.ErrUnknownUnit
	}
	u.NewEvent(ev)
	return model.InboundResponse{Response: model.InboundOK}, nil
}

// Probe finds or creates the unit at host:port, waits for its status and
// returns the canonical unit for the device behind it.
func (r *Registry) Probe(ctx context.Context, host string, port int) (*Unit, error) {
	u := r.FindUnit("", host, port, true)
	if u == nil {
		return nil, &model.ConfigurationError{Msg: "no host given"}
	}
	snap, err := u.UpdateJSON(ctx)
	if err != nil {
		return nil, err
	}
	if mac := snap.MAC(); mac != "" {
		if canonical, ok := r.Get(mac); ok {
			return canonical, nil
		}
	}
	if !u.Removed() {
		return u, nil
	}
	return nil, &model.ConfigurationError{Msg: fmt.Sprintf("unit at %s:%d is gone", host, port)}
}

// Get returns the unit registered under mac.
func (r *Registry) Get(mac string) (*Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Find(r.units, func(u *Unit) bool { return strings.EqualFold(u.MAC(), mac) })
}

func (r *Registry) All() []*Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Unit(nil), r.units...)
}

func (r *Registry) ListOnline() []*Unit {
	return lo.Filter(r.All(), func(u *Unit, _ int) bool { return u.IsOnline() })
}

// ListUnregistered lists online units without adapters, the candidates for
// pairing.
func (r *Registry) ListUnregistered() []*Unit {
	return lo.Filter(r.All(), func(u *Unit, _ int) bool { return u.IsOnline() && !u.IsRegistered() })
}

// Close stops polling of every unit.
func (r *Registry) Close() {
	for _, u := range r.All() {
		u.stopPolling()
	}
}
