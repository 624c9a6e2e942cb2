package units

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/anicoll/espeasy-integration/internal/pkg/config"
	"github.com/anicoll/espeasy-integration/internal/pkg/espeasy"
	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

const maxEventCount = 1000000

// Client talks to a unit over HTTP.
type Client interface {
	FetchStatus(ctx context.Context, host string, port int) (*model.Status, error)
	SendCommand(ctx context.Context, host string, port int, tokens ...string) (map[string]any, error)
}

type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Unit is one firmware node. All exported methods are safe for concurrent
// use. A Unit never calls into its Registry while holding its own lock.
type Unit struct {
	mu                  sync.RWMutex
	host                string
	port                int
	mac                 string
	state               State
	offlineReason       string
	lastEvent           time.Time
	consecutiveTimeouts int
	eventCount          int
	snapshot            *Snapshot
	sensors             []SensorAdapter
	gpios               []GPIOAdapter
	observers           map[uint64]Observer
	nextObserver        uint64
	removed             bool
	orphaned            bool // host taken over by another unit

	ready     chan struct{}
	readyOnce sync.Once
	readyUnit *Unit
	readyErr  error

	poll pollState

	flight  singleflight.Group
	waiters atomic.Int32
	probing atomic.Bool

	registry *Registry
	client   Client
	clock    clockwork.Clock
	settings *config.UnitSettings
	logger   *zap.Logger
}

func newUnit(r *Registry, mac, host string, port int) *Unit {
	return &Unit{
		host:      host,
		port:      port,
		mac:       strings.ToUpper(mac),
		observers: map[uint64]Observer{},
		ready:     make(chan struct{}),
		registry:  r,
		client:    r.client,
		clock:     r.clock,
		settings:  r.settings,
		logger:    r.logger.With(zap.String("host", host), zap.Int("port", port)),
	}
}

func (u *Unit) Host() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.host
}

func (u *Unit) Port() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.port
}

// MAC is the reported station MAC, or the MAC the unit was created with
// before its first fetch.
func (u *Unit) MAC() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.mac
}

// IP is the address reported by the unit, falling back to the host.
func (u *Unit) IP() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.snapshot != nil && u.snapshot.Status.WiFi.IPAddress != "" {
		return u.snapshot.Status.WiFi.IPAddress
	}
	return u.host
}

// Name is the configured unit name, falling back to the IP.
func (u *Unit) Name() string {
	u.mu.RLock()
	snap := u.snapshot
	u.mu.RUnlock()
	if snap != nil && snap.Status.System.UnitName != "" {
		return snap.Status.System.UnitName
	}
	return u.IP()
}

// IDX is the unit number, 0 before the first fetch.
func (u *Unit) IDX() int {
	if snap := u.Snapshot(); snap != nil {
		return snap.UnitNumber()
	}
	return 0
}

func (u *Unit) HasStaticIP() bool {
	snap := u.Snapshot()
	return snap != nil && strings.EqualFold(snap.Status.WiFi.IPConfig, "static")
}

// IsHost reports whether name is the unit's host or reported IP.
func (u *Unit) IsHost(name string) bool {
	if name == "" {
		return false
	}
	return name == u.Host() || name == u.IP()
}

func (u *Unit) IsOnline() bool {
	return u.State() == StateOnline
}

func (u *Unit) State() State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state
}

// OfflineReason is the human readable reason of the last offline transition.
func (u *Unit) OfflineReason() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.offlineReason
}

func (u *Unit) LastEvent() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastEvent
}

func (u *Unit) EventCount() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.eventCount
}

func (u *Unit) ConsecutiveTimeouts() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.consecutiveTimeouts
}

// Snapshot returns the last fetched status, nil before the first success.
func (u *Unit) Snapshot() *Snapshot {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.snapshot
}

func (u *Unit) Tasks() []ResolvedTask {
	if snap := u.Snapshot(); snap != nil {
		return snap.Tasks
	}
	return nil
}

// IsRegistered reports whether any adapter is attached.
func (u *Unit) IsRegistered() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.sensors)+len(u.gpios) > 0
}

// FreeTasks lists usable tasks that no sensor adapter claims yet.
func (u *Unit) FreeTasks() []ResolvedTask {
	u.mu.RLock()
	snap := u.snapshot
	sensors := append([]SensorAdapter(nil), u.sensors...)
	u.mu.RUnlock()
	if snap == nil {
		return nil
	}
	return lo.Filter(snap.Tasks, func(t ResolvedTask, _ int) bool {
		if !t.Usable() {
			return false
		}
		return !lo.SomeBy(sensors, func(s SensorAdapter) bool {
			controller, idx := s.Binding()
			b, ok := t.Binding(controller, idx)
			return ok && b.Usable()
		})
	})
}

func (u *Unit) AddSensor(s SensorAdapter) {
	u.mu.Lock()
	u.sensors = append(u.sensors, s)
	u.mu.Unlock()
}

func (u *Unit) RemoveSensor(s SensorAdapter) {
	u.mu.Lock()
	u.sensors = lo.Without(u.sensors, s)
	u.mu.Unlock()
}

func (u *Unit) AddGPIO(g GPIOAdapter) {
	u.mu.Lock()
	u.gpios = append(u.gpios, g)
	u.mu.Unlock()
}

func (u *Unit) RemoveGPIO(g GPIOAdapter) {
	u.mu.Lock()
	u.gpios = lo.Without(u.gpios, g)
	u.mu.Unlock()
}

// GPIO returns the GPIO adapter with the given id.
func (u *Unit) GPIO(id string) (GPIOAdapter, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return lo.Find(u.gpios, func(g GPIOAdapter) bool {
		return g.GPIOID() == id
	})
}

// Subscribe registers an observer for this unit's events and returns a
// function that removes it.
func (u *Unit) Subscribe(o Observer) func() {
	u.mu.Lock()
	id := u.nextObserver
	u.nextObserver++
	u.observers[id] = o
	u.mu.Unlock()
	return func() {
		u.mu.Lock()
		delete(u.observers, id)
		u.mu.Unlock()
	}
}

func (u *Unit) emit(e Event) {
	e.ID = uuid.New()
	e.Unit = u
	e.At = u.clock.Now()

	u.mu.RLock()
	e.MAC = u.mac
	e.Host = u.host
	targets := make([]Observer, 0, len(u.observers)+len(u.sensors)+len(u.gpios))
	for _, o := range u.observers {
		targets = append(targets, o)
	}
	for _, s := range u.sensors {
		targets = append(targets, s)
	}
	for _, g := range u.gpios {
		targets = append(targets, g)
	}
	u.mu.RUnlock()

	for _, o := range targets {
		o.OnUnitEvent(e)
	}
	u.registry.dispatch(e)
}

// WaitReady blocks until the first fetch finished and returns the canonical
// unit for this device. That is another Unit when the fetched MAC was
// already registered.
func (u *Unit) WaitReady(ctx context.Context) (*Unit, error) {
	select {
	case <-u.ready:
		return u.readyUnit, u.readyErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *Unit) resolveReady(canonical *Unit, err error) {
	u.readyOnce.Do(func() {
		u.readyUnit = canonical
		u.readyErr = err
		close(u.ready)
	})
}

// UpdateJSON fetches /json. Concurrent callers share one request and all
// receive its outcome.
func (u *Unit) UpdateJSON(ctx context.Context) (*Snapshot, error) {
	u.waiters.Add(1)
	defer u.waiters.Add(-1)

	fctx := context.WithoutCancel(ctx)
	ch := u.flight.DoChan("json", func() (any, error) {
		return u.fetch(fctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *Unit) refreshInBackground() {
	go func() {
		if _, err := u.UpdateJSON(context.Background()); err != nil {
			u.logger.Debug("background refresh failed", zap.Error(err))
		}
	}()
}

func (u *Unit) fetch(ctx context.Context) (*Snapshot, error) {
	host, port := u.Host(), u.Port()
	if host == "" {
		return nil, &model.ConfigurationError{Msg: "unit has no host"}
	}
	status, err := u.client.FetchStatus(ctx, host, port)
	if err != nil {
		u.fetchFailed(err)
		return nil, err
	}

	snap := NewSnapshot(status, u.clock.Now())
	first := u.Snapshot() == nil
	if first || (snap.MAC() != "" && !strings.EqualFold(snap.MAC(), u.MAC())) {
		if existing := u.registry.claimMAC(u, snap.MAC()); existing != u {
			u.logger.Info("unit already known, deferring to existing record",
				zap.String("mac", snap.MAC()), zap.String("existing_host", existing.Host()))
			existing.UpdateHost(host, port)
			existing.refreshInBackground()
			if first {
				u.registry.Remove(u)
				u.resolveReady(existing, nil)
			} else {
				u.displaced(snap.MAC())
			}
			return snap, nil
		}
		if first {
			u.logger.Info("first status fetched", zap.String("mac", snap.MAC()), zap.String("name", status.System.UnitName))
		} else {
			u.logger.Warn("host reports a new mac", zap.String("mac", snap.MAC()))
		}
	}
	u.applySnapshot(snap)
	u.resolveReady(u, nil)
	return snap, nil
}

func (u *Unit) applySnapshot(snap *Snapshot) {
	u.mu.Lock()
	old := u.snapshot
	u.snapshot = snap
	if mac := snap.MAC(); mac != "" {
		u.mac = strings.ToUpper(mac)
	}
	u.lastEvent = snap.FetchedAt
	u.consecutiveTimeouts = 0
	becameOnline := u.state != StateOnline
	u.state = StateOnline
	u.offlineReason = ""
	u.mu.Unlock()

	if becameOnline {
		u.logger.Info("unit online", zap.String("mac", snap.MAC()))
		u.emit(Event{Kind: KindStateChange, Online: true})
	}

	if old != nil {
		switch {
		case snap.Uptime() < old.Uptime():
			sys := snap.Status.System
			u.logger.Info("unit rebooted", zap.Float64("old_uptime", old.Uptime()), zap.Float64("uptime", snap.Uptime()))
			u.emit(Event{Kind: KindReboot, Previous: old, Snapshot: snap, Reboot: &RebootInfo{
				ResetReason:   sys.ResetReason,
				LastBootCause: sys.LastBootCause,
				BootCount:     sys.BootCount,
				OldUptime:     old.Uptime(),
				NewUptime:     snap.Uptime(),
			}})
		case reconnected(old, snap):
			wifi := snap.Status.WiFi
			u.logger.Info("unit reconnected", zap.Int("reconnects", wifi.NumberReconnects))
			u.emit(Event{Kind: KindReconnect, Previous: old, Snapshot: snap, Reconnect: &ReconnectInfo{
				NumberReconnects:     wifi.NumberReconnects,
				LastDisconnectReason: wifi.LastDisconnectReason.String(),
				LastDisconnectText:   wifi.LastDisconnectText,
			}})
		}
		if old.UnitNumber() != snap.UnitNumber() {
			u.emitSettings()
		}
	}

	u.emit(Event{Kind: KindJSONUpdate, Snapshot: snap})
	u.rearmAuto(snap)
}

func reconnected(old, snap *Snapshot) bool {
	prev, ok := old.ConnectedMsec()
	if !ok {
		return false
	}
	cur, ok := snap.ConnectedMsec()
	return ok && cur < prev
}

func (u *Unit) fetchFailed(err error) {
	reason := espeasy.ReasonOf(err)

	u.mu.Lock()
	first := u.snapshot == nil
	if reason == model.ReasonTimeout {
		u.consecutiveTimeouts++
	}
	goOffline := first || reason != model.ReasonTimeout || u.consecutiveTimeouts > u.settings.TimeoutBudget
	transition := goOffline && u.state != StateOffline
	if goOffline {
		u.state = StateOffline
		u.offlineReason = reason.Message()
	}
	timeouts := u.consecutiveTimeouts
	abandoned := u.abandonedLocked()
	u.mu.Unlock()

	u.logger.Warn("status fetch failed",
		zap.String("reason", reason.String()), zap.Int("consecutive_timeouts", timeouts), zap.Error(err))

	if transition {
		u.emit(Event{Kind: KindStateChange, Online: false, Reason: reason.Message()})
	}
	if first {
		u.resolveReady(nil, err)
	}
	if goOffline && abandoned {
		u.logger.Info("removing abandoned unit")
		u.registry.Remove(u)
	}
}

// displaced takes u out of service after its host started answering as
// the registered unit owning mac. A unit with adapters stays registered,
// offline and without a host, until it reports from a new address.
func (u *Unit) displaced(mac string) {
	u.mu.Lock()
	transition := u.state != StateOffline
	u.state = StateOffline
	u.offlineReason = model.ReasonReplaced.Message()
	u.host = ""
	u.orphaned = true
	abandoned := len(u.sensors)+len(u.gpios) == 0
	u.mu.Unlock()
	u.stopPolling()

	u.logger.Warn("host answers as another unit", zap.String("owner", mac))
	if transition {
		u.emit(Event{Kind: KindStateChange, Online: false, Reason: model.ReasonReplaced.Message()})
	}
	if abandoned {
		u.registry.Remove(u)
	}
}

func (u *Unit) abandonedLocked() bool {
	if len(u.sensors)+len(u.gpios) > 0 {
		return false
	}
	return u.lastEvent.IsZero() || u.clock.Since(u.lastEvent) > u.settings.DormancyWindow
}

// UpdateHost points the unit at a new host/port and notifies adapters.
func (u *Unit) UpdateHost(host string, port int) {
	if port == 0 {
		port = 80
	}
	u.mu.Lock()
	changed := u.host != host || u.port != port
	resume := u.orphaned
	u.orphaned = false
	u.host = host
	u.port = port
	u.mu.Unlock()
	if !changed {
		return
	}
	u.logger.Info("unit host changed", zap.String("new_host", host), zap.Int("new_port", port))
	if resume {
		u.rearm(u.effectiveInterval(u.Snapshot()))
	}
	u.emitSettings()
}

func (u *Unit) emitSettings() {
	u.emit(Event{Kind: KindSettingsUpdate, Settings: &Settings{Host: u.Host(), Port: u.Port(), IDX: u.IDX()}})
}

// TryHost probes host in the background and adopts it when it reports the
// same MAC as this unit.
func (u *Unit) TryHost(host string, port int) {
	if host == "" || u.IsHost(host) {
		return
	}
	if port == 0 {
		port = u.Port()
	}
	if !u.probing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer u.probing.Store(false)
		status, err := u.client.FetchStatus(context.Background(), host, port)
		if err != nil {
			u.logger.Debug("probe of new host failed", zap.String("candidate", host), zap.Error(err))
			return
		}
		if !strings.EqualFold(status.WiFi.STAMAC, u.MAC()) {
			u.logger.Warn("new host reports a different mac",
				zap.String("candidate", host), zap.String("mac", status.WiFi.STAMAC))
			return
		}
		u.UpdateHost(host, port)
	}()
}

// NewEvent records a value pushed by the unit.
func (u *Unit) NewEvent(ev model.PushEvent) {
	u.mu.Lock()
	if u.eventCount >= maxEventCount {
		u.eventCount = 0
	}
	u.eventCount++
	count := u.eventCount
	u.lastEvent = u.clock.Now()
	online := u.state == StateOnline
	u.mu.Unlock()

	u.logger.Debug("event",
		zap.Int("count", count), zap.String("idx", ev.IDX), zap.String("task", ev.Task),
		zap.String("key", ev.Key), zap.String("value", ev.Value))
	u.emit(Event{Kind: KindEvent, Push: &ev})

	if !online {
		u.refreshInBackground()
	}
}

// SendCommand issues a /control command. It is not serialised against
// status fetches.
func (u *Unit) SendCommand(ctx context.Context, tokens ...string) (map[string]any, error) {
	u.logger.Debug("sending command", zap.Strings("cmd", tokens))
	return u.client.SendCommand(ctx, u.Host(), u.Port(), tokens...)
}

// PinStatus queries status,gpio,<pin>. A nil status means the pin is not
// initialised.
func (u *Unit) PinStatus(ctx context.Context, pin int) (*model.PinStatus, error) {
	reply, err := u.SendCommand(ctx, "status", "gpio", strconv.Itoa(pin))
	if err != nil || reply == nil {
		return nil, err
	}
	b, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	status := &model.PinStatus{}
	if err := json.Unmarshal(b, status); err != nil {
		return nil, &model.ProtocolError{Op: "decode pin status", Raw: string(b), Err: err}
	}
	return status, nil
}

func (u *Unit) markRemoved() {
	u.mu.Lock()
	u.removed = true
	u.mu.Unlock()
	u.stopPolling()
}

// Removed reports whether the registry discarded this unit.
func (u *Unit) Removed() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.removed
}
