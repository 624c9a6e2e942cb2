package p1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/anicoll/espeasy-integration/internal/pkg/config"
	"github.com/anicoll/espeasy-integration/internal/pkg/model"
	"github.com/anicoll/espeasy-integration/internal/pkg/units"
	"github.com/anicoll/espeasy-integration/pkg/sockets"
)

const (
	// maxBuffer drops a stream that never produces a CRC trailer.
	maxBuffer    = 64 * 1024
	httpGreeting = "GET / HTTP"
)

type Unit interface {
	Host() string
	MAC() string
	AddSensor(units.SensorAdapter)
	RemoveSensor(units.SensorAdapter)
}

type Sink interface {
	PublishData(ctx context.Context, data map[model.Device][]model.DeviceStatus) error
	RegisterDevice(device *model.Device) error
	SetAvailability(ctx context.Context, device *model.Device, available bool, reason string) error
}

// Info describes the meter as reported by its last telegram.
type Info struct {
	MeterType    string    `json:"meter_type"`
	Version      string    `json:"version"`
	Datagrams    int       `json:"datagrams"`
	LastDatagram time.Time `json:"last_datagram"`
	Connected    bool      `json:"connected"`
	Error        string    `json:"error,omitempty"`
}

// Meter keeps a TCP connection to the P1 gateway task of a unit and
// publishes every valid telegram it receives.
type Meter struct {
	unit     Unit
	port     int
	device   model.Device
	sink     Sink
	clock    clockwork.Clock
	settings *config.P1Settings
	logger   *zap.Logger

	mu           sync.Mutex
	ctx          context.Context
	conn         sockets.Connection
	buf          []byte
	connectedAt  time.Time
	lastDatagram time.Time
	errorMsg     string
	meterType    string
	version      string
	datagrams    int
}

type Option func(*Meter)

func WithClock(c clockwork.Clock) Option {
	return func(m *Meter) {
		m.clock = c
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Meter) {
		m.logger = l
	}
}

func WithSettings(s *config.P1Settings) Option {
	return func(m *Meter) {
		m.settings = s
	}
}

// NewMeter creates the adapter. A port of 0 uses the configured default.
func NewMeter(unit Unit, name string, port int, sink Sink, opts ...Option) *Meter {
	m := &Meter{
		unit:     unit,
		port:     port,
		sink:     sink,
		clock:    clockwork.NewRealClock(),
		settings: config.DefaultP1Settings(),
		logger:   zap.L(),
		ctx:      context.Background(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.port == 0 {
		m.port = m.settings.DefaultPort
	}
	if name == "" {
		name = fmt.Sprintf("P1 meter %s", unit.MAC())
	}
	m.device = model.Device{
		ID:    fmt.Sprintf("p1_%d", m.port),
		Model: "P1",
		Name:  name,
		Unit:  unit.MAC(),
	}
	m.logger = m.logger.Named("p1").With(zap.String("mac", unit.MAC()), zap.Int("port", m.port))
	return m
}

// Binding reports no controller binding; the meter follows its unit's
// settings updates only.
func (m *Meter) Binding() (string, int) {
	return "", 0
}

func (m *Meter) Device() model.Device {
	return m.device
}

func (m *Meter) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		MeterType:    m.meterType,
		Version:      m.version,
		Datagrams:    m.datagrams,
		LastDatagram: m.lastDatagram,
		Connected:    m.conn != nil,
		Error:        m.errorMsg,
	}
}

// OnUnitEvent reconnects when the unit moved to another host.
func (m *Meter) OnUnitEvent(e units.Event) {
	if e.Kind != units.KindSettingsUpdate {
		return
	}
	m.logger.Info("unit settings changed, reconnecting", zap.String("host", e.Host))
	m.closeConn()
}

// Run connects and reconnects until ctx is cancelled.
func (m *Meter) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	m.unit.AddSensor(m)
	defer m.unit.RemoveSensor(m)
	if err := m.sink.RegisterDevice(&m.device); err != nil {
		m.logger.Warn("failed to register device", zap.Error(err))
	}

	go m.watch(ctx)
	for {
		m.session(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(m.settings.ReconnectDelay):
		}
	}
}

func (m *Meter) session(ctx context.Context) {
	closed := make(chan struct{})
	conn := sockets.New(
		sockets.WithReadTimeout(m.settings.IdleTimeout),
		sockets.WithGreeting([]byte(httpGreeting)),
		sockets.OnConnected(m.onConnected),
		sockets.OnMessage(m.onMessage),
		sockets.OnError(m.onError),
		sockets.OnClosed(func() { close(closed) }),
	)

	addr := net.JoinHostPort(m.unit.Host(), strconv.Itoa(m.port))
	m.logger.Info("connecting to P1 gateway", zap.String("addr", addr))
	m.unavailable(fmt.Sprintf("Connecting to P1 gateway on port %d", m.port))
	if err := conn.Dial(ctx, addr); err != nil {
		m.dialFailed(err)
		return
	}

	select {
	case <-ctx.Done():
		_ = conn.Close()
		<-closed
	case <-closed:
	}

	m.mu.Lock()
	m.conn = nil
	m.buf = nil
	m.mu.Unlock()
	m.logger.Info("connection to P1 gateway lost")
	m.unavailable("Connection to P1 gateway lost")
}

func (m *Meter) onConnected(c sockets.Connection) {
	m.mu.Lock()
	m.conn = c
	m.connectedAt = m.clock.Now()
	m.lastDatagram = time.Time{}
	m.buf = nil
	m.mu.Unlock()
	m.logger.Info("connected to P1 gateway", zap.String("remote", c.RemoteAddr()))
	m.unavailable("Waiting for datagram")
}

func (m *Meter) closeConn() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Meter) dialFailed(err error) {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH):
		m.logger.Warn("P1 device unreachable", zap.Error(err))
		m.unavailable(fmt.Sprintf("P1 device unreachable: %v", err))
	case errors.Is(err, context.Canceled):
		m.logger.Debug("connect cancelled")
	default:
		m.logger.Error("failed to connect to P1 gateway", zap.Error(err))
		m.unavailable(fmt.Sprintf("P1 device unreachable: %v", err))
	}
}

func (m *Meter) onError(err error) {
	switch {
	case errors.Is(err, syscall.ECONNRESET):
		m.logger.Info("connection reset by P1 gateway")
	case errors.Is(err, os.ErrDeadlineExceeded):
		m.logger.Info("no data from P1 gateway, reconnecting")
	default:
		m.logger.Warn("P1 connection error", zap.Error(err))
	}
}

// watch closes connections that stopped delivering telegrams.
func (m *Meter) watch(ctx context.Context) {
	ticker := m.clock.NewTicker(m.settings.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.detectProblems()
		}
	}
}

func (m *Meter) detectProblems() {
	m.mu.Lock()
	conn := m.conn
	last := m.lastDatagram
	if last.IsZero() {
		last = m.connectedAt
	}
	m.mu.Unlock()
	if conn == nil {
		return
	}
	if m.clock.Since(last) > m.settings.LivenessWindow {
		m.logger.Info("no datagrams received, reconnecting", zap.Time("last", last))
		_ = conn.Close()
	}
}

func (m *Meter) onMessage(msg []byte, c sockets.Connection) {
	m.mu.Lock()
	if len(m.buf) == 0 && bytes.HasPrefix(msg, []byte("HTTP")) {
		m.errorMsg = fmt.Sprintf("Connected to HTTP server on port %d, use the P1 port", m.port)
		m.mu.Unlock()
		m.logger.Warn("connected to HTTP server")
		m.unavailable("")
		_ = c.Close()
		return
	}
	m.errorMsg = ""
	m.buf = append(m.buf, msg...)
	end := trailerEnd(m.buf)
	if end < 0 {
		if len(m.buf) > maxBuffer {
			m.logger.Warn("dropping unterminated P1 data", zap.Int("bytes", len(m.buf)))
			m.buf = nil
		}
		m.mu.Unlock()
		return
	}
	chunk := string(m.buf[:end])
	m.buf = append([]byte(nil), m.buf[end:]...)
	m.mu.Unlock()

	m.handleChunk(chunk)
}

func (m *Meter) handleChunk(chunk string) {
	dg, err := decode(chunk, m.clock.Now())
	if err != nil {
		m.logger.Info("datagram error", zap.Error(err))
		m.unavailable(fmt.Sprintf("Invalid datagram received on port %d", m.port))
		return
	}
	for _, line := range dg.Unparsed {
		m.logger.Debug("unparsed P1 line", zap.String("line", line))
	}

	m.mu.Lock()
	if m.datagrams == 0 {
		m.logger.Debug("first datagram received", zap.String("meter_type", dg.MeterType), zap.String("version", dg.Version))
	}
	if m.meterType != dg.MeterType || m.version != dg.Version {
		m.logger.Info("P1 properties changed", zap.String("meter_type", dg.MeterType), zap.String("version", dg.Version))
		m.meterType = dg.MeterType
		m.version = dg.Version
	}
	m.datagrams = safeIncrement(m.datagrams)
	m.lastDatagram = m.clock.Now()
	ctx := m.ctx
	m.mu.Unlock()

	if err := m.sink.PublishData(ctx, map[model.Device][]model.DeviceStatus{m.device: Capabilities(dg)}); err != nil {
		m.logger.Warn("failed to publish P1 values", zap.Error(err))
	}
	if err := m.sink.SetAvailability(ctx, &m.device, true, ""); err != nil {
		m.logger.Warn("failed to set availability", zap.Error(err))
	}
}

// unavailable marks the meter unavailable. A pending configuration error
// takes precedence over reason.
func (m *Meter) unavailable(reason string) {
	m.mu.Lock()
	if m.errorMsg != "" {
		reason = m.errorMsg
	}
	ctx := m.ctx
	m.mu.Unlock()
	if err := m.sink.SetAvailability(ctx, &m.device, false, reason); err != nil {
		m.logger.Warn("failed to set availability", zap.Error(err))
	}
}

func decode(chunk string, now time.Time) (*Datagram, error) {
	telegram, err := Frame(chunk)
	if err != nil {
		return nil, err
	}
	dg, err := Parse(telegram, now)
	if err != nil {
		return nil, err
	}
	if err := Validate(dg); err != nil {
		return nil, err
	}
	return dg, nil
}

func safeIncrement(n int) int {
	if n >= math.MaxInt32 {
		return 1
	}
	return n + 1
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// watts converts a kW reading to W, rounded to the milliwatt.
func watts(r *Reading) float64 {
	if r.Unit == "W" {
		return r.Value
	}
	return math.Round(r.Value*1e6) / 1e3
}

// Capabilities converts a datagram to the values published for the meter.
// Readings the meter does not report are left out.
func Capabilities(dg *Datagram) []model.DeviceStatus {
	e := dg.Electricity
	var out []model.DeviceStatus
	energy := func(name string, r *Reading) {
		if r != nil {
			out = append(out, model.NewStatus(name, formatFloat(r.Value), "kWh"))
		}
	}
	power := func(name string, r *Reading) {
		if r != nil {
			out = append(out, model.NewStatus(name, formatFloat(watts(r)), "W"))
		}
	}

	power("measure_power", e.Received.Actual)
	energy("meter_power.received1", e.Received.Tariff1)
	energy("meter_power.received2", e.Received.Tariff2)

	if e.Delivered.Actual != nil {
		out = append(out, model.NewStatus("measure_power.delivery", formatFloat(0-watts(e.Delivered.Actual)), "W"))
	}
	energy("meter_power.delivered1", e.Delivered.Tariff1)
	energy("meter_power.delivered2", e.Delivered.Tariff2)

	pos, neg := e.Instantaneous.PowerPositive, e.Instantaneous.PowerNegative
	if pos.L2 != nil && pos.L2.Value != 0 {
		for i, phase := range []struct{ pos, neg *Reading }{{pos.L1, neg.L1}, {pos.L2, neg.L2}, {pos.L3, neg.L3}} {
			power(fmt.Sprintf("measure_power.received_l%d", i+1), phase.pos)
			power(fmt.Sprintf("measure_power.delivered_l%d", i+1), phase.neg)
		}
	}

	if e.TariffIndicator != nil && *e.TariffIndicator != 0 {
		out = append(out, model.NewStatus("alarm_active_tariff", strconv.Itoa(*e.TariffIndicator), ""))
	}
	if dg.Gas.Reading != nil {
		unit := dg.Gas.Reading.Unit
		if unit == "" {
			unit = "m3"
		}
		out = append(out, model.NewStatus("meter_gas", formatFloat(dg.Gas.Reading.Value), unit))
	}
	return out
}
