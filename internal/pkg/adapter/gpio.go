package adapter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anicoll/espeasy-integration/internal/pkg/espeasy"
	"github.com/anicoll/espeasy-integration/internal/pkg/model"
	"github.com/anicoll/espeasy-integration/internal/pkg/units"
)

const (
	onOff = "onoff"
	dim   = "dim"

	pwmRange = 1024
	// pulses longer than this use the millisecond long pulse command
	maxShortPulse = 1000
)

type GPIOUnit interface {
	MAC() string
	AddGPIO(units.GPIOAdapter)
	RemoveGPIO(units.GPIOAdapter)
	SendCommand(ctx context.Context, tokens ...string) (map[string]any, error)
	PinStatus(ctx context.Context, pin int) (*model.PinStatus, error)
}

// outputKind is how one kind of output is driven. mode is the pin mode
// status,gpio reports once the pin is set up.
type outputKind struct {
	deviceModel string
	mode        string
	setup       func(g *GPIOOutput, ctx context.Context) error
	control     func(g *GPIOOutput, ctx context.Context, cmd model.OutputCommand) error
}

var outputKinds = map[model.OutputKind]outputKind{
	model.OutputBool: {
		deviceModel: "GPIO output",
		mode:        "output",
		setup: func(g *GPIOOutput, ctx context.Context) error {
			return g.Set(ctx, g.State())
		},
		control: func(g *GPIOOutput, ctx context.Context, cmd model.OutputCommand) error {
			if cmd.On == nil {
				return &model.ConfigurationError{Msg: "on is required for a bool output"}
			}
			return g.Set(ctx, *cmd.On)
		},
	},
	model.OutputPulse: {
		deviceModel: "GPIO pulse output",
		mode:        "output",
		setup: func(g *GPIOOutput, ctx context.Context) error {
			return g.idle(ctx, g.invert)
		},
		control: func(g *GPIOOutput, ctx context.Context, cmd model.OutputCommand) error {
			return g.Pulse(ctx, cmd.Duration)
		},
	},
	model.OutputPWM: {
		deviceModel: "GPIO PWM output",
		mode:        "pwm",
		setup: func(g *GPIOOutput, ctx context.Context) error {
			return g.SetLevel(ctx, g.Level())
		},
		control: func(g *GPIOOutput, ctx context.Context, cmd model.OutputCommand) error {
			if cmd.Level == nil {
				return &model.ConfigurationError{Msg: "level is required for a pwm output"}
			}
			return g.SetLevel(ctx, *cmd.Level)
		},
	},
	model.OutputTone: {
		deviceModel: "GPIO tone output",
		mode:        "output",
		setup: func(g *GPIOOutput, ctx context.Context) error {
			return g.idle(ctx, false)
		},
		control: func(g *GPIOOutput, ctx context.Context, cmd model.OutputCommand) error {
			return g.Tone(ctx, cmd.Frequency, cmd.Duration)
		},
	},
	model.OutputRTTTL: {
		deviceModel: "GPIO RTTTL output",
		mode:        "output",
		setup: func(g *GPIOOutput, ctx context.Context) error {
			return g.idle(ctx, false)
		},
		control: func(g *GPIOOutput, ctx context.Context, cmd model.OutputCommand) error {
			return g.Play(ctx, cmd.Melody)
		},
	},
}

// GPIOOutput drives an output pin of a unit.
type GPIOOutput struct {
	unit     GPIOUnit
	pin      int
	invert   bool
	kind     model.OutputKind
	defaults model.OutputCommand
	sink     Sink
	logger   *zap.Logger
	device   model.Device

	mu    sync.Mutex
	state bool
	level float64
}

type OutputOption func(*GPIOOutput)

// WithKind selects the output kind, bool when not given.
func WithKind(kind model.OutputKind) OutputOption {
	return func(g *GPIOOutput) {
		g.kind = kind
	}
}

// WithDefaults sets the pulse duration, tone and melody used when a command
// leaves them out.
func WithDefaults(cmd model.OutputCommand) OutputOption {
	return func(g *GPIOOutput) {
		g.defaults = cmd
	}
}

func NewGPIOOutput(unit GPIOUnit, name string, pin int, invert bool, sink Sink, logger *zap.Logger, opts ...OutputOption) *GPIOOutput {
	if logger == nil {
		logger = zap.L()
	}
	g := &GPIOOutput{
		unit:   unit,
		pin:    pin,
		invert: invert,
		kind:   model.OutputBool,
		sink:   sink,
	}
	for _, opt := range opts {
		opt(g)
	}
	if _, ok := outputKinds[g.kind]; !ok {
		g.kind = model.OutputBool
	}
	id := fmt.Sprintf("gpio%d", pin)
	if name == "" {
		name = fmt.Sprintf("%s %s", unit.MAC(), id)
	}
	g.logger = logger.Named("gpio").With(zap.String("mac", unit.MAC()), zap.Int("pin", pin), zap.String("kind", string(g.kind)))
	g.device = model.Device{ID: id, Model: outputKinds[g.kind].deviceModel, Name: name, Unit: unit.MAC()}
	return g
}

func (g *GPIOOutput) GPIOID() string {
	return g.device.ID
}

func (g *GPIOOutput) Kind() model.OutputKind {
	return g.kind
}

func (g *GPIOOutput) Device() model.Device {
	return g.device
}

func (g *GPIOOutput) State() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Level is the last pwm level, between 0 and 1.
func (g *GPIOOutput) Level() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

func (g *GPIOOutput) Attach(ctx context.Context) error {
	g.unit.AddGPIO(g)
	if err := g.sink.RegisterDevice(&g.device); err != nil {
		g.logger.Warn("failed to register device", zap.Error(err))
	}
	return g.Refresh(ctx)
}

func (g *GPIOOutput) Detach() {
	g.unit.RemoveGPIO(g)
}

// OnUnitEvent restores the pin after the unit rebooted.
func (g *GPIOOutput) OnUnitEvent(e units.Event) {
	switch e.Kind {
	case units.KindReboot:
		go func() {
			if err := g.Refresh(context.Background()); err != nil {
				g.logger.Warn("failed to refresh pin after reboot", zap.Error(err))
			}
		}()
	case units.KindStateChange:
		if !e.Online {
			g.unavailable(context.Background(), e.Reason)
		}
	}
}

// Control applies cmd the way the output kind is driven.
func (g *GPIOOutput) Control(ctx context.Context, cmd model.OutputCommand) error {
	return outputKinds[g.kind].control(g, ctx, cmd)
}

// Refresh reads the pin from the unit. A pin that is not in the mode of the
// output kind is initialised. Only a bool output adopts the reported state,
// the firmware does not report pwm levels.
func (g *GPIOOutput) Refresh(ctx context.Context) error {
	status, err := g.unit.PinStatus(ctx, g.pin)
	if err != nil {
		g.unavailable(ctx, reasonText(err))
		return err
	}
	kind := outputKinds[g.kind]
	if status == nil || !strings.Contains(strings.ToLower(status.Mode), kind.mode) {
		g.logger.Info("pin is not initialised for this output, initialising")
		return kind.setup(g, ctx)
	}

	switch g.kind {
	case model.OutputBool:
		on := strings.Trim(string(status.State), `"`) == "1"
		if g.invert {
			on = !on
		}
		g.mu.Lock()
		g.state = on
		g.mu.Unlock()
		g.publish(ctx, model.NewStatus(onOff, strconv.FormatBool(on), ""))
	case model.OutputPWM:
		return kind.setup(g, ctx)
	default:
		g.available(ctx)
	}
	return nil
}

// Set switches the pin.
func (g *GPIOOutput) Set(ctx context.Context, on bool) error {
	level := on
	if g.invert {
		level = !level
	}
	g.logger.Info("turn pin", zap.Bool("on", on))
	if err := g.send(ctx, "gpio", strconv.Itoa(g.pin), bit(level)); err != nil {
		return err
	}
	g.mu.Lock()
	g.state = on
	g.mu.Unlock()
	g.publish(ctx, model.NewStatus(onOff, strconv.FormatBool(on), ""))
	return nil
}

// SetLevel drives a pwm output, level is between 0 and 1.
func (g *GPIOOutput) SetLevel(ctx context.Context, level float64) error {
	if math.IsNaN(level) || level < 0 || level > 1 {
		return &model.ConfigurationError{Msg: fmt.Sprintf("pwm level %v is not between 0 and 1", level)}
	}
	duty := int(math.Round(level * pwmRange))
	g.logger.Info("set pwm", zap.Float64("level", level), zap.Int("duty", duty))
	if err := g.send(ctx, "pwm", strconv.Itoa(g.pin), strconv.Itoa(duty)); err != nil {
		return err
	}
	g.mu.Lock()
	g.level = level
	g.mu.Unlock()
	g.publish(ctx, model.NewStatus(dim, strconv.FormatFloat(level, 'f', -1, 64), ""))
	return nil
}

// Pulse switches the pin to its active level for duration milliseconds. A
// zero duration uses the configured one.
func (g *GPIOOutput) Pulse(ctx context.Context, duration int) error {
	if duration == 0 {
		duration = g.defaults.Duration
	}
	if duration <= 0 {
		return &model.ConfigurationError{Msg: "pulse duration must be positive"}
	}
	command := "pulse"
	if duration > maxShortPulse {
		command = "longpulse_ms"
	}
	g.logger.Info("pulse pin", zap.Int("duration_ms", duration))
	if err := g.send(ctx, command, strconv.Itoa(g.pin), bit(!g.invert), strconv.Itoa(duration)); err != nil {
		return err
	}
	g.available(ctx)
	return nil
}

// Tone plays frequency Hz for duration milliseconds. Zero values use the
// configured ones.
func (g *GPIOOutput) Tone(ctx context.Context, frequency, duration int) error {
	if frequency == 0 {
		frequency = g.defaults.Frequency
	}
	if duration == 0 {
		duration = g.defaults.Duration
	}
	if frequency <= 0 || duration <= 0 {
		return &model.ConfigurationError{Msg: "tone frequency and duration must be positive"}
	}
	g.logger.Info("play tone", zap.Int("frequency", frequency), zap.Int("duration_ms", duration))
	if err := g.send(ctx, "tone", strconv.Itoa(g.pin), strconv.Itoa(frequency), strconv.Itoa(duration)); err != nil {
		return err
	}
	g.available(ctx)
	return nil
}

// Play plays an RTTTL melody, the configured one when melody is empty.
func (g *GPIOOutput) Play(ctx context.Context, melody string) error {
	if melody == "" {
		melody = g.defaults.Melody
	}
	if strings.TrimSpace(melody) == "" {
		return &model.ConfigurationError{Msg: "melody is required"}
	}
	g.logger.Info("play melody")
	if err := g.send(ctx, "rtttl", strconv.Itoa(g.pin), melody); err != nil {
		return err
	}
	g.available(ctx)
	return nil
}

// idle puts the pin in output mode at the given level.
func (g *GPIOOutput) idle(ctx context.Context, high bool) error {
	if err := g.send(ctx, "gpio", strconv.Itoa(g.pin), bit(high)); err != nil {
		return err
	}
	g.available(ctx)
	return nil
}

func (g *GPIOOutput) send(ctx context.Context, tokens ...string) error {
	if _, err := g.unit.SendCommand(ctx, tokens...); err != nil {
		g.unavailable(ctx, reasonText(err))
		return err
	}
	return nil
}

func bit(high bool) string {
	if high {
		return "1"
	}
	return "0"
}

func (g *GPIOOutput) publish(ctx context.Context, status model.DeviceStatus) {
	g.available(ctx)
	if err := g.sink.PublishData(ctx, map[model.Device][]model.DeviceStatus{g.device: {status}}); err != nil {
		g.logger.Warn("failed to publish pin state", zap.Error(err))
	}
}

func reasonText(err error) string {
	var cerr *model.ConfigurationError
	if errors.As(err, &cerr) {
		return cerr.Msg
	}
	return espeasy.ReasonOf(err).Message()
}

func (g *GPIOOutput) available(ctx context.Context) {
	if err := g.sink.SetAvailability(ctx, &g.device, true, ""); err != nil {
		g.logger.Warn("failed to set availability", zap.Error(err))
	}
}

func (g *GPIOOutput) unavailable(ctx context.Context, reason string) {
	if err := g.sink.SetAvailability(ctx, &g.device, false, reason); err != nil {
		g.logger.Warn("failed to set availability", zap.Error(err))
	}
}
