package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

type Config struct {
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	Migrations  string
	UnitsFile   string
	MqttCfg     *MqttConfig
	InfluxCfg   *InfluxConfig
	UnitCfg     *UnitSettings
	P1Cfg       *P1Settings
}

type MqttConfig struct {
	Host     string
	Username string
	Password string
}

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// UnitSettings are the thresholds of the unit state machine.
type UnitSettings struct {
	FetchTimeout        time.Duration `env:"UNIT_FETCH_TIMEOUT" envDefault:"10s"`
	TimeoutBudget       int           `env:"UNIT_TIMEOUT_BUDGET" envDefault:"5"`
	DormancyWindow      time.Duration `env:"UNIT_DORMANCY_WINDOW" envDefault:"1h"`
	DefaultPollInterval time.Duration `env:"UNIT_DEFAULT_POLL_INTERVAL" envDefault:"60s"`
	PollJitter          time.Duration `env:"UNIT_POLL_JITTER" envDefault:"500ms"`
}

// P1Settings tune the P1 gateway socket.
type P1Settings struct {
	DefaultPort    int           `env:"P1_DEFAULT_PORT" envDefault:"8088"`
	IdleTimeout    time.Duration `env:"P1_IDLE_TIMEOUT" envDefault:"60s"`
	LivenessWindow time.Duration `env:"P1_LIVENESS_WINDOW" envDefault:"120s"`
	CheckInterval  time.Duration `env:"P1_CHECK_INTERVAL" envDefault:"60s"`
	ReconnectDelay time.Duration `env:"P1_RECONNECT_DELAY" envDefault:"5s"`
}

// DefaultUnitSettings returns the settings used when nothing is configured.
func DefaultUnitSettings() *UnitSettings {
	return &UnitSettings{
		FetchTimeout:        10 * time.Second,
		TimeoutBudget:       5,
		DormancyWindow:      time.Hour,
		DefaultPollInterval: 60 * time.Second,
		PollJitter:          500 * time.Millisecond,
	}
}

func DefaultP1Settings() *P1Settings {
	return &P1Settings{
		DefaultPort:    8088,
		IdleTimeout:    60 * time.Second,
		LivenessWindow: 120 * time.Second,
		CheckInterval:  60 * time.Second,
		ReconnectDelay: 5 * time.Second,
	}
}

// LoadTunables parses the unit and P1 thresholds from the environment.
func LoadTunables() (*UnitSettings, *P1Settings, error) {
	unitCfg, err := env.ParseAs[UnitSettings]()
	if err != nil {
		return nil, nil, fmt.Errorf("parse unit settings: %w", err)
	}
	p1Cfg, err := env.ParseAs[P1Settings]()
	if err != nil {
		return nil, nil, fmt.Errorf("parse p1 settings: %w", err)
	}
	return &unitCfg, &p1Cfg, nil
}

// UnitsFile lists units known up front, with the devices attached to them.
type UnitsFile struct {
	Units []UnitEntry `yaml:"units"`
}

type UnitEntry struct {
	MAC          string        `yaml:"mac"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	PollInterval string        `yaml:"poll_interval"` // seconds or "auto"
	Sensors      []SensorEntry `yaml:"sensors"`
	GPIOs        []GPIOEntry   `yaml:"gpios"`
	P1           *P1Entry      `yaml:"p1"`
}

// SensorEntry binds a sensor to a controller/idx. Variant turns a pulse
// counter task into a running total scaled by Multiplier and published as
// Capability.
type SensorEntry struct {
	Name       string  `yaml:"name"`
	Controller string  `yaml:"controller"`
	IDX        int     `yaml:"idx"`
	Variant    string  `yaml:"variant"`
	Multiplier float64 `yaml:"multiplier"`
	UseTotals  bool    `yaml:"use_totals"`
	Capability string  `yaml:"capability"`
}

// GPIOEntry is an output pin. Kind is one of bool (default), pulse, pwm,
// tone or rtttl; Duration (ms), Frequency (Hz) and Melody are the defaults
// of the pulse, tone and rtttl kinds.
type GPIOEntry struct {
	Name      string `yaml:"name"`
	Pin       int    `yaml:"pin"`
	Invert    bool   `yaml:"invert"`
	Kind      string `yaml:"kind"`
	Duration  int    `yaml:"duration"`
	Frequency int    `yaml:"frequency"`
	Melody    string `yaml:"melody"`
}

type P1Entry struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

// LoadUnitsFile reads the yaml units file. An empty path yields no units.
func LoadUnitsFile(path string) (*UnitsFile, error) {
	if path == "" {
		return &UnitsFile{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f UnitsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse units file %s: %w", path, err)
	}
	for i := range f.Units {
		u := &f.Units[i]
		if u.Host == "" && u.MAC == "" {
			return nil, fmt.Errorf("units[%d]: host or mac is required", i)
		}
		if u.Port == 0 {
			u.Port = 80
		}
		if u.PollInterval == "" {
			u.PollInterval = "auto"
		}
		for j := range u.Sensors {
			s := &u.Sensors[j]
			if s.Controller == "" || s.IDX <= 0 {
				return nil, fmt.Errorf("units[%d].sensors[%d]: controller and a positive idx are required", i, j)
			}
			if s.Variant != "" && !slices.Contains(model.CounterVariants, model.CounterVariant(s.Variant)) {
				return nil, fmt.Errorf("units[%d].sensors[%d]: unknown counter variant %q", i, j, s.Variant)
			}
			if s.Variant != "" && s.Multiplier == 0 {
				s.Multiplier = 1
			}
		}
		for j := range u.GPIOs {
			g := &u.GPIOs[j]
			if g.Kind == "" {
				g.Kind = string(model.OutputBool)
			}
			if !slices.Contains(model.OutputKinds, model.OutputKind(g.Kind)) {
				return nil, fmt.Errorf("units[%d].gpios[%d]: unknown kind %q", i, j, g.Kind)
			}
		}
	}
	return &f, nil
}
