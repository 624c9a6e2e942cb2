package model

// OutputKind selects how a GPIO output is driven.
type OutputKind string

const (
	OutputBool  OutputKind = "bool"
	OutputPulse OutputKind = "pulse"
	OutputPWM   OutputKind = "pwm"
	OutputTone  OutputKind = "tone"
	OutputRTTTL OutputKind = "rtttl"
)

// OutputKinds lists every supported kind.
var OutputKinds = []OutputKind{OutputBool, OutputPulse, OutputPWM, OutputTone, OutputRTTTL}

// OutputCommand drives a GPIO output. A kind reads only its own fields:
// On for bool, Level (0..1) for pwm, Duration for pulse, Frequency and
// Duration for tone, Melody for rtttl. Zero values fall back to the
// configured defaults.
type OutputCommand struct {
	On        *bool    `json:"on,omitempty"`
	Level     *float64 `json:"level,omitempty"`
	Duration  int      `json:"duration,omitempty"` // milliseconds
	Frequency int      `json:"frequency,omitempty"`
	Melody    string   `json:"melody,omitempty"`
}
