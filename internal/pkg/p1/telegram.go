package p1

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

// LegacyVersion is assumed for telegrams without a version line.
const LegacyVersion = "2.2"

var (
	bareGasReading = regexp.MustCompile(`\([0-9]{5}\.[0-9]{3}\)`)

	summerTime = time.FixedZone("CEST", 2*60*60)
	winterTime = time.FixedZone("CET", 60*60)
)

// Reading is a value with the unit the meter declared for it.
type Reading struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

type Phases struct {
	L1 *Reading `json:"l1,omitempty"`
	L2 *Reading `json:"l2,omitempty"`
	L3 *Reading `json:"l3,omitempty"`
}

type PhaseCounts struct {
	L1 *int `json:"l1,omitempty"`
	L2 *int `json:"l2,omitempty"`
	L3 *int `json:"l3,omitempty"`
}

type Register struct {
	Tariff1 *Reading `json:"tariff1,omitempty"`
	Tariff2 *Reading `json:"tariff2,omitempty"`
	Actual  *Reading `json:"actual,omitempty"`
}

type PowerFailure struct {
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
}

type PowerFailureLog struct {
	Count  int            `json:"count"`
	Events []PowerFailure `json:"events"`
}

type Instantaneous struct {
	Current       Phases `json:"current"`
	Voltage       Phases `json:"voltage"`
	PowerPositive Phases `json:"power_positive"`
	PowerNegative Phases `json:"power_negative"`
}

type Electricity struct {
	Received                  Register         `json:"received"`
	Delivered                 Register         `json:"delivered"`
	TariffIndicator           *int             `json:"tariff_indicator,omitempty"`
	Threshold                 *Reading         `json:"threshold,omitempty"`
	FuseThreshold             *Reading         `json:"fuse_threshold,omitempty"`
	SwitchPosition            string           `json:"switch_position,omitempty"`
	NumberOfPowerFailures     *int             `json:"number_of_power_failures,omitempty"`
	NumberOfLongPowerFailures *int             `json:"number_of_long_power_failures,omitempty"`
	LongPowerFailureLog       *PowerFailureLog `json:"long_power_failure_log,omitempty"`
	VoltageSags               PhaseCounts      `json:"voltage_sags"`
	VoltageSwells             PhaseCounts      `json:"voltage_swells"`
	Instantaneous             Instantaneous    `json:"instantaneous"`
}

type Gas struct {
	DeviceType    string     `json:"device_type,omitempty"`
	EquipmentID   string     `json:"equipment_id,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	Reading       *Reading   `json:"reading,omitempty"`
	ValvePosition string     `json:"valve_position,omitempty"`
}

type TextMessage struct {
	Codes   string `json:"codes,omitempty"`
	Message string `json:"message,omitempty"`
}

// Datagram is one parsed telegram. Unparsed holds lines with an unknown
// OBIS code.
type Datagram struct {
	MeterType   string      `json:"meter_type"`
	Version     string      `json:"version"`
	Timestamp   time.Time   `json:"timestamp"`
	EquipmentID string      `json:"equipment_id,omitempty"`
	TextMessage TextMessage `json:"text_message"`
	Electricity Electricity `json:"electricity"`
	Gas         Gas         `json:"gas"`
	Unparsed    []string    `json:"-"`

	legacyGasUnit string
}

type line struct {
	obis  string
	value string
	unit  string
}

// parseLine splits "obis(value*unit)" on the first '('. Compound values
// such as "(a)(b)" are kept whole.
func parseLine(s string) (line, bool) {
	idx := strings.IndexByte(s, '(')
	if idx <= 0 || idx == len(s)-1 {
		return line{}, false
	}
	rest := s[idx+1:]
	value := strings.TrimSuffix(rest, ")")
	l := line{obis: s[:idx], value: value}
	if strings.Contains(value, "*") && !strings.Contains(value, ")(") {
		l.value, l.unit, _ = strings.Cut(value, "*")
	}
	return l, true
}

func parseTimestamp(s string) (time.Time, error) {
	if len(s) < 12 {
		return time.Time{}, fmt.Errorf("timestamp %q too short", s)
	}
	loc := winterTime
	if len(s) > 12 && s[12] == 'S' {
		loc = summerTime
	}
	return time.ParseInLocation("060102150405", s[:12], loc)
}

func reading(l line) *Reading {
	v, err := strconv.ParseFloat(l.value, 64)
	if err != nil {
		return nil
	}
	return &Reading{Value: v, Unit: l.unit}
}

func count(s string) *int {
	v, err := strconv.Atoi(leadingDigits(s))
	if err != nil {
		return nil
	}
	return &v
}

func leadingDigits(s string) string {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}

// normalizeVersion turns "42" into "4.2". eMUCs meters send a longer code
// whose first two digits are the protocol version.
func normalizeVersion(v string) string {
	d := leadingDigits(v)
	if len(d) < 2 {
		return v
	}
	return d[:1] + "." + d[1:2]
}

func hexToASCII(s string) string {
	b, err := hex.DecodeString(s)
	if err != nil {
		return s
	}
	return string(b)
}

func parsePowerFailureLog(value string) *PowerFailureLog {
	parts := strings.Split(value, ")(")
	log := &PowerFailureLog{}
	if c := count(parts[0]); c != nil {
		log.Count = *c
	}
	// parts[1] is the 0-0:96.7.19 event code, then end/duration pairs
	for i := 2; i+1 < len(parts); i += 2 {
		end, err := parseTimestamp(parts[i])
		if err != nil {
			continue
		}
		secs, _, _ := strings.Cut(parts[i+1], "*")
		n, err := strconv.Atoi(secs)
		if err != nil {
			continue
		}
		d := time.Duration(n) * time.Second
		log.Events = append(log.Events, PowerFailure{Start: end.Add(-d), End: end, Duration: d})
	}
	return log
}

// hourlyReading parses "timestamp)(value*unit".
func hourlyReading(value string) (*time.Time, *Reading) {
	ts, rest, ok := strings.Cut(value, ")(")
	if !ok {
		return nil, nil
	}
	var stamp *time.Time
	if t, err := parseTimestamp(ts); err == nil {
		stamp = &t
	}
	v, unit, _ := strings.Cut(rest, "*")
	return stamp, reading(line{value: v, unit: unit})
}

// Parse decodes one framed telegram. The CRC trailer is not verified; the
// gateway already checks it. now is used as timestamp for legacy telegrams
// that carry none.
func Parse(telegram string, now time.Time) (*Datagram, error) {
	lines := strings.FieldsFunc(telegram, func(r rune) bool { return r == '\n' || r == '\r' })
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "/") {
		return nil, &model.ProtocolError{Op: "parse telegram", Raw: telegram, Err: ErrEmptyTelegram}
	}

	dg := &Datagram{MeterType: lines[0][1:]}
	for _, raw := range lines[1:] {
		raw = strings.TrimSpace(raw)
		// legacy telegrams end with a bare "!"
		if raw == "" || raw == "!" || crcLine.MatchString(raw) {
			continue
		}
		l, ok := parseLine(raw)
		if !ok || !dg.apply(l) {
			if bareGasReading.MatchString(raw) && len(raw) >= 10 {
				if v, err := strconv.ParseFloat(raw[1:10], 64); err == nil {
					dg.Gas.Reading = &Reading{Value: v, Unit: dg.legacyGasUnit}
				}
				continue
			}
			dg.Unparsed = append(dg.Unparsed, raw)
		}
	}

	if dg.Version == "" {
		dg.Version = LegacyVersion
		dg.Timestamp = now.Truncate(time.Second)
	}
	return dg, nil
}

// apply stores l in the datagram and reports whether the OBIS code is known.
func (dg *Datagram) apply(l line) bool {
	e := &dg.Electricity
	switch l.obis {
	case "1-3:0.2.8", "0-0:96.1.4":
		dg.Version = normalizeVersion(l.value)
	case "0-0:1.0.0":
		if t, err := parseTimestamp(l.value); err == nil {
			dg.Timestamp = t
		}
	case "0-0:96.1.1":
		dg.EquipmentID = l.value
	case "0-0:96.13.1":
		dg.TextMessage.Codes = l.value
	case "0-0:96.13.0":
		dg.TextMessage.Message = hexToASCII(l.value)

	case "1-0:1.8.1":
		e.Received.Tariff1 = reading(l)
	case "1-0:1.8.2":
		e.Received.Tariff2 = reading(l)
	case "1-0:2.8.1":
		e.Delivered.Tariff1 = reading(l)
	case "1-0:2.8.2":
		e.Delivered.Tariff2 = reading(l)
	case "1-0:1.7.0":
		e.Received.Actual = reading(l)
	case "1-0:2.7.0":
		e.Delivered.Actual = reading(l)
	case "0-0:96.14.0":
		e.TariffIndicator = count(l.value)
	case "0-0:17.0.0":
		e.Threshold = reading(l)
	case "1-0:31.4.0":
		e.FuseThreshold = reading(l)
		if e.FuseThreshold != nil {
			e.FuseThreshold.Unit = "A"
		}
	case "0-0:96.3.10":
		e.SwitchPosition = l.value
	case "0-0:96.7.21":
		e.NumberOfPowerFailures = count(l.value)
	case "0-0:96.7.9":
		e.NumberOfLongPowerFailures = count(l.value)
	case "1-0:99.97.0":
		e.LongPowerFailureLog = parsePowerFailureLog(l.value)

	case "1-0:32.32.0":
		e.VoltageSags.L1 = count(l.value)
	case "1-0:52.32.0":
		e.VoltageSags.L2 = count(l.value)
	case "1-0:72.32.0":
		e.VoltageSags.L3 = count(l.value)
	case "1-0:32.36.0":
		e.VoltageSwells.L1 = count(l.value)
	case "1-0:52.36.0":
		e.VoltageSwells.L2 = count(l.value)
	case "1-0:72.36.0":
		e.VoltageSwells.L3 = count(l.value)

	case "1-0:31.7.0":
		e.Instantaneous.Current.L1 = reading(l)
	case "1-0:51.7.0":
		e.Instantaneous.Current.L2 = reading(l)
	case "1-0:71.7.0":
		e.Instantaneous.Current.L3 = reading(l)
	case "1-0:32.7.0":
		e.Instantaneous.Voltage.L1 = reading(l)
	case "1-0:52.7.0":
		e.Instantaneous.Voltage.L2 = reading(l)
	case "1-0:72.7.0":
		e.Instantaneous.Voltage.L3 = reading(l)
	case "1-0:21.7.0":
		e.Instantaneous.PowerPositive.L1 = reading(l)
	case "1-0:41.7.0":
		e.Instantaneous.PowerPositive.L2 = reading(l)
	case "1-0:61.7.0":
		e.Instantaneous.PowerPositive.L3 = reading(l)
	case "1-0:22.7.0":
		e.Instantaneous.PowerNegative.L1 = reading(l)
	case "1-0:42.7.0":
		e.Instantaneous.PowerNegative.L2 = reading(l)
	case "1-0:62.7.0":
		e.Instantaneous.PowerNegative.L3 = reading(l)

	// gas is assumed on the first M-Bus channel that reports it
	case "0-1:24.1.0", "0-2:24.1.0", "0-3:24.1.0", "0-4:24.1.0":
		dg.Gas.DeviceType = l.value
	case "0-1:96.1.0", "0-2:96.1.0", "0-3:96.1.0", "0-4:96.1.0", "0-1:96.1.1":
		dg.Gas.EquipmentID = l.value
	case "0-1:24.2.1", "0-2:24.2.1", "0-3:24.2.1", "0-4:24.2.1", "0-1:24.2.3":
		dg.Gas.Timestamp, dg.Gas.Reading = hourlyReading(l.value)
	case "0-1:24.4.0", "0-2:24.4.0", "0-3:24.4.0", "0-4:24.4.0":
		dg.Gas.ValvePosition = l.value
	case "0-1:24.3.0":
		// legacy layout: (ts)(00)(60)(1)(0-1:24.2.1)(m3) with the value on the next line
		parts := strings.Split(l.value, ")(")
		if t, err := parseTimestamp(parts[0]); err == nil {
			dg.Gas.Timestamp = &t
		}
		if len(parts) > 5 {
			dg.legacyGasUnit = parts[5]
		}
	default:
		return false
	}
	return true
}

// Validate rejects telegrams that decode to an implausible result: no
// actual received power, or a zero reading without a delivery figure.
func Validate(dg *Datagram) error {
	actual := dg.Electricity.Received.Actual
	switch {
	case actual == nil:
		return &model.ProtocolError{Op: "validate telegram", Err: fmt.Errorf("%w: no actual received power", ErrImplausible)}
	case actual.Value == 0 && dg.Electricity.Delivered.Actual == nil:
		return &model.ProtocolError{Op: "validate telegram", Err: fmt.Errorf("%w: zero received power without delivery", ErrImplausible)}
	}
	return nil
}
