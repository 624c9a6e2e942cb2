package p1

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func telegram(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

var dsmr5 = telegram(
	"/KFM5KAIFA-METER",
	"",
	"1-3:0.2.8(42)",
	"0-0:1.0.0(161113205757W)",
	"0-0:96.1.1(3960221976967177082151037881335713)",
	"1-0:1.8.1(001581.123*kWh)",
	"1-0:1.8.2(001435.706*kWh)",
	"1-0:2.8.1(000000.000*kWh)",
	"1-0:2.8.2(000000.000*kWh)",
	"0-0:96.14.0(0002)",
	"1-0:1.7.0(02.027*kW)",
	"1-0:2.7.0(00.000*kW)",
	"0-0:96.7.21(00015)",
	"0-0:96.7.9(00007)",
	"1-0:99.97.0(1)(0-0:96.7.19)(000104180320W)(0000237126*s)",
	"1-0:32.32.0(00000)",
	"1-0:52.32.0(00002)",
	"1-0:72.32.0(00000)",
	"1-0:32.36.0(00001)",
	"1-0:52.36.0(00000)",
	"1-0:72.36.0(00000)",
	"0-0:96.13.1()",
	"0-0:96.13.0()",
	"1-0:31.7.0(003*A)",
	"1-0:51.7.0(005*A)",
	"1-0:71.7.0(005*A)",
	"1-0:32.7.0(229.0*V)",
	"1-0:21.7.0(00.503*kW)",
	"1-0:41.7.0(01.100*kW)",
	"1-0:61.7.0(00.424*kW)",
	"1-0:22.7.0(00.000*kW)",
	"1-0:42.7.0(00.000*kW)",
	"1-0:62.7.0(00.000*kW)",
	"0-1:24.1.0(003)",
	"0-1:96.1.0(4819243993373755377509728609491464)",
	"0-1:24.2.1(161129200000W)(00981.443*m3)",
	"!6796",
)

var legacy = telegram(
	"/ISk5\\2MT382-1000",
	"",
	"0-0:96.1.1(4B384547303034303436333935353037)",
	"1-0:1.8.1(12345.678*kWh)",
	"1-0:1.8.2(12345.678*kWh)",
	"1-0:2.8.1(00012.001*kWh)",
	"1-0:2.8.2(00013.002*kWh)",
	"0-0:96.14.0(0001)",
	"1-0:1.7.0(001.19*kW)",
	"1-0:2.7.0(000.00*kW)",
	"0-0:17.0.0(016*A)",
	"0-0:96.3.10(1)",
	"0-0:96.13.1(303132333435363738)",
	"0-0:96.13.0(303132333435363738393A3B3C3D3E3F)",
	"0-1:96.1.0(3232323241424344313233343536373839)",
	"0-1:24.1.0(03)",
	"0-1:24.3.0(090212160000)(00)(60)(1)(0-1:24.2.1)(m3)",
	"(00001.001)",
	"0-1:24.4.0(1)",
	"!",
)

func TestParse_DSMR5(t *testing.T) {
	dg, err := Parse(dsmr5, time.Now())
	require.NoError(t, err)

	winter := time.FixedZone("", 60*60)
	assert.Equal(t, "KFM5KAIFA-METER", dg.MeterType)
	assert.Equal(t, "4.2", dg.Version)
	assert.True(t, time.Date(2016, 11, 13, 20, 57, 57, 0, winter).Equal(dg.Timestamp))
	assert.Equal(t, "3960221976967177082151037881335713", dg.EquipmentID)
	assert.Empty(t, dg.Unparsed)

	e := dg.Electricity
	assert.Equal(t, &Reading{Value: 1581.123, Unit: "kWh"}, e.Received.Tariff1)
	assert.Equal(t, &Reading{Value: 1435.706, Unit: "kWh"}, e.Received.Tariff2)
	assert.Equal(t, &Reading{Value: 0, Unit: "kWh"}, e.Delivered.Tariff1)
	assert.Equal(t, &Reading{Value: 2.027, Unit: "kW"}, e.Received.Actual)
	assert.Equal(t, &Reading{Value: 0, Unit: "kW"}, e.Delivered.Actual)
	assert.Equal(t, 2, *e.TariffIndicator)
	assert.Equal(t, 15, *e.NumberOfPowerFailures)
	assert.Equal(t, 7, *e.NumberOfLongPowerFailures)
	assert.Equal(t, 2, *e.VoltageSags.L2)
	assert.Equal(t, 1, *e.VoltageSwells.L1)
	assert.Equal(t, &Reading{Value: 3, Unit: "A"}, e.Instantaneous.Current.L1)
	assert.Equal(t, &Reading{Value: 229, Unit: "V"}, e.Instantaneous.Voltage.L1)
	assert.Nil(t, e.Instantaneous.Voltage.L2)
	assert.Equal(t, &Reading{Value: 1.1, Unit: "kW"}, e.Instantaneous.PowerPositive.L2)

	require.NotNil(t, e.LongPowerFailureLog)
	assert.Equal(t, 1, e.LongPowerFailureLog.Count)
	require.Len(t, e.LongPowerFailureLog.Events, 1)
	failure := e.LongPowerFailureLog.Events[0]
	assert.Equal(t, 237126*time.Second, failure.Duration)
	assert.True(t, time.Date(2000, 1, 4, 18, 3, 20, 0, winter).Equal(failure.End))
	assert.True(t, failure.End.Add(-237126*time.Second).Equal(failure.Start))

	assert.Equal(t, "003", dg.Gas.DeviceType)
	assert.Equal(t, "4819243993373755377509728609491464", dg.Gas.EquipmentID)
	assert.Equal(t, &Reading{Value: 981.443, Unit: "m3"}, dg.Gas.Reading)
	require.NotNil(t, dg.Gas.Timestamp)
	assert.True(t, time.Date(2016, 11, 29, 20, 0, 0, 0, winter).Equal(*dg.Gas.Timestamp))

	assert.NoError(t, Validate(dg))
}

func TestParse_Legacy(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 750_000_000, time.UTC)
	dg, err := Parse(legacy, now)
	require.NoError(t, err)

	assert.Equal(t, "ISk5\\2MT382-1000", dg.MeterType)
	assert.Equal(t, LegacyVersion, dg.Version)
	assert.True(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Equal(dg.Timestamp))
	assert.Equal(t, "0123456789:;<=>?", dg.TextMessage.Message)
	assert.Equal(t, "303132333435363738", dg.TextMessage.Codes)
	assert.Equal(t, &Reading{Value: 16, Unit: "A"}, dg.Electricity.Threshold)
	assert.Equal(t, "1", dg.Electricity.SwitchPosition)
	assert.Equal(t, &Reading{Value: 1.19, Unit: "kW"}, dg.Electricity.Received.Actual)

	assert.Equal(t, "03", dg.Gas.DeviceType)
	assert.Equal(t, "1", dg.Gas.ValvePosition)
	assert.Equal(t, &Reading{Value: 1.001, Unit: "m3"}, dg.Gas.Reading)
	require.NotNil(t, dg.Gas.Timestamp)
	assert.True(t, time.Date(2009, 2, 12, 16, 0, 0, 0, time.FixedZone("", 60*60)).Equal(*dg.Gas.Timestamp))
	assert.Empty(t, dg.Unparsed)
	assert.NoError(t, Validate(dg))
}

func TestParse_UnknownLinesKept(t *testing.T) {
	dg, err := Parse(telegram("/TEST", "", "1-3:0.2.8(50)", "1-0:1.7.0(00.100*kW)", "9-9:9.9.9(42)"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "5.0", dg.Version)
	assert.Equal(t, []string{"9-9:9.9.9(42)"}, dg.Unparsed)
}

func TestParse_NoHeader(t *testing.T) {
	_, err := Parse("1-0:1.7.0(00.100*kW)\r\n", time.Now())
	assert.ErrorIs(t, err, ErrEmptyTelegram)
}

func TestParseTimestamp(t *testing.T) {
	tests := map[string]struct {
		in     string
		offset int
	}{
		"summer": {in: "170601120000S", offset: 2 * 60 * 60},
		"winter": {in: "170101120000W", offset: 60 * 60},
		"bare":   {in: "170101120000", offset: 60 * 60},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ts, err := parseTimestamp(tc.in)
			require.NoError(t, err)
			_, offset := ts.Zone()
			assert.Equal(t, tc.offset, offset)
			assert.Equal(t, 12, ts.Hour())
		})
	}

	_, err := parseTimestamp("1701")
	assert.Error(t, err)
}

func TestNormalizeVersion(t *testing.T) {
	tests := map[string]string{
		"42":    "4.2",
		"50":    "5.0",
		"50217": "5.0",
		"4":     "4",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeVersion(in), in)
	}
}

func TestValidate(t *testing.T) {
	zero := &Reading{Value: 0, Unit: "kW"}
	tests := map[string]struct {
		electricity Electricity
		wantErr     bool
	}{
		"no actual": {
			electricity: Electricity{},
			wantErr:     true,
		},
		"zero without delivery": {
			electricity: Electricity{Received: Register{Actual: zero}},
			wantErr:     true,
		},
		"zero with delivery": {
			electricity: Electricity{Received: Register{Actual: zero}, Delivered: Register{Actual: &Reading{Value: 1.2, Unit: "kW"}}},
		},
		"consuming": {
			electricity: Electricity{Received: Register{Actual: &Reading{Value: 0.3, Unit: "kW"}}},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := Validate(&Datagram{Electricity: tc.electricity})
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrImplausible)
				return
			}
			assert.NoError(t, err)
		})
	}
}
