package obd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeKnownVectors(t *testing.T) {
	tests := []struct {
		name string
		pid  PID
		resp string
		want float64
	}{
		{"rpm", RPM, "410C1AF8", 1726},
		{"rpm with spaces", RPM, "41 0C 1A F8", 1726},
		{"rpm lower case", RPM, "410c1af8", 1726},
		{"rpm with prompt and CR", RPM, "410C1AF8\r\r>", 1726},
		{"speed", Speed, "410D3C", 60},
		{"coolant", Coolant, "41057B", 83},
		{"coolant below zero", Coolant, "410500", -40},
		{"intake", IntakeTemp, "410F46", 30},
		{"map", MAP, "410B65", 101},
		{"load full", Load, "4104FF", 100},
		{"timing negative", Timing, "410E70", -8},
		{"maf", MAF, "41100190", 4},
		{"throttle", Throttle, "411180", 128 * 100.0 / 255},
		{"fuel rail", FuelRail, "41230100", 2560},
		{"fuel level", FuelLevel, "412F80", 128 * 100.0 / 255},
		{"baro", Baro, "413365", 101},
		{"lambda stoich", Lambda, "41448000", 1},
		{"ambient", Ambient, "41463C", 20},
		{"voltage pid", Voltage, "41423138", 12.6},
		{"voltage literal", Voltage, "12.6V", 12.6},
		{"voltage literal with space", Voltage, " 14.1 V ", 14.1},
		{"bare payload", RPM, "1AF8", 1726},
		{"foreign echo with data", RPM, "410D3C", 0},
		// Same shape as a headerless payload; decoded as A=0x41 B=0x0D
		{"foreign echo without data", RPM, "410D", (0x41*256 + 0x0D) / 4.0},
		{"foreign one-byte echo without data", Speed, "41", 0x41},
		{"prefix after echo", Speed, "010D410D3C", 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.pid.Decode(tt.resp), 1e-9)
		})
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, p := range PIDs {
		for _, a := range []byte{0x00, 0x01, 0x1A, 0x7F, 0x80, 0xFF} {
			for _, b := range []byte{0x00, 0x33, 0xF8, 0xFF} {
				want := p.formula(float64(a), float64(b))
				if p.Bytes == 1 {
					want = p.formula(float64(a), 0)
				}
				got := p.Decode(p.Encode(a, b))
				assert.InDelta(t, want, got, 1e-9, "%s a=%02X b=%02X", p.Name, a, b)
			}
		}
	}
}

func TestDecodeMalformedIsZero(t *testing.T) {
	bad := []string{
		"",
		"NO DATA",
		"NODATA",
		"SEARCHING...",
		"SEARCHING...\r410C1AF8",
		"CAN ERROR",
		"BUS ERROR",
		"STOPPED",
		"?",
		"410C1",
		"4",
		"ZZZZ",
		"410DGG",
		"UNABLE TO CONNECT",
		"NaN",
		"Inf",
	}

	for _, p := range PIDs {
		for _, resp := range bad {
			v := p.Decode(resp)
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "%s(%q) not finite", p.Name, resp)
			assert.Zero(t, v, "%s(%q)", p.Name, resp)
		}
	}
}

func TestDecodeWrongPrefixIsZero(t *testing.T) {
	assert.Zero(t, RPM.Decode("410D3C"))
	assert.Zero(t, Speed.Decode("410C1AF8"))
	assert.Zero(t, Coolant.Decode("410F46"))
	assert.Zero(t, Lambda.Decode("410B65"))
}

func TestDecodeTruncatedPayloadIsZero(t *testing.T) {
	assert.Zero(t, RPM.Decode("410C1A"))
	assert.Zero(t, MAF.Decode("4110"))
	assert.Zero(t, Voltage.Decode("414231"))
}

func TestVoltageLiteralGarbageIsZero(t *testing.T) {
	assert.Zero(t, Voltage.Decode("abcV"))
	assert.Zero(t, Voltage.Decode("V"))
}

func TestZeroValuePIDDecodes(t *testing.T) {
	assert.Zero(t, PID{}.Decode("410C1AF8"))
}

func TestLookup(t *testing.T) {
	p, ok := Lookup("rpm")
	assert.True(t, ok)
	assert.Equal(t, "010C", p.Command)

	p, ok = Lookup("012f")
	assert.True(t, ok)
	assert.Equal(t, "fuelLevel", p.Name)

	_, ok = Lookup("0199")
	assert.False(t, ok)
}

func TestEncode(t *testing.T) {
	assert.Equal(t, "410C1AF8", RPM.Encode(0x1A, 0xF8))
	assert.Equal(t, "410D3C", Speed.Encode(0x3C, 0xFF))
}
