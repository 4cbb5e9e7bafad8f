package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeDTC(t *testing.T) {
	tests := []struct {
		a, b byte
		want string
	}{
		{0x01, 0x33, "P0133"},
		{0x41, 0x33, "C0133"},
		{0x81, 0x00, "B0100"},
		{0xE1, 0x03, "U2103"},
		{0x03, 0x00, "P0300"},
		{0x01, 0x71, "P0171"},
		{0x1A, 0xBC, "P1ABC"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DecodeDTC(tt.a, tt.b))
	}
}

func TestDecodeDTCs(t *testing.T) {
	tests := []struct {
		name      string
		responses []string
		want      []string
	}{
		{"single confirmed", []string{"43 01 33 00 00 00 00"}, []string{"P0133"}},
		{"no echo", []string{"0133"}, []string{"P0133"}},
		{"pending", []string{"", "47 03 00"}, []string{"P0300"}},
		{"confirmed and pending merged in order", []string{"4301330300", "47017101 33"}, []string{"P0133", "P0300", "P0171"}},
		{"no data", []string{"NO DATA", "NODATA"}, []string{}},
		{"zero groups skipped", []string{"43000000000000"}, []string{}},
		{"short trailing group ignored", []string{"43013303"}, []string{"P0133"}},
		{"invalid hex group skipped", []string{"43ZZZZ0133"}, []string{"P0133"}},
		{"lower case", []string{"43e103"}, []string{"U2103"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeDTCs(tt.responses...))
		})
	}
}

func TestClearSucceeded(t *testing.T) {
	assert.True(t, ClearSucceeded("44"))
	assert.True(t, ClearSucceeded("OK"))
	assert.True(t, ClearSucceeded(""))
	assert.True(t, ClearSucceeded("44\r\rOK"))
	assert.False(t, ClearSucceeded("NO DATA"))
	assert.False(t, ClearSucceeded("7F 04 22"))
}
