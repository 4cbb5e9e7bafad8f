package obd

import (
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// PID describes one mode 01 parameter: the ASCII command that requests it,
// the response prefix the ECU echoes back, and how many payload bytes the
// formula consumes. The table below is static and shared by all callers.
type PID struct {
	Name    string // Channel name used in snapshots, logs and the API
	Command string // Request sent to the adapter (e.g. "010C")
	Prefix  string // Service+PID echo in the reply (e.g. "410C")
	Bytes   int    // Payload bytes consumed: 1 = A, 2 = A,B
	Unit    string

	formula func(a, b float64) float64
	// literal handles replies that already carry a unit (e.g. "12.6V").
	literal func(clean string) (float64, bool)
}

var (
	RPM = PID{Name: "rpm", Command: "010C", Prefix: "410C", Bytes: 2, Unit: "rpm",
		formula: func(a, b float64) float64 { return ((a * 256) + b) / 4 }}
	Speed = PID{Name: "speed", Command: "010D", Prefix: "410D", Bytes: 1, Unit: "km/h",
		formula: func(a, _ float64) float64 { return a }}
	Coolant = PID{Name: "coolant", Command: "0105", Prefix: "4105", Bytes: 1, Unit: "°C",
		formula: func(a, _ float64) float64 { return a - 40 }}
	IntakeTemp = PID{Name: "intake", Command: "010F", Prefix: "410F", Bytes: 1, Unit: "°C",
		formula: func(a, _ float64) float64 { return a - 40 }}
	MAP = PID{Name: "map", Command: "010B", Prefix: "410B", Bytes: 1, Unit: "kPa",
		formula: func(a, _ float64) float64 { return a }}
	Load = PID{Name: "load", Command: "0104", Prefix: "4104", Bytes: 1, Unit: "%",
		formula: func(a, _ float64) float64 { return a * 100 / 255 }}
	Timing = PID{Name: "timing", Command: "010E", Prefix: "410E", Bytes: 1, Unit: "°",
		formula: func(a, _ float64) float64 { return (a - 128) / 2 }}
	MAF = PID{Name: "maf", Command: "0110", Prefix: "4110", Bytes: 2, Unit: "g/s",
		formula: func(a, b float64) float64 { return ((256 * a) + b) / 100 }}
	Throttle = PID{Name: "throttle", Command: "0111", Prefix: "4111", Bytes: 1, Unit: "%",
		formula: func(a, _ float64) float64 { return a * 100 / 255 }}
	FuelRail = PID{Name: "fuelRail", Command: "0123", Prefix: "4123", Bytes: 2, Unit: "kPa",
		formula: func(a, b float64) float64 { return ((256 * a) + b) * 10 }}
	FuelLevel = PID{Name: "fuelLevel", Command: "012F", Prefix: "412F", Bytes: 1, Unit: "%",
		formula: func(a, _ float64) float64 { return a * 100 / 255 }}
	Baro = PID{Name: "baro", Command: "0133", Prefix: "4133", Bytes: 1, Unit: "kPa",
		formula: func(a, _ float64) float64 { return a }}
	Lambda = PID{Name: "lambda", Command: "0144", Prefix: "4144", Bytes: 2, Unit: "λ",
		formula: func(a, b float64) float64 { return ((256 * a) + b) / 32768 }}
	Ambient = PID{Name: "ambient", Command: "0146", Prefix: "4146", Bytes: 1, Unit: "°C",
		formula: func(a, _ float64) float64 { return a - 40 }}
	Voltage = PID{Name: "voltage", Command: "0142", Prefix: "4142", Bytes: 2, Unit: "V",
		formula: func(a, b float64) float64 { return ((a * 256) + b) / 1000 },
		literal: parseVoltsLiteral}
)

// PIDs lists every supported channel in a stable order.
var PIDs = []PID{
	RPM, Speed, Coolant, IntakeTemp, MAP, Load, Timing, MAF,
	Throttle, FuelRail, FuelLevel, Baro, Lambda, Ambient, Voltage,
}

// Lookup finds a PID by channel name or by request command.
func Lookup(key string) (PID, bool) {
	key = strings.TrimSpace(key)
	for _, p := range PIDs {
		if strings.EqualFold(p.Name, key) || strings.EqualFold(p.Command, key) {
			return p, true
		}
	}
	return PID{}, false
}

// Decode converts a trimmed adapter reply into the channel's physical value.
// Any malformed, missing or error reply decodes to 0; the result is always finite.
func (p PID) Decode(resp string) float64 {
	if p.formula == nil {
		return 0
	}
	if p.literal != nil {
		if v, ok := p.literal(resp); ok {
			return finite(v)
		}
	}

	data, ok := payload(resp, p.Prefix, p.Bytes)
	if !ok {
		return 0
	}
	raw, err := hex.DecodeString(data[:p.Bytes*2])
	if err != nil {
		return 0
	}

	a := float64(raw[0])
	b := 0.0
	if p.Bytes > 1 {
		b = float64(raw[1])
	}
	return finite(p.formula(a, b))
}

// Encode builds the payload hex an ECU would send for raw bytes a and b.
// Used by the simulated adapter; b is ignored for single-byte PIDs.
func (p PID) Encode(a, b byte) string {
	data := []byte{a, b}
	if p.Bytes == 1 {
		data = data[:1]
	}
	return p.Prefix + strings.ToUpper(hex.EncodeToString(data))
}

// failureMarkers are adapter status words that mean the ECU sent no usable data.
var failureMarkers = []string{"NODATA", "SEARCH", "ERROR", "STOPPED"}

// normalize strips whitespace, NULs and prompt characters and upper-cases hex.
func normalize(resp string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n', 0, '>':
			return -1
		}
		if r >= 'a' && r <= 'z' {
			return r - 'a' + 'A'
		}
		return r
	}, resp)
}

// payload extracts the data bytes following the service+PID prefix.
//
// Some adapters suppress the echo entirely; a bare reply is accepted only when
// it is pure hex of exactly the PID's payload length. A foreign echo with no
// data ("410D" read as RPM) has that shape too and cannot be told apart from
// a real headerless payload, so it decodes as data.
func payload(resp, prefix string, n int) (string, bool) {
	clean := normalize(resp)
	for _, m := range failureMarkers {
		if strings.Contains(clean, m) {
			return "", false
		}
	}

	data := ""
	if idx := strings.Index(clean, prefix); idx != -1 {
		data = clean[idx+len(prefix):]
	} else if len(clean) == n*2 && isHex(clean) {
		data = clean
	} else {
		return "", false
	}

	if len(data) < n*2 || !isHex(data[:n*2]) {
		return "", false
	}
	return data, true
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// parseVoltsLiteral handles "ATRV"-style replies such as "12.6V".
func parseVoltsLiteral(resp string) (float64, bool) {
	s := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(resp), ">"))
	if !strings.HasSuffix(strings.ToUpper(s), "V") {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s[:len(s)-1]), 64)
	if err != nil {
		return 0, true
	}
	return v, true
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
