package transport

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/shaunagostinho/elm-dash/internal/obd"
)

// Sim emulates an ELM327 adapter connected to a running engine. Replies are
// split into random small chunks the way BLE notifications arrive.
type Sim struct {
	// Latency is the delay before a reply starts arriving.
	Latency time.Duration
	// MaxChunk bounds the size of each delivered chunk (default 8).
	MaxChunk int

	mu      sync.Mutex
	cb      elm.Callbacks
	open    bool
	start   time.Time
	rng     *rand.Rand
	echo    bool
	spaces  bool
	cleared bool
	silent  map[string]bool
	writes  []string
}

// NewSim creates a simulated adapter with two stored and one pending code.
func NewSim() *Sim {
	return &Sim{
		Latency:  2 * time.Millisecond,
		MaxChunk: 8,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		silent:   map[string]bool{},
	}
}

func (s *Sim) Name() string { return "sim" }

func (s *Sim) Open(cb elm.Callbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
	s.open = true
	s.start = time.Now()
	s.echo, s.spaces = true, true
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// Silence makes the adapter stop answering cmd, or resume when on is false.
func (s *Sim) Silence(cmd string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[strings.ToUpper(cmd)] = on
}

// Drop simulates the link going away underneath the client.
func (s *Sim) Drop(err error) {
	s.mu.Lock()
	cb := s.cb
	wasOpen := s.open
	s.open = false
	s.mu.Unlock()
	if wasOpen && cb.Disconnect != nil {
		cb.Disconnect(err)
	}
}

// Writes returns every command received so far.
func (s *Sim) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func (s *Sim) Write(p []byte) error {
	cmd := strings.ToUpper(strings.TrimSpace(strings.TrimRight(string(p), "\r")))

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return errors.New("sim: link closed")
	}
	s.writes = append(s.writes, cmd)
	if s.silent[cmd] {
		s.mu.Unlock()
		return nil
	}
	reply := s.respond(cmd)
	if s.echo {
		reply = cmd + "\r" + reply
	}
	data := []byte(reply + "\r\r>")
	chunks := s.split(data)
	cb := s.cb
	latency := s.Latency
	s.mu.Unlock()

	go func() {
		time.Sleep(latency)
		for _, c := range chunks {
			s.mu.Lock()
			open := s.open
			s.mu.Unlock()
			if !open {
				return
			}
			cb.Data(c)
		}
	}()
	return nil
}

func (s *Sim) split(data []byte) [][]byte {
	max := s.MaxChunk
	if max <= 0 {
		max = 8
	}
	var out [][]byte
	for len(data) > 0 {
		n := s.rng.Intn(max) + 1
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// respond must be called with s.mu held.
func (s *Sim) respond(cmd string) string {
	cmd = strings.ReplaceAll(cmd, " ", "")
	switch {
	case cmd == obd.CmdReset:
		s.echo, s.spaces = true, true
		return "ELM327 v1.5"
	case cmd == "ATI":
		return "ELM327 v1.5"
	case cmd == obd.CmdDescribeProto:
		return "AUTO, ISO 15765-4 (CAN 11/500)"
	case cmd == "ATRV":
		return "14.1V"
	case cmd == obd.CmdEchoOff:
		s.echo = false
		return "OK"
	case cmd == obd.CmdSpacesOff:
		s.spaces = false
		return "OK"
	case strings.HasPrefix(cmd, "AT"):
		return "OK"
	case cmd == obd.CmdSupportedPIDs:
		return s.format("4100BE3EB813")
	case cmd == obd.CmdReadDTCs:
		if s.cleared {
			return s.format("4300000000000000")
		}
		return s.format("4301330300000000")
	case cmd == obd.CmdReadPendingDTCs:
		if s.cleared {
			return "NO DATA"
		}
		return s.format("4701710000000000")
	case cmd == obd.CmdClearDTCs:
		s.cleared = true
		return "44"
	}
	if pid, ok := obd.Lookup(cmd); ok {
		e := s.engine(time.Since(s.start).Seconds())
		a, b := e.raw(pid)
		return s.format(pid.Encode(a, b))
	}
	if isHexCommand(cmd) {
		return "NO DATA"
	}
	return "?"
}

// format inserts a space between bytes unless spaces are switched off.
func (s *Sim) format(hex string) string {
	if !s.spaces {
		return hex
	}
	var b strings.Builder
	for i := 0; i < len(hex); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 2
		if end > len(hex) {
			end = len(hex)
		}
		b.WriteString(hex[i:end])
	}
	return b.String()
}

func isHexCommand(cmd string) bool {
	if cmd == "" {
		return false
	}
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// engineState is one instant of the simulated engine, in physical units.
type engineState struct {
	rpm, speed, tps, mapKPa, timing, coolant, iat, maf float64
	lambda, volts, fuelLevel, fuelRail, baro, ambient  float64
}

// engine generates a slow rev cycle: idle up to ~4850 rpm and back.
func (s *Sim) engine(t float64) engineState {
	jitter := func(n float64) float64 { return s.rng.Float64() * n }

	rpm := 850.0 + 4000.0*math.Sin(t*0.3)*math.Sin(t*0.3) + jitter(50)
	tps := clamp((rpm-850)/(8000-850)*100, 0, 100)
	afr := clamp(14.7-(tps/100)*1.5+jitter(0.4), 10, 18)

	return engineState{
		rpm:       rpm,
		speed:     tps / 100 * 220,
		tps:       tps,
		mapKPa:    30 + (rpm-850)/(8000-850)*170,
		timing:    10 + (tps/100)*28,
		coolant:   85 + jitter(5),
		iat:       30 + jitter(8),
		maf:       2 + rpm/8000*150,
		lambda:    afr / 14.7,
		volts:     13.8 + jitter(0.4),
		fuelLevel: clamp(75-t/600, 0, 100),
		fuelRail:  35000 + tps*300,
		baro:      101,
		ambient:   22,
	}
}

// raw encodes the state's value for pid as the A and B bytes an ECU would send.
func (e engineState) raw(pid obd.PID) (byte, byte) {
	switch pid.Command {
	case obd.RPM.Command:
		return word(e.rpm * 4)
	case obd.Speed.Command:
		return u8(e.speed), 0
	case obd.Coolant.Command:
		return u8(e.coolant + 40), 0
	case obd.IntakeTemp.Command:
		return u8(e.iat + 40), 0
	case obd.MAP.Command:
		return u8(e.mapKPa), 0
	case obd.Load.Command:
		return u8(e.tps * 255 / 100), 0
	case obd.Timing.Command:
		return u8(e.timing*2 + 128), 0
	case obd.MAF.Command:
		return word(e.maf * 100)
	case obd.Throttle.Command:
		return u8(e.tps * 255 / 100), 0
	case obd.FuelRail.Command:
		return word(e.fuelRail / 10)
	case obd.FuelLevel.Command:
		return u8(e.fuelLevel * 255 / 100), 0
	case obd.Baro.Command:
		return u8(e.baro), 0
	case obd.Lambda.Command:
		return word(e.lambda * 32768)
	case obd.Ambient.Command:
		return u8(e.ambient + 40), 0
	case obd.Voltage.Command:
		return word(e.volts * 1000)
	}
	return 0, 0
}

func u8(v float64) byte {
	return byte(clamp(math.Round(v), 0, 255))
}

func word(v float64) (byte, byte) {
	w := uint16(clamp(math.Round(v), 0, 65535))
	return byte(w >> 8), byte(w)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
