// Package transport provides the byte links a Client can run over: a serial
// port, a WebSocket bridge, a BLE GATT characteristic pair and an in-process
// simulated adapter.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// SerialConfig holds connection settings for a wired or Bluetooth-SPP adapter.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

const (
	defaultBaud = 38400

	// Drain / timing constants
	drainSilence = 100 * time.Millisecond  // silence threshold for drain loop
	drainTimeout = 1500 * time.Millisecond // max time to spend draining
	readTimeout  = 100 * time.Millisecond  // poll interval of the read loop
)

// openPort is swapped out in tests.
var openPort = serial.Open

// Serial is a Transport over a serial port.
type Serial struct {
	cfg SerialConfig
	log *logrus.Entry

	mu     sync.Mutex
	port   serial.Port
	closed bool
	wg     sync.WaitGroup
}

// NewSerial creates a serial transport. A zero baud rate means 38400 8N1.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = defaultBaud
	}
	return &Serial{cfg: cfg, log: logrus.WithField("component", "serial")}
}

func (s *Serial) Name() string { return "serial:" + s.cfg.PortPath }

// Open opens the port, discards boot output and starts the read loop.
func (s *Serial) Open(cb elm.Callbacks) error {
	if s.cfg.PortPath == "" {
		return fmt.Errorf("serial: no port configured: %w", elm.ErrTransportUnavailable)
	}
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(s.cfg.PortPath, mode)
	if err != nil {
		return fmt.Errorf("serial: open %s: %v: %w", s.cfg.PortPath, err, elm.ErrTransportUnavailable)
	}
	s.log.WithField("port", s.cfg.PortPath).WithField("baud", s.cfg.BaudRate).Info("port opened")

	s.drain(port)
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("serial: set timeout: %v: %w", err, elm.ErrTransportUnavailable)
	}

	s.mu.Lock()
	s.port = port
	s.closed = false
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(port, cb)
	return nil
}

// drain reads and discards pending data until the line has been silent for
// drainSilence, or drainTimeout has elapsed.
func (s *Serial) drain(port serial.Port) {
	port.ResetInputBuffer()
	port.SetReadTimeout(drainSilence)

	total := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, _ := port.Read(buf)
		if n == 0 {
			break
		}
		if total == 0 {
			s.log.Debugf("drain first bytes: % X", buf[:n])
		}
		total += n
	}
	if total > 0 {
		s.log.WithField("bytes", total).Debug("drained boot output")
	}
}

func (s *Serial) readLoop(port serial.Port, cb elm.Callbacks) {
	err := s.pump(port, cb)
	closed := s.isClosed()
	s.wg.Done()
	if closed || err == nil {
		return
	}
	s.log.WithError(err).Warn("read failed")
	if cb.Disconnect != nil {
		cb.Disconnect(err)
	}
}

// pump delivers chunks until the port fails or is closed.
func (s *Serial) pump(port serial.Port, cb elm.Callbacks) error {
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			cb.Data(chunk)
		}
		if err != nil {
			return err
		}
		if s.isClosed() {
			return nil
		}
	}
}

func (s *Serial) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Write sends one command.
func (s *Serial) Write(p []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return errors.New("serial: port not open")
	}
	n, err := port.Write(p)
	if err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	if n != len(p) {
		return fmt.Errorf("serial: short write %d/%d", n, len(p))
	}
	return nil
}

// Close stops the read loop and closes the port. It may be called repeatedly.
func (s *Serial) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.closed = true
	s.mu.Unlock()

	if port == nil {
		return nil
	}
	err := port.Close()
	s.wg.Wait()
	return err
}
