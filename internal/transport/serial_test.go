package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakePort serves queued reads; methods not overridden panic via the nil embed.
type fakePort struct {
	serial.Port

	mu      sync.Mutex
	reads   [][]byte
	written [][]byte
	readErr error
	closed  bool
	resets  int
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed") // mirrors serial.PortError on a closed port
	}
	if len(p.reads) > 0 {
		n := copy(b, p.reads[0])
		p.reads = p.reads[1:]
		p.mu.Unlock()
		return n, nil
	}
	err := p.readErr
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) push(b string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads = append(p.reads, []byte(b))
}

func withFakePort(t *testing.T, port *fakePort) *serial.Mode {
	t.Helper()
	var got serial.Mode
	orig := openPort
	openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
		got = *mode
		return port, nil
	}
	t.Cleanup(func() { openPort = orig })
	return &got
}

func TestSerialOpenDrainsAndDelivers(t *testing.T) {
	port := &fakePort{}
	port.push("garbage at boot")
	mode := withFakePort(t, port)

	var mu sync.Mutex
	var got []byte
	s := NewSerial(SerialConfig{PortPath: "/dev/rfcomm0"})
	require.NoError(t, s.Open(elm.Callbacks{Data: func(b []byte) {
		mu.Lock()
		got = append(got, b...)
		mu.Unlock()
	}}))
	defer s.Close()

	assert.Equal(t, 38400, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, 1, port.resets)

	port.push("41 0C ")
	port.push("1A F8\r\r>")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "41 0C 1A F8\r\r>"
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Write([]byte("010C\r")))
	port.mu.Lock()
	assert.Equal(t, "010C\r", string(port.written[0]))
	port.mu.Unlock()
}

func TestSerialReadErrorReportsDisconnect(t *testing.T) {
	port := &fakePort{}
	withFakePort(t, port)

	lost := make(chan error, 1)
	s := NewSerial(SerialConfig{PortPath: "/dev/ttyUSB0", BaudRate: 115200})
	require.NoError(t, s.Open(elm.Callbacks{Data: func([]byte) {}, Disconnect: func(err error) { lost <- err }}))

	port.mu.Lock()
	port.readErr = errors.New("device unplugged")
	port.mu.Unlock()

	select {
	case err := <-lost:
		assert.EqualError(t, err, "device unplugged")
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.NoError(t, s.Close())
}

func TestSerialCloseIsSilentAndIdempotent(t *testing.T) {
	port := &fakePort{}
	withFakePort(t, port)

	s := NewSerial(SerialConfig{PortPath: "/dev/ttyUSB0"})
	require.NoError(t, s.Open(elm.Callbacks{Data: func([]byte) {}, Disconnect: func(error) {
		t.Error("Close must not report a disconnect")
	}}))
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Error(t, s.Write([]byte("ATZ\r")))
}

func TestSerialOpenFailures(t *testing.T) {
	err := NewSerial(SerialConfig{}).Open(elm.Callbacks{})
	assert.ErrorIs(t, err, elm.ErrTransportUnavailable)

	orig := openPort
	openPort = func(string, *serial.Mode) (serial.Port, error) {
		return nil, errors.New("no such file or directory")
	}
	defer func() { openPort = orig }()
	err = NewSerial(SerialConfig{PortPath: "/dev/missing"}).Open(elm.Callbacks{})
	assert.ErrorIs(t, err, elm.ErrTransportUnavailable)
}
