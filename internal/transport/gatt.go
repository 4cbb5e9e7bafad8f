package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/sirupsen/logrus"
)

// BLE UUIDs used by ELM327 clones
const (
	// Vendor service found on most cheap adapters.
	CustomServiceUUID = "fff0"
	CustomWriteUUID   = "fff2"
	CustomNotifyUUID  = "fff1"

	// Fallback service; characteristics are chosen by their properties.
	StandardServiceUUID = "18f0"
)

// Characteristic is one discovered GATT characteristic and its properties.
type Characteristic struct {
	UUID                 string
	Notify               bool
	Indicate             bool
	Write                bool
	WriteWithoutResponse bool
}

func (c Characteristic) notifies() bool { return c.Notify || c.Indicate }
func (c Characteristic) writable() bool { return c.Write || c.WriteWithoutResponse }

// Service is one discovered GATT service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Profile is the write/notify characteristic pair a link binds to.
type Profile struct {
	Name    string // "custom" or "standard"
	Service string
	Write   Characteristic
	Notify  Characteristic
}

// SelectProfile picks the characteristic pair to bind. The vendor fff0
// service is preferred; otherwise the standard 18f0 service is used with its
// first notify-capable and first writable characteristics.
func SelectProfile(services []Service) (Profile, error) {
	for _, svc := range services {
		if !sameUUID(svc.UUID, CustomServiceUUID) {
			continue
		}
		var p Profile
		var haveW, haveN bool
		for _, c := range svc.Characteristics {
			switch {
			case sameUUID(c.UUID, CustomWriteUUID):
				p.Write, haveW = c, true
			case sameUUID(c.UUID, CustomNotifyUUID):
				p.Notify, haveN = c, true
			}
		}
		if haveW && haveN {
			p.Name, p.Service = "custom", svc.UUID
			return p, nil
		}
	}

	for _, svc := range services {
		if !sameUUID(svc.UUID, StandardServiceUUID) {
			continue
		}
		var p Profile
		var haveW, haveN bool
		for _, c := range svc.Characteristics {
			if !haveN && c.notifies() {
				p.Notify, haveN = c, true
			}
			if !haveW && c.writable() {
				p.Write, haveW = c, true
			}
		}
		if haveW && haveN {
			p.Name, p.Service = "standard", svc.UUID
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("gatt: no usable write/notify pair among %d services: %w", len(services), elm.ErrDiscoveryFailed)
}

// baseUUIDSuffix completes a 16-bit UUID to the Bluetooth base UUID.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// sameUUID compares UUIDs in short ("fff0") or full 128-bit form.
func sameUUID(a, b string) bool {
	return expandUUID(a) == expandUUID(b)
}

func expandUUID(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	u = strings.TrimPrefix(u, "0x")
	switch len(u) {
	case 4:
		return "0000" + u + baseUUIDSuffix
	case 8:
		return u + baseUUIDSuffix
	}
	return u
}

// Peripheral is the subset of a BLE stack a GATT link needs. Platform
// bindings implement it; tests use an in-memory device.
type Peripheral interface {
	Connect(ctx context.Context) error
	Discover(ctx context.Context) ([]Service, error)
	Subscribe(service, char string, fn func([]byte)) error
	WriteCharacteristic(service, char string, p []byte, withResponse bool) error
	OnDisconnect(fn func(error))
	Disconnect() error
}

// GATT is a Transport over a BLE peripheral's write/notify characteristic pair.
type GATT struct {
	dev     Peripheral
	timeout time.Duration
	log     *logrus.Entry

	mu      sync.Mutex
	profile Profile
	bound   bool
}

// NewGATT binds to dev; timeout bounds connection plus service discovery.
func NewGATT(dev Peripheral, timeout time.Duration) *GATT {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GATT{dev: dev, timeout: timeout, log: logrus.WithField("component", "gatt")}
}

func (g *GATT) Name() string { return "ble" }

// Profile returns the pair bound by the last successful Open.
func (g *GATT) Profile() Profile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.profile
}

func (g *GATT) Open(cb elm.Callbacks) error {
	if g.dev == nil {
		return fmt.Errorf("gatt: no bluetooth device: %w", elm.ErrTransportUnavailable)
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	if err := g.dev.Connect(ctx); err != nil {
		return fmt.Errorf("gatt: connect: %v: %w", err, elm.ErrTransportUnavailable)
	}
	services, err := g.dev.Discover(ctx)
	if err != nil {
		g.dev.Disconnect()
		return fmt.Errorf("gatt: discover: %v: %w", err, elm.ErrDiscoveryFailed)
	}
	p, err := SelectProfile(services)
	if err != nil {
		g.dev.Disconnect()
		return err
	}

	g.dev.OnDisconnect(func(err error) {
		g.mu.Lock()
		bound := g.bound
		g.bound = false
		g.mu.Unlock()
		if bound && cb.Disconnect != nil {
			cb.Disconnect(err)
		}
	})
	if err := g.dev.Subscribe(p.Service, p.Notify.UUID, cb.Data); err != nil {
		g.dev.Disconnect()
		return fmt.Errorf("gatt: subscribe %s: %v: %w", p.Notify.UUID, err, elm.ErrDiscoveryFailed)
	}

	g.mu.Lock()
	g.profile = p
	g.bound = true
	g.mu.Unlock()
	g.log.WithField("profile", p.Name).WithField("write", p.Write.UUID).WithField("notify", p.Notify.UUID).Info("characteristics bound")
	return nil
}

// Write sends one command, preferring write-without-response when offered.
func (g *GATT) Write(p []byte) error {
	g.mu.Lock()
	prof, bound := g.profile, g.bound
	g.mu.Unlock()
	if !bound {
		return errors.New("gatt: not bound")
	}
	withResponse := !prof.Write.WriteWithoutResponse
	return g.dev.WriteCharacteristic(prof.Service, prof.Write.UUID, p, withResponse)
}

func (g *GATT) Close() error {
	g.mu.Lock()
	bound := g.bound
	g.bound = false
	g.mu.Unlock()
	if !bound {
		return nil
	}
	return g.dev.Disconnect()
}
