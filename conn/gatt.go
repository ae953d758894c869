package conn

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/gatt"
	"github.com/sirupsen/logrus"
)

// BLETransport implements Transport on top of the gatt HCI stack. One
// instance owns at most one peripheral connection at a time.
type BLETransport struct {
	mu sync.Mutex

	device     gatt.Device
	peripheral gatt.Peripheral
	chars      map[string]*gatt.Characteristic
	handlers   map[string]NotificationHandler
	connected  bool
}

// NewBLETransport initializes an unconnected BLE transport
func NewBLETransport() *BLETransport {
	return &BLETransport{
		chars:    make(map[string]*gatt.Characteristic),
		handlers: make(map[string]NotificationHandler),
	}
}

// Connect powers on the HCI device, scans for the peripheral with the
// given address and establishes the connection, bounded by the timeout
func (t *BLETransport) Connect(address string, timeout time.Duration) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	device, err := gatt.NewDevice(gatt.LnxMaxConnections(1), gatt.LnxDeviceID(-1, true))
	if err != nil {
		return fmt.Errorf("failed to open HCI device: %w", err)
	}

	readyChan := make(chan error, 1)
	doneChan := make(chan error, 1)

	device.Handle(
		gatt.PeripheralDiscovered(func(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
			if !strings.EqualFold(p.ID(), address) {
				return
			}
			p.Device().StopScanning()
			p.Device().Connect(p)
		}),
		gatt.PeripheralConnected(func(p gatt.Peripheral, err error) {
			if err != nil {
				doneChan <- err
				return
			}
			doneChan <- t.discoverCharacteristics(p)
		}),
		gatt.PeripheralDisconnected(func(p gatt.Peripheral, err error) {
			t.mu.Lock()
			t.connected = false
			t.mu.Unlock()
			logrus.StandardLogger().Infof("Peripheral %s disconnected", p.ID())
		}),
	)

	if err := device.Init(func(d gatt.Device, s gatt.State) {
		switch s {
		case gatt.StatePoweredOn:
			d.Scan([]gatt.UUID{}, false)
			readyChan <- nil
		default:
			readyChan <- fmt.Errorf("HCI device in state %s", s)
		}
	}); err != nil {
		return fmt.Errorf("failed to initialize HCI device: %w", err)
	}

	select {
	case err := <-readyChan:
		if err != nil {
			t.teardown(device)
			return err
		}
	case <-time.After(timeout):
		t.teardown(device)
		return fmt.Errorf("timed out waiting for HCI device power-on")
	}

	select {
	case err := <-doneChan:
		if err != nil {
			t.teardown(device)
			return fmt.Errorf("failed to connect to %s: %w", address, err)
		}
	case <-time.After(timeout):
		t.teardown(device)
		return fmt.Errorf("timed out connecting to %s", address)
	}

	t.mu.Lock()
	t.device = device
	t.connected = true
	t.mu.Unlock()
	return nil
}

// discoverCharacteristics walks the peripheral's services and caches
// the control characteristics by UUID
func (t *BLETransport) discoverCharacteristics(p gatt.Peripheral) error {
	services, err := p.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("service discovery failed: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.peripheral = p

	for _, svc := range services {
		chars, err := p.DiscoverCharacteristics(nil, svc)
		if err != nil {
			logrus.StandardLogger().Warnf("Characteristic discovery failed for service %s: %s", svc.UUID(), err)
			continue
		}
		for _, c := range chars {
			// Descriptors are required before notifications can be enabled
			if _, err := p.DiscoverDescriptors(nil, c); err != nil {
				logrus.StandardLogger().Debugf("Descriptor discovery failed for %s: %s", c.UUID(), err)
			}
			t.chars[normalizeUUID(c.UUID().String())] = c
		}
	}

	return nil
}

// teardown stops an in-progress scan and severs any half-established
// peripheral connection. The gatt central API offers no full device
// shutdown, so stopping the scan and cancelling the connection is the
// complete cleanup.
func (t *BLETransport) teardown(device gatt.Device) {
	device.StopScanning()

	t.mu.Lock()
	p := t.peripheral
	t.peripheral = nil
	t.mu.Unlock()

	if p != nil {
		device.CancelConnection(p)
	}
}

// Disconnect tears down the peripheral connection and stops the HCI
// scan
func (t *BLETransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.device != nil {
		t.device.StopScanning()
		if t.peripheral != nil {
			t.device.CancelConnection(t.peripheral)
		}
	}

	t.device = nil
	t.peripheral = nil
	t.chars = make(map[string]*gatt.Characteristic)
	t.handlers = make(map[string]NotificationHandler)
	t.connected = false
	return nil
}

// IsConnected reports whether the peripheral link is up
func (t *BLETransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Write sends raw bytes to the given characteristic
func (t *BLETransport) Write(characteristic string, data []byte, ack bool) error {
	t.mu.Lock()
	p, c := t.peripheral, t.chars[normalizeUUID(characteristic)]
	connected := t.connected
	t.mu.Unlock()

	if !connected || p == nil {
		return ErrNotConnected
	}
	if c == nil {
		return fmt.Errorf("unknown characteristic %s", characteristic)
	}

	return p.WriteCharacteristic(c, data, !ack)
}

// Subscribe enables notifications on the given characteristic and
// routes them to the handler
func (t *BLETransport) Subscribe(characteristic string, handler NotificationHandler) error {
	t.mu.Lock()
	p, c := t.peripheral, t.chars[normalizeUUID(characteristic)]
	connected := t.connected
	if connected && c != nil {
		t.handlers[normalizeUUID(characteristic)] = handler
	}
	t.mu.Unlock()

	if !connected || p == nil {
		return ErrNotConnected
	}
	if c == nil {
		return fmt.Errorf("unknown characteristic %s", characteristic)
	}

	return p.SetNotifyValue(c, func(c *gatt.Characteristic, data []byte, err error) {
		if err != nil {
			logrus.StandardLogger().Debugf("Notification error on %s: %s", c.UUID(), err)
			return
		}
		handler(data)
	})
}

// Unsubscribe disables notifications on the given characteristic
func (t *BLETransport) Unsubscribe(characteristic string) error {
	t.mu.Lock()
	p, c := t.peripheral, t.chars[normalizeUUID(characteristic)]
	delete(t.handlers, normalizeUUID(characteristic))
	connected := t.connected
	t.mu.Unlock()

	if !connected || p == nil || c == nil {
		return nil
	}
	return p.SetNotifyValue(c, nil)
}

// Discover scans for xBloom machines. Peripherals advertising the
// control service UUID match first; devices whose name contains
// "XBLOOM" are accepted as a fallback, since some firmware revisions
// omit the service UUID from the advertisement.
func Discover(timeout time.Duration) ([]Device, error) {
	device, err := gatt.NewDevice(gatt.LnxMaxConnections(1), gatt.LnxDeviceID(-1, true))
	if err != nil {
		return nil, fmt.Errorf("failed to open HCI device: %w", err)
	}
	serviceUUID := gatt.MustParseUUID(ServiceUUID)

	var (
		mu    sync.Mutex
		found = make(map[string]Device)
	)

	device.Handle(gatt.PeripheralDiscovered(func(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
		match := strings.Contains(strings.ToUpper(a.LocalName), "XBLOOM")
		for _, u := range a.Services {
			if u.Equal(serviceUUID) {
				match = true
				break
			}
		}
		if !match {
			return
		}

		mu.Lock()
		found[p.ID()] = Device{Address: p.ID(), Name: a.LocalName, RSSI: rssi}
		mu.Unlock()
	}))

	if err := device.Init(func(d gatt.Device, s gatt.State) {
		if s == gatt.StatePoweredOn {
			d.Scan([]gatt.UUID{}, true)
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize HCI device: %w", err)
	}

	time.Sleep(timeout)
	device.StopScanning()

	mu.Lock()
	defer mu.Unlock()
	devices := make([]Device, 0, len(found))
	for _, d := range found {
		devices = append(devices, d)
	}
	return devices, nil
}

func normalizeUUID(u string) string {
	return strings.ToLower(strings.ReplaceAll(u, "-", ""))
}
