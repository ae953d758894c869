// Package conn provides the wireless transport abstraction for the
// xBloom machine, a BLE implementation of it, and a resilient connector
// that recovers from host-level link conflicts.
package conn

import (
	"errors"
	"time"
)

// BLE characteristic UUIDs of the xBloom GATT service
const (
	// ServiceUUID identifies the xBloom control service
	ServiceUUID = "0000e0ff-3c17-d293-8e48-14fe2e4da212"

	// WriteUUID is the characteristic commands are written to
	WriteUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"

	// NotifyUUID is the primary notification characteristic
	NotifyUUID = "0000ffe2-0000-1000-8000-00805f9b34fb"

	// ReadUUID is the secondary notification characteristic used by the
	// Studio firmware
	ReadUUID = "0000ffe3-0000-1000-8000-00805f9b34fb"
)

// ErrNotConnected denotes an operation on a disconnected transport
var ErrNotConnected = errors.New("not connected to device")

// ErrExhaustedRetries denotes a connect that failed after all attempts
var ErrExhaustedRetries = errors.New("all connection attempts exhausted")

// NotificationHandler denotes a callback receiving raw notification
// buffers from a subscribed characteristic
type NotificationHandler func(data []byte)

// Transport denotes an abstract wireless link to the machine. Any
// implementation satisfying this contract is pluggable.
type Transport interface {

	// Connect establishes the link to the device at the given address,
	// bounded by the timeout
	Connect(address string, timeout time.Duration) error

	// Disconnect tears down the link
	Disconnect() error

	// IsConnected reports whether the link is currently up
	IsConnected() bool

	// Write sends raw bytes to a characteristic; ack requests a
	// write-with-response at the link layer
	Write(characteristic string, data []byte, ack bool) error

	// Subscribe registers a handler for notifications on a characteristic
	Subscribe(characteristic string, handler NotificationHandler) error

	// Unsubscribe removes the notification handler for a characteristic
	Unsubscribe(characteristic string) error
}

// Device denotes a discovered peripheral
type Device struct {
	Address string
	Name    string
	RSSI    int
}
