// Package ble locates a Heart Rate Service peripheral, subscribes to its
// measurement characteristic and surfaces the raw notifications together
// with connection-lifecycle events.
package ble

import (
	"context"
	"errors"
)

// Bluetooth SIG assigned UUIDs.
const (
	HeartRateServiceUUID     = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurementUUID = "00002a37-0000-1000-8000-00805f9b34fb"
)

// ErrNotFound is wrapped by adapters when a service or characteristic is
// absent from the peer's GATT table.
var ErrNotFound = errors.New("ble: not found")

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Subscribe enables notifications and registers the callback.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe disables notifications.
	Unsubscribe() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
	// HasService is true when the advertisement listed the scanned service.
	HasService bool
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every peripheral seen until ctx is done. Devices that
	// advertised serviceUUID have HasService set.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
