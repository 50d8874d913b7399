// Package radio defines the narrow interfaces GhostDrop's core consumes
// from the concrete BLE radio stack. The core never talks to
// CoreBluetooth/BlueZ/etc. directly — it is handed a Central or a
// Peripheral and drives the protocol through these methods only. An
// in-process loopback implementation for tests and the bench CLI lives
// in the loopback subpackage.
package radio

import (
	"context"
	"errors"
	"io"

	"github.com/ghostdrop/ghostdrop/internal/frame"
)

// DeviceID is a 128-bit opaque per-install identifier.
type DeviceID [16]byte

// NearbyDevice is an ephemeral discovery record surfaced while scanning.
type NearbyDevice struct {
	ID           DeviceID
	DisplayName  string
	RSSI         int
	Capabilities frame.Capabilities
	L2CAPPSM     *uint16
}

var (
	// ErrBluetoothUnavailable indicates the radio is off or missing.
	ErrBluetoothUnavailable = errors.New("radio: bluetooth unavailable")
	// ErrBluetoothUnauthorized indicates the process lacks permission.
	ErrBluetoothUnauthorized = errors.New("radio: bluetooth unauthorized")
	// ErrInvalidCapabilities indicates an advertisement failed to decode.
	ErrInvalidCapabilities = errors.New("radio: invalid capabilities")
)

// Central is the scanning/connecting side of the BLE radio adapter.
type Central interface {
	WaitUntilPoweredOn(ctx context.Context) error
	StartScanning(ctx context.Context) error
	StopScanning()
	NearbyDevices(ctx context.Context) (<-chan []NearbyDevice, error)
	Connect(ctx context.Context, id DeviceID) error
	DiscoverTransportCharacteristics(ctx context.Context, id DeviceID) error
	AdvertisedCapabilities(id DeviceID) (*frame.Capabilities, error)
	OpenL2CAP(ctx context.Context, id DeviceID, psm uint16) (io.ReadCloser, io.WriteCloser, error)
	WritePacket(ctx context.Context, p []byte, id DeviceID, requiresResponse bool) error
	CanSendWriteWithoutResponse(id DeviceID) bool
	WaitForWriteWithoutResponseReady(ctx context.Context, id DeviceID) error
	IncomingPackets(id DeviceID) (<-chan []byte, error)
}

// Peripheral is the advertising side of the BLE radio adapter.
type Peripheral interface {
	WaitUntilPoweredOn(ctx context.Context) error
	StartAdvertising(ctx context.Context, caps frame.Capabilities) (psm *uint16, err error)
	StopAdvertising()
	IncomingWritePackets() (<-chan []byte, error)
	NotifyPacket(p []byte) error
	IncomingL2CAPChannels() (<-chan L2CAPChannel, error)
}

// L2CAPChannel is an accepted L2CAP connection-oriented channel.
type L2CAPChannel struct {
	Input  io.ReadCloser
	Output io.WriteCloser
}
