// Package loopback is an in-process implementation of the radio.Central
// and radio.Peripheral interfaces, used by the package tests and by
// cmd/ghostdrop-bench to drive two Sessions against each other without a
// real BLE adapter: a pair of channels standing in for a physical link.
package loopback

import (
	"context"
	"io"
	"sync"

	"github.com/ghostdrop/ghostdrop/internal/frame"
	"github.com/ghostdrop/ghostdrop/internal/radio"
)

// Link is a shared in-memory medium connecting exactly one Central to one
// Peripheral. Create one with NewLink, then obtain a Central and a
// Peripheral bound to it.
type Link struct {
	mu sync.Mutex

	peerID   radio.DeviceID
	selfID   radio.DeviceID
	caps     *frame.Capabilities
	psm      *uint16
	powered  bool
	scanning bool

	nearbyCh chan []radio.NearbyDevice

	centralToPeripheral chan []byte
	peripheralToCentral chan []byte

	l2capChannels chan radio.L2CAPChannel
	writeReady    chan struct{}
}

// NewLink creates a powered-on link between centralID and peripheralID.
func NewLink(centralID, peripheralID radio.DeviceID) *Link {
	l := &Link{
		peerID:              peripheralID,
		selfID:              centralID,
		powered:             true,
		nearbyCh:            make(chan []radio.NearbyDevice, 1),
		centralToPeripheral: make(chan []byte, 64),
		peripheralToCentral: make(chan []byte, 64),
		l2capChannels:       make(chan radio.L2CAPChannel, 1),
		writeReady:          make(chan struct{}, 1),
	}
	l.writeReady <- struct{}{}
	return l
}

// Central returns a radio.Central bound to this link, representing
// centralID's view of peripheralID.
func (l *Link) Central() radio.Central { return &central{link: l} }

// Peripheral returns a radio.Peripheral bound to this link.
func (l *Link) Peripheral() radio.Peripheral { return &peripheral{link: l} }

type central struct{ link *Link }

func (c *central) WaitUntilPoweredOn(ctx context.Context) error {
	if !c.link.powered {
		return radio.ErrBluetoothUnavailable
	}
	return nil
}

func (c *central) StartScanning(ctx context.Context) error {
	c.link.mu.Lock()
	c.link.scanning = true
	caps := c.link.caps
	c.link.mu.Unlock()
	if caps != nil {
		select {
		case c.link.nearbyCh <- []radio.NearbyDevice{{ID: c.link.peerID, Capabilities: *caps, L2CAPPSM: c.link.psm}}:
		default:
		}
	}
	return nil
}

func (c *central) StopScanning() {
	c.link.mu.Lock()
	c.link.scanning = false
	c.link.mu.Unlock()
}

func (c *central) NearbyDevices(ctx context.Context) (<-chan []radio.NearbyDevice, error) {
	return c.link.nearbyCh, nil
}

func (c *central) Connect(ctx context.Context, id radio.DeviceID) error {
	if id != c.link.peerID {
		return radio.ErrBluetoothUnavailable
	}
	return nil
}

func (c *central) DiscoverTransportCharacteristics(ctx context.Context, id radio.DeviceID) error {
	return nil
}

func (c *central) AdvertisedCapabilities(id radio.DeviceID) (*frame.Capabilities, error) {
	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	if c.link.caps == nil {
		return nil, radio.ErrInvalidCapabilities
	}
	caps := *c.link.caps
	return &caps, nil
}

func (c *central) OpenL2CAP(ctx context.Context, id radio.DeviceID, psm uint16) (io.ReadCloser, io.WriteCloser, error) {
	c.link.mu.Lock()
	advertisedPSM := c.link.psm
	c.link.mu.Unlock()
	if advertisedPSM == nil || *advertisedPSM != psm {
		return nil, nil, radio.ErrBluetoothUnavailable
	}
	a, b := newPipe()
	select {
	case c.link.l2capChannels <- radio.L2CAPChannel{Input: b.reader(), Output: b.writer()}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return a.reader(), a.writer(), nil
}

func (c *central) WritePacket(ctx context.Context, p []byte, id radio.DeviceID, requiresResponse bool) error {
	cp := append([]byte{}, p...)
	select {
	case c.link.centralToPeripheral <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *central) CanSendWriteWithoutResponse(id radio.DeviceID) bool {
	select {
	case <-c.link.writeReady:
		c.link.writeReady <- struct{}{}
		return true
	default:
		return false
	}
}

func (c *central) WaitForWriteWithoutResponseReady(ctx context.Context, id radio.DeviceID) error {
	select {
	case <-c.link.writeReady:
		c.link.writeReady <- struct{}{}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *central) IncomingPackets(id radio.DeviceID) (<-chan []byte, error) {
	return c.link.peripheralToCentral, nil
}

type peripheral struct{ link *Link }

func (p *peripheral) WaitUntilPoweredOn(ctx context.Context) error {
	if !p.link.powered {
		return radio.ErrBluetoothUnavailable
	}
	return nil
}

func (p *peripheral) StartAdvertising(ctx context.Context, caps frame.Capabilities) (*uint16, error) {
	p.link.mu.Lock()
	defer p.link.mu.Unlock()
	p.link.caps = &caps
	if caps.SupportsL2CAP {
		psm := uint16(0x0080)
		p.link.psm = &psm
	}
	return p.link.psm, nil
}

func (p *peripheral) StopAdvertising() {
	p.link.mu.Lock()
	p.link.caps = nil
	p.link.psm = nil
	p.link.mu.Unlock()
}

func (p *peripheral) IncomingWritePackets() (<-chan []byte, error) {
	return p.link.centralToPeripheral, nil
}

func (p *peripheral) NotifyPacket(pkt []byte) error {
	cp := append([]byte{}, pkt...)
	p.link.peripheralToCentral <- cp
	return nil
}

func (p *peripheral) IncomingL2CAPChannels() (<-chan radio.L2CAPChannel, error) {
	return p.link.l2capChannels, nil
}

// pipePair is one side's (input, output) streams for an L2CAP connection,
// built on io.Pipe so writes on one side block until the other reads.
type pipePair struct {
	toPeer   *io.PipeWriter
	fromPeer *io.PipeReader
}

func newPipe() (pipePair, pipePair) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return pipePair{toPeer: w1, fromPeer: r2}, pipePair{toPeer: w2, fromPeer: r1}
}

func (p pipePair) reader() io.ReadCloser  { return p.fromPeer }
func (p pipePair) writer() io.WriteCloser { return p.toPeer }
