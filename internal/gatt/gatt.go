// Package gatt implements the GATT transport: it fragments frame
// envelopes into MTU-bounded packets, reassembles incoming packets, and
// drives bulk-data retransmission over the sliding window's
// cumulative+NACK acknowledgement model. Its background reader and
// retry-timer goroutines share the wkr.Worker lifecycle.
package gatt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghostdrop/ghostdrop/internal/frame"
	"github.com/ghostdrop/ghostdrop/internal/radio"
	"github.com/ghostdrop/ghostdrop/internal/slidingwindow"
	"github.com/ghostdrop/ghostdrop/internal/wkr"
)

const (
	packetHeaderLen = 11
	minPacketSize   = 40

	reassemblyGCAge      = 10 * time.Second
	defaultRetryInterval = 200 * time.Millisecond
	defaultRetryTimeout  = 2 * time.Second
)

const (
	flagBulk    uint8 = 0x00
	flagControl uint8 = 0x01
)

var (
	// ErrPacketDecoding is returned for a malformed GATT packet header.
	ErrPacketDecoding = errors.New("gatt: packet decoding error")
	// ErrClosed is returned by Send once the transport has been closed.
	ErrClosed = errors.New("gatt: transport closed")
)

// Config bounds the transport's packet size, bulk window, and retry timing.
type Config struct {
	MaxPacketSize uint32
	WindowSize    uint
	RetryInterval time.Duration
	RetryTimeout  time.Duration

	// RetransmitCounter, if set, is incremented once per successfully
	// resent bulk data frame. Nil disables reporting.
	RetransmitCounter prometheus.Counter
}

func (c *Config) setDefaults() {
	if c.MaxPacketSize < minPacketSize {
		c.MaxPacketSize = minPacketSize
	}
	if c.WindowSize < 1 {
		c.WindowSize = 1
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = defaultRetryTimeout
	}
}

// packetIO is the directional slice of radio.Central/radio.Peripheral the
// transport needs, so it can be driven from either side of the link
// without caring which one it is.
type packetIO interface {
	WritePacket(ctx context.Context, p []byte, requiresResponse bool) error
	CanSendWriteWithoutResponse() bool
	WaitForWriteWithoutResponseReady(ctx context.Context) error
	IncomingPackets() (<-chan []byte, error)
}

type centralIO struct {
	c  radio.Central
	id radio.DeviceID
}

func (a *centralIO) WritePacket(ctx context.Context, p []byte, requiresResponse bool) error {
	return a.c.WritePacket(ctx, p, a.id, requiresResponse)
}
func (a *centralIO) CanSendWriteWithoutResponse() bool { return a.c.CanSendWriteWithoutResponse(a.id) }
func (a *centralIO) WaitForWriteWithoutResponseReady(ctx context.Context) error {
	return a.c.WaitForWriteWithoutResponseReady(ctx, a.id)
}
func (a *centralIO) IncomingPackets() (<-chan []byte, error) { return a.c.IncomingPackets(a.id) }

// peripheralIO adapts radio.Peripheral. Notifications have no equivalent
// flow-control probe in the peripheral interface; the central side of the
// link is the one that waits on write-without-response readiness, so the
// peripheral always reports itself ready.
type peripheralIO struct {
	p radio.Peripheral
}

func (a *peripheralIO) WritePacket(ctx context.Context, p []byte, requiresResponse bool) error {
	return a.p.NotifyPacket(p)
}
func (a *peripheralIO) CanSendWriteWithoutResponse() bool                        { return true }
func (a *peripheralIO) WaitForWriteWithoutResponseReady(ctx context.Context) error { return nil }
func (a *peripheralIO) IncomingPackets() (<-chan []byte, error)                  { return a.p.IncomingWritePackets() }

type reassembly struct {
	flags         uint8
	fragmentCount uint16
	fragments     map[uint16][]byte
	updatedAt     time.Time
}

// Transport is a GATT-backed frame.Frame transport: the unreliable,
// MTU-bounded datagram channel made to behave like a reliable ordered
// stream via fragmentation, a sliding window, and a retry timer.
type Transport struct {
	wkr.Worker

	log *log.Logger
	io  packetIO
	cfg Config

	window *slidingwindow.Window

	frameIDMu   sync.Mutex
	nextFrameID uint32

	reassemblyMu  sync.Mutex
	reassemblyMap map[uint32]*reassembly

	incoming  chan *frame.Frame
	closeOnce sync.Once
}

// NewCentralTransport builds a GATT transport driven as the central/scanner
// side of the link, talking to the peer identified by id.
func NewCentralTransport(central radio.Central, id radio.DeviceID, cfg Config, logger *log.Logger) (*Transport, error) {
	return newTransport(&centralIO{c: central, id: id}, cfg, logger)
}

// NewPeripheralTransport builds a GATT transport driven as the
// peripheral/advertiser side of the link.
func NewPeripheralTransport(peripheral radio.Peripheral, cfg Config, logger *log.Logger) (*Transport, error) {
	return newTransport(&peripheralIO{p: peripheral}, cfg, logger)
}

func newTransport(io packetIO, cfg Config, logger *log.Logger) (*Transport, error) {
	cfg.setDefaults()
	incomingPackets, err := io.IncomingPackets()
	if err != nil {
		return nil, fmt.Errorf("gatt: %w", err)
	}
	t := &Transport{
		log:           logger,
		io:            io,
		cfg:           cfg,
		window:        slidingwindow.New(cfg.WindowSize),
		reassemblyMap: make(map[uint32]*reassembly),
		incoming:      make(chan *frame.Frame, 16),
	}
	t.Go(func() { t.receiveLoop(incomingPackets) })
	t.Go(t.retryLoop)
	return t, nil
}

// Incoming returns the stream of fully reassembled, decoded frames.
func (t *Transport) Incoming() <-chan *frame.Frame { return t.incoming }

// Close tears down the transport's background workers.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.Halt()
		t.Wait()
		close(t.incoming)
	})
	return nil
}

// Send encodes f and fragments it across packets per the send policy: Data
// frames are bulk (write-without-response, gated by the sliding window),
// everything else is control (write-with-response, in order).
func (t *Transport) Send(ctx context.Context, f *frame.Frame) error {
	select {
	case <-t.HaltCh():
		return ErrClosed
	default:
	}
	encoded, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("gatt: encode: %w", err)
	}

	if f.Kind == frame.KindData {
		seq := f.Data.Sequence
		for !t.window.CanSend(seq) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.HaltCh():
				return ErrClosed
			case <-time.After(10 * time.Millisecond):
			}
		}
		if err := t.sendFragments(ctx, encoded, flagBulk, false); err != nil {
			return err
		}
		t.window.MarkSent(seq, encoded, time.Now())
		return nil
	}

	return t.sendFragments(ctx, encoded, flagControl, true)
}

func (t *Transport) sendFragments(ctx context.Context, envelope []byte, flags uint8, requiresResponse bool) error {
	capacity := int(t.cfg.MaxPacketSize) - packetHeaderLen
	fragmentCount := (len(envelope) + capacity - 1) / capacity
	if fragmentCount == 0 {
		fragmentCount = 1
	}
	frameID := t.nextFrameIDValue()

	for i := 0; i < fragmentCount; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(envelope) {
			end = len(envelope)
		}
		pkt := encodePacket(frameID, uint16(i), uint16(fragmentCount), flags, envelope[start:end])

		if !requiresResponse && !t.io.CanSendWriteWithoutResponse() {
			if err := t.io.WaitForWriteWithoutResponseReady(ctx); err != nil {
				return fmt.Errorf("gatt: write-without-response wait: %w", err)
			}
		}
		if err := t.io.WritePacket(ctx, pkt, requiresResponse); err != nil {
			return fmt.Errorf("gatt: write packet: %w", err)
		}
	}
	return nil
}

func (t *Transport) nextFrameIDValue() uint32 {
	t.frameIDMu.Lock()
	defer t.frameIDMu.Unlock()
	t.nextFrameID++
	if t.nextFrameID == 0 {
		t.nextFrameID = 1
	}
	return t.nextFrameID
}

func (t *Transport) receiveLoop(incomingPackets <-chan []byte) {
	for {
		select {
		case <-t.HaltCh():
			return
		case pkt, ok := <-incomingPackets:
			if !ok {
				return
			}
			f, err := t.handlePacket(pkt)
			if err != nil {
				t.log.Errorf("gatt: packet decode error: %v", err)
				continue
			}
			if f == nil {
				continue
			}
			if f.Kind == frame.KindAck {
				t.handleAck(f.Ack)
			}
			select {
			case t.incoming <- f:
			case <-t.HaltCh():
				return
			}
		}
	}
}

func (t *Transport) handlePacket(pkt []byte) (*frame.Frame, error) {
	frameID, fragIndex, fragCount, flags, payload, err := decodePacket(pkt)
	if err != nil {
		return nil, err
	}

	t.reassemblyMu.Lock()
	now := time.Now()
	t.gcStaleLocked(now)
	entry, ok := t.reassemblyMap[frameID]
	if !ok {
		entry = &reassembly{flags: flags, fragmentCount: fragCount, fragments: make(map[uint16][]byte)}
		t.reassemblyMap[frameID] = entry
	}
	entry.fragments[fragIndex] = payload
	entry.updatedAt = now
	complete := uint16(len(entry.fragments)) == entry.fragmentCount
	if complete {
		delete(t.reassemblyMap, frameID)
	}
	t.reassemblyMu.Unlock()

	if !complete {
		return nil, nil
	}

	var buf bytes.Buffer
	for i := uint16(0); i < entry.fragmentCount; i++ {
		buf.Write(entry.fragments[i])
	}
	return frame.Decode(buf.Bytes())
}

// gcStaleLocked must be called with reassemblyMu held.
func (t *Transport) gcStaleLocked(now time.Time) {
	for id, e := range t.reassemblyMap {
		if now.Sub(e.updatedAt) >= reassemblyGCAge {
			delete(t.reassemblyMap, id)
		}
	}
}

func (t *Transport) handleAck(ack *frame.AckPayload) {
	if ack == nil {
		return
	}
	for _, seq := range t.window.ProcessAck(slidingwindow.Ack{
		CumulativeSequence: ack.CumulativeSequence,
		NackBitmap:         ack.NackBitmap,
	}) {
		t.retransmit(seq)
	}
}

func (t *Transport) retryLoop() {
	ticker := time.NewTicker(t.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.HaltCh():
			return
		case now := <-ticker.C:
			for _, seq := range t.window.TimedOutSequences(now, t.cfg.RetryTimeout) {
				t.retransmit(seq)
			}
		}
	}
}

func (t *Transport) retransmit(seq uint64) {
	encoded, ok := t.window.Encoded(seq)
	if !ok {
		return
	}
	if err := t.sendFragments(context.Background(), encoded, flagBulk, false); err != nil {
		t.log.Errorf("gatt: retransmit seq %d: %v", seq, err)
		return
	}
	t.window.MarkRetransmitted(seq, time.Now())
	if t.cfg.RetransmitCounter != nil {
		t.cfg.RetransmitCounter.Inc()
	}
}

func encodePacket(frameID uint32, fragIndex, fragCount uint16, flags uint8, payload []byte) []byte {
	pkt := make([]byte, packetHeaderLen+len(payload))
	pkt[0] = 'G'
	pkt[1] = 'D'
	binary.BigEndian.PutUint32(pkt[2:6], frameID)
	binary.BigEndian.PutUint16(pkt[6:8], fragIndex)
	binary.BigEndian.PutUint16(pkt[8:10], fragCount)
	pkt[10] = flags
	copy(pkt[packetHeaderLen:], payload)
	return pkt
}

func decodePacket(pkt []byte) (frameID uint32, fragIndex, fragCount uint16, flags uint8, payload []byte, err error) {
	if len(pkt) < packetHeaderLen {
		return 0, 0, 0, 0, nil, fmt.Errorf("%w: short packet", ErrPacketDecoding)
	}
	if pkt[0] != 'G' || pkt[1] != 'D' {
		return 0, 0, 0, 0, nil, fmt.Errorf("%w: bad magic", ErrPacketDecoding)
	}
	frameID = binary.BigEndian.Uint32(pkt[2:6])
	fragIndex = binary.BigEndian.Uint16(pkt[6:8])
	fragCount = binary.BigEndian.Uint16(pkt[8:10])
	flags = pkt[10]
	payload = pkt[packetHeaderLen:]
	return frameID, fragIndex, fragCount, flags, payload, nil
}
