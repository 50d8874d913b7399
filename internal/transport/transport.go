// Package transport implements the transport negotiator: it picks L2CAP
// when the peer advertises support and a factory is supplied, falling
// back to GATT on any error, then exposes both transports behind one
// uniform FrameTransport interface.
package transport

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/ghostdrop/ghostdrop/internal/frame"
	"github.com/ghostdrop/ghostdrop/internal/gatt"
	"github.com/ghostdrop/ghostdrop/internal/l2cap"
)

// Kind identifies which concrete transport is active.
type Kind int

const (
	KindGATT Kind = iota
	KindL2CAP
)

func (k Kind) String() string {
	switch k {
	case KindGATT:
		return "gatt"
	case KindL2CAP:
		return "l2cap"
	default:
		return "unknown"
	}
}

// FrameTransport is the uniform interface the session drives regardless of
// which concrete transport was negotiated.
type FrameTransport interface {
	Send(ctx context.Context, f *frame.Frame) error
	Incoming() <-chan *frame.Frame
	Close() error
	CurrentKind() Kind
}

type gattTransport struct{ *gatt.Transport }

func (g gattTransport) CurrentKind() Kind { return KindGATT }

type l2capTransport struct{ *l2cap.Transport }

func (l l2capTransport) Send(ctx context.Context, f *frame.Frame) error { return l.Transport.Send(f) }
func (l l2capTransport) CurrentKind() Kind                              { return KindL2CAP }

// L2CAPFactory opens an L2CAP transport, returning an error if the channel
// cannot be established (e.g. the peer has no PSM).
type L2CAPFactory func(ctx context.Context) (*l2cap.Transport, error)

// GATTFactory builds the required fallback GATT transport.
type GATTFactory func(ctx context.Context) (*gatt.Transport, error)

// Negotiate tries L2CAP first when remoteSupportsL2CAP and l2capFactory is
// non-nil; on any error it logs and falls back to gattFactory, which must
// succeed.
func Negotiate(ctx context.Context, remoteSupportsL2CAP bool, l2capFactory L2CAPFactory, gattFactory GATTFactory, logger *log.Logger) (FrameTransport, error) {
	if remoteSupportsL2CAP && l2capFactory != nil {
		t, err := l2capFactory(ctx)
		if err == nil {
			return l2capTransport{t}, nil
		}
		logger.Warnf("transport: l2cap negotiation failed, falling back to gatt: %v", err)
	}
	t, err := gattFactory(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: gatt fallback failed: %w", err)
	}
	return gattTransport{t}, nil
}
