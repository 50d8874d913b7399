// Package l2cap implements the L2CAP transport: a thin stream-oriented
// wrapper over a reliable, credit-flow-controlled byte channel. A single
// reader goroutine pulls bytes off the stream and hands them to the
// shared frame codec's ConsumeFrames for reassembly.
package l2cap

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/ghostdrop/ghostdrop/internal/frame"
	"github.com/ghostdrop/ghostdrop/internal/wkr"
)

// ErrIo is returned when the underlying stream fails; it terminates the
// frame stream.
var ErrIo = errors.New("l2cap: io error")

const readChunkSize = 4096

// Transport is an L2CAP-backed frame.Frame transport: writes are
// envelope-at-a-time, reads accumulate bytes and drain complete envelopes
// with frame.ConsumeFrames.
type Transport struct {
	wkr.Worker

	log    *log.Logger
	input  io.ReadCloser
	output io.WriteCloser

	writeMu sync.Mutex

	incoming chan *frame.Frame
	errCh    chan error

	closeOnce sync.Once
}

// New wraps an already-open (input, output) L2CAP channel pair.
func New(input io.ReadCloser, output io.WriteCloser, logger *log.Logger) *Transport {
	t := &Transport{
		log:      logger,
		input:    input,
		output:   output,
		incoming: make(chan *frame.Frame, 16),
		errCh:    make(chan error, 1),
	}
	t.Go(t.readLoop)
	return t
}

// Incoming returns the stream of decoded frames. It closes when the
// underlying stream errors or the transport is closed.
func (t *Transport) Incoming() <-chan *frame.Frame { return t.incoming }

// Err returns the error that terminated the frame stream, if any.
func (t *Transport) Err() error {
	select {
	case err := <-t.errCh:
		t.errCh <- err
		return err
	default:
		return nil
	}
}

// Send writes f's encoded envelope to the stream. The write may block on
// peer credit.
func (t *Transport) Send(f *frame.Frame) error {
	encoded, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("l2cap: encode: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.output.Write(encoded); err != nil {
		return fmt.Errorf("%w: %v", ErrIo, err)
	}
	return nil
}

// Close tears down the transport's reader and underlying streams.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.input.Close()
		t.output.Close()
		t.Halt()
		t.Wait()
		close(t.incoming)
	})
	return nil
}

func (t *Transport) readLoop() {
	// Whatever ends the reader (stream error, EOF, or Close) ends the
	// transport, so Incoming is closed in every case.
	defer func() { go t.Close() }()
	var buf []byte
	chunk := make([]byte, readChunkSize)
	for {
		n, err := t.input.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			frames, consumeErr := frame.ConsumeFrames(&buf)
			for _, f := range frames {
				select {
				case t.incoming <- f:
				case <-t.HaltCh():
					return
				}
			}
			if consumeErr != nil {
				t.surfaceErr(fmt.Errorf("%w: %v", ErrIo, consumeErr))
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				t.surfaceErr(fmt.Errorf("%w: %v", ErrIo, err))
			}
			return
		}
		select {
		case <-t.HaltCh():
			return
		default:
		}
	}
}

func (t *Transport) surfaceErr(err error) {
	t.log.Errorf("l2cap: %v", err)
	select {
	case t.errCh <- err:
	default:
	}
}
