// Package frame implements the GhostDrop wire envelope and the typed frame
// union it carries. The envelope is fixed-format (magic, version, kind,
// big-endian length); the body uses CBOR, a self-describing encoding that
// lets new payload fields append without breaking older decoders.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies a Frame variant on the wire.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindHelloAck
	KindVerify
	KindVerifyAck
	KindMetadata
	KindData
	KindAck
	KindResume
	KindComplete
	KindCancel
	KindPing
	KindEncrypted
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindHelloAck:
		return "HelloAck"
	case KindVerify:
		return "Verify"
	case KindVerifyAck:
		return "VerifyAck"
	case KindMetadata:
		return "Metadata"
	case KindData:
		return "Data"
	case KindAck:
		return "Ack"
	case KindResume:
		return "Resume"
	case KindComplete:
		return "Complete"
	case KindCancel:
		return "Cancel"
	case KindPing:
		return "Ping"
	case KindEncrypted:
		return "Encrypted"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

const (
	magic        = "GHST"
	version      = 1
	envelopeHead = 4 + 1 + 1 + 4 // magic + version + kind + bodyLen
)

// ErrFrameDecoding is returned for any malformed envelope or body.
var ErrFrameDecoding = errors.New("frame: decoding error")

// HelloPayload is carried by Kind Hello.
type HelloPayload struct {
	SessionID       [16]byte
	DeviceID        [16]byte
	EphemeralPubKey []byte
	Nonce           [16]byte
	Capabilities    Capabilities
}

// HelloAckPayload is carried by Kind HelloAck.
type HelloAckPayload struct {
	SessionID       [16]byte
	EphemeralPubKey []byte
	Nonce           [16]byte
}

// VerifyPayload is carried by Kind Verify.
type VerifyPayload struct {
	TranscriptHash [32]byte
	SASCode        string
}

// VerifyAckPayload is carried by Kind VerifyAck.
type VerifyAckPayload struct {
	Match bool
}

// MetadataPayload is carried by Kind Metadata.
type MetadataPayload struct {
	TransferID [16]byte
	Filename   string
	Size       uint64
	MimeType   string
	SHA256     [32]byte
	ChunkSize  uint32
}

// DataPayload is carried by Kind Data.
type DataPayload struct {
	Sequence uint64
	Payload  []byte
}

// AckPayload is carried by Kind Ack.
type AckPayload struct {
	CumulativeSequence uint64
	NackBitmap         uint64
}

// ResumePayload is carried by Kind Resume.
type ResumePayload struct {
	TransferID            [16]byte
	LastConfirmedSequence uint64
}

// CompletePayload is carried by Kind Complete.
type CompletePayload struct {
	TransferID [16]byte
	SHA256     [32]byte
}

// CancelPayload is carried by Kind Cancel.
type CancelPayload struct {
	Reason string
}

// PingPayload is carried by Kind Ping.
type PingPayload struct {
	Nonce uint32
}

// EncryptedPayload is carried by Kind Encrypted.
type EncryptedPayload struct {
	Sequence uint64
	Combined []byte
}

// Capabilities advertises what a peer supports during the handshake.
type Capabilities struct {
	SupportsL2CAP   bool
	MaxChunk        uint32
	MaxWindow       uint32
	ProtocolVersion uint32
}

// Frame is the tagged union of protocol messages exchanged over a
// transport. Exactly one of the typed fields is meaningful, selected by Kind.
type Frame struct {
	Kind      Kind
	Hello     *HelloPayload     `cbor:",omitempty"`
	HelloAck  *HelloAckPayload  `cbor:",omitempty"`
	Verify    *VerifyPayload    `cbor:",omitempty"`
	VerifyAck *VerifyAckPayload `cbor:",omitempty"`
	Metadata  *MetadataPayload  `cbor:",omitempty"`
	Data      *DataPayload      `cbor:",omitempty"`
	Ack       *AckPayload       `cbor:",omitempty"`
	Resume    *ResumePayload    `cbor:",omitempty"`
	Complete  *CompletePayload  `cbor:",omitempty"`
	Cancel    *CancelPayload    `cbor:",omitempty"`
	Ping      *PingPayload      `cbor:",omitempty"`
	Encrypted *EncryptedPayload `cbor:",omitempty"`
}

// IsBulk reports whether f is a Data frame — the only variant the GATT
// transport treats as bulk (write-without-response, sliding-window tracked).
func (f *Frame) IsBulk() bool {
	return f.Kind == KindData
}

func validate(f *Frame) error {
	switch f.Kind {
	case KindHello:
		if f.Hello == nil {
			return fmt.Errorf("%w: Hello missing payload", ErrFrameDecoding)
		}
	case KindHelloAck:
		if f.HelloAck == nil {
			return fmt.Errorf("%w: HelloAck missing payload", ErrFrameDecoding)
		}
	case KindVerify:
		if f.Verify == nil {
			return fmt.Errorf("%w: Verify missing payload", ErrFrameDecoding)
		}
	case KindVerifyAck:
		if f.VerifyAck == nil {
			return fmt.Errorf("%w: VerifyAck missing payload", ErrFrameDecoding)
		}
	case KindMetadata:
		if f.Metadata == nil {
			return fmt.Errorf("%w: Metadata missing payload", ErrFrameDecoding)
		}
	case KindData:
		if f.Data == nil {
			return fmt.Errorf("%w: Data missing payload", ErrFrameDecoding)
		}
	case KindAck:
		if f.Ack == nil {
			return fmt.Errorf("%w: Ack missing payload", ErrFrameDecoding)
		}
	case KindResume:
		if f.Resume == nil {
			return fmt.Errorf("%w: Resume missing payload", ErrFrameDecoding)
		}
	case KindComplete:
		if f.Complete == nil {
			return fmt.Errorf("%w: Complete missing payload", ErrFrameDecoding)
		}
	case KindCancel:
		if f.Cancel == nil {
			return fmt.Errorf("%w: Cancel missing payload", ErrFrameDecoding)
		}
	case KindPing:
		if f.Ping == nil {
			return fmt.Errorf("%w: Ping missing payload", ErrFrameDecoding)
		}
	case KindEncrypted:
		if f.Encrypted == nil {
			return fmt.Errorf("%w: Encrypted missing payload", ErrFrameDecoding)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrFrameDecoding, f.Kind)
	}
	return nil
}

// Encode serializes f to its envelope form. Encode is infallible for
// well-formed frames (a known Kind with its matching payload set); the error
// return exists only for CBOR marshalling of pathological user-supplied
// payloads (e.g. unsupported types smuggled into a field via reflection).
func Encode(f *Frame) ([]byte, error) {
	if err := validate(f); err != nil {
		return nil, err
	}
	body, err := cbor.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("frame: encode: %w", err)
	}
	out := make([]byte, envelopeHead+len(body))
	copy(out[0:4], magic)
	out[4] = version
	out[5] = byte(f.Kind)
	binary.BigEndian.PutUint32(out[6:10], uint32(len(body)))
	copy(out[10:], body)
	return out, nil
}

// Decode parses a single envelope. b must contain exactly one envelope;
// use ConsumeFrames to drain a buffer of many.
func Decode(b []byte) (*Frame, error) {
	f, n, err := decodeOne(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, fmt.Errorf("%w: trailing bytes after envelope", ErrFrameDecoding)
	}
	return f, nil
}

// decodeOne decodes the envelope at the head of b, returning the frame and
// the number of bytes consumed. It does not require b to contain exactly
// one envelope.
func decodeOne(b []byte) (*Frame, int, error) {
	if len(b) < envelopeHead {
		return nil, 0, fmt.Errorf("%w: short envelope", ErrFrameDecoding)
	}
	if string(b[0:4]) != magic {
		return nil, 0, fmt.Errorf("%w: bad magic", ErrFrameDecoding)
	}
	if b[4] != version {
		return nil, 0, fmt.Errorf("%w: bad version %d", ErrFrameDecoding, b[4])
	}
	kind := Kind(b[5])
	bodyLen := binary.BigEndian.Uint32(b[6:10])
	total := envelopeHead + int(bodyLen)
	if total < envelopeHead || len(b) < total {
		return nil, 0, fmt.Errorf("%w: short body", ErrFrameDecoding)
	}
	body := b[envelopeHead:total]
	f := new(Frame)
	if err := cbor.Unmarshal(body, f); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrFrameDecoding, err)
	}
	if f.Kind != kind {
		return nil, 0, fmt.Errorf("%w: body kind mismatch", ErrFrameDecoding)
	}
	if err := validate(f); err != nil {
		return nil, 0, err
	}
	return f, total, nil
}

// ConsumeFrames destructively drains every complete envelope from the head
// of *buf, leaving a partial trailing envelope untouched. On the first
// malformed envelope it returns the frames decoded so far along with the
// error; per spec, buffer state after an error is unspecified and the
// caller must discard it.
func ConsumeFrames(buf *[]byte) ([]*Frame, error) {
	var out []*Frame
	b := *buf
	for {
		if len(b) < envelopeHead {
			break
		}
		bodyLen := binary.BigEndian.Uint32(b[6:10])
		total := envelopeHead + int(bodyLen)
		if total < envelopeHead || len(b) < total {
			break
		}
		f, n, err := decodeOne(b[:total])
		if err != nil {
			*buf = b
			return out, err
		}
		out = append(out, f)
		b = b[n:]
	}
	*buf = b
	return out, nil
}
