package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleFrames() []*Frame {
	return []*Frame{
		{Kind: KindHello, Hello: &HelloPayload{
			SessionID:       [16]byte{1},
			DeviceID:        [16]byte{2},
			EphemeralPubKey: []byte{1, 2, 3},
			Nonce:           [16]byte{3},
			Capabilities:    Capabilities{SupportsL2CAP: true, MaxChunk: 128, MaxWindow: 8, ProtocolVersion: 1},
		}},
		{Kind: KindHelloAck, HelloAck: &HelloAckPayload{SessionID: [16]byte{1}, EphemeralPubKey: []byte{9}, Nonce: [16]byte{4}}},
		{Kind: KindVerify, Verify: &VerifyPayload{TranscriptHash: [32]byte{5}, SASCode: "123456"}},
		{Kind: KindVerifyAck, VerifyAck: &VerifyAckPayload{Match: true}},
		{Kind: KindMetadata, Metadata: &MetadataPayload{TransferID: [16]byte{6}, Filename: "a.bin", Size: 512, MimeType: "application/octet-stream", SHA256: [32]byte{7}, ChunkSize: 128}},
		{Kind: KindData, Data: &DataPayload{Sequence: 3, Payload: []byte{0xde, 0xad, 0xbe, 0xef}}},
		{Kind: KindAck, Ack: &AckPayload{CumulativeSequence: 10, NackBitmap: 0b101}},
		{Kind: KindResume, Resume: &ResumePayload{TransferID: [16]byte{8}, LastConfirmedSequence: 49}},
		{Kind: KindComplete, Complete: &CompletePayload{TransferID: [16]byte{9}, SHA256: [32]byte{10}}},
		{Kind: KindCancel, Cancel: &CancelPayload{Reason: "user abort"}},
		{Kind: KindPing, Ping: &PingPayload{Nonce: 42}},
		{Kind: KindEncrypted, Encrypted: &EncryptedPayload{Sequence: 7, Combined: []byte{1, 2, 3, 4}}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, f := range sampleFrames() {
		t.Run(f.Kind.String(), func(t *testing.T) {
			enc, err := Encode(f)
			require.NoError(t, err)
			dec, err := Decode(enc)
			require.NoError(t, err)
			require.Equal(t, f, dec)
		})
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	f := sampleFrames()[0]
	enc, err := Encode(f)
	require.NoError(t, err)
	enc[0] = 'X'
	_, err = Decode(enc)
	require.ErrorIs(t, err, ErrFrameDecoding)
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	enc, err := Encode(sampleFrames()[0])
	require.NoError(t, err)
	enc[4] = 99
	_, err = Decode(enc)
	require.ErrorIs(t, err, ErrFrameDecoding)
}

func TestDecodeRejectsShortBody(t *testing.T) {
	enc, err := Encode(sampleFrames()[0])
	require.NoError(t, err)
	_, err = Decode(enc[:len(enc)-1])
	require.ErrorIs(t, err, ErrFrameDecoding)
}

func TestConsumeFramesDrainsConcatenatedEnvelopes(t *testing.T) {
	frames := sampleFrames()
	var buf []byte
	for _, f := range frames {
		enc, err := Encode(f)
		require.NoError(t, err)
		buf = append(buf, enc...)
	}
	out, err := ConsumeFrames(&buf)
	require.NoError(t, err)
	require.Equal(t, frames, out)
	require.Empty(t, buf)
}

func TestConsumeFramesLeavesPartialTailUntouched(t *testing.T) {
	first, err := Encode(sampleFrames()[0])
	require.NoError(t, err)
	second, err := Encode(sampleFrames()[1])
	require.NoError(t, err)
	partial := second[:len(second)-2]
	buf := append(append([]byte{}, first...), partial...)

	out, err := ConsumeFrames(&buf)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, partial, buf)
}

func TestConsumeFramesFailsAtFirstMalformedEnvelope(t *testing.T) {
	good, err := Encode(sampleFrames()[0])
	require.NoError(t, err)
	bad, err := Encode(sampleFrames()[1])
	require.NoError(t, err)
	bad[0] = 'Z'
	buf := append(append([]byte{}, good...), bad...)

	out, err := ConsumeFrames(&buf)
	require.ErrorIs(t, err, ErrFrameDecoding)
	require.Len(t, out, 1)
}
