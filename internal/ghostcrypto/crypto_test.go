package ghostcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ghostdrop/ghostdrop/internal/frame"
)

// setupSession runs a full ECDH handshake between two sides and returns
// both sides' crypto contexts plus the shared transcript hash.
func setupSession(t *testing.T) (sender, receiver *CryptoContext, transcriptHash [32]byte) {
	t.Helper()

	sessionID := [16]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}

	senderPriv, err := GenerateKeyPair()
	require.NoError(t, err)
	receiverPriv, err := GenerateKeyPair()
	require.NoError(t, err)

	senderNonce := [16]byte{}
	for i := range senderNonce {
		senderNonce[i] = 0x01
	}
	receiverNonce := [16]byte{}
	for i := range receiverNonce {
		receiverNonce[i] = 0x02
	}

	senderShare := KeyShare{PublicKeyBytes: senderPriv.PublicKey().Bytes(), Nonce: senderNonce}
	receiverShare := KeyShare{PublicKeyBytes: receiverPriv.PublicKey().Bytes(), Nonce: receiverNonce}

	thSender := TranscriptHash(sessionID, senderShare, receiverShare)
	thReceiver := TranscriptHash(sessionID, receiverShare, senderShare)
	require.Equal(t, thSender, thReceiver, "both peers must compute the same transcript hash")

	sharedSecretSender, err := senderPriv.ECDH(receiverPriv.PublicKey())
	require.NoError(t, err)
	sharedSecretReceiver, err := receiverPriv.ECDH(senderPriv.PublicKey())
	require.NoError(t, err)
	require.Equal(t, sharedSecretSender, sharedSecretReceiver)

	secretsSender, err := DeriveSecrets(sharedSecretSender, thSender)
	require.NoError(t, err)
	secretsReceiver, err := DeriveSecrets(sharedSecretReceiver, thReceiver)
	require.NoError(t, err)

	sender, err = NewCryptoContext(RoleSender, secretsSender)
	require.NoError(t, err)
	receiver, err = NewCryptoContext(RoleReceiver, secretsReceiver)
	require.NoError(t, err)

	return sender, receiver, thSender
}

func TestHandshakeDeterminism(t *testing.T) {
	sender, receiver, transcriptHash := setupSession(t)
	defer sender.Close()
	defer receiver.Close()

	sas := DeriveSAS(transcriptHash)
	require.Len(t, sas, 6)
	for _, c := range sas {
		require.True(t, c >= '0' && c <= '9')
	}
}

func TestSASDeterminismScenario(t *testing.T) {
	// Fixed sessionID/nonces, fresh keys: both sides must derive the
	// same 6-digit SAS.
	sessionID := [16]byte{}
	sessionID[15] = 0x01
	nonceA := [16]byte{}
	for i := range nonceA {
		nonceA[i] = 0x01
	}
	nonceB := [16]byte{}
	for i := range nonceB {
		nonceB[i] = 0x02
	}

	privA, err := GenerateKeyPair()
	require.NoError(t, err)
	privB, err := GenerateKeyPair()
	require.NoError(t, err)

	shareA := KeyShare{PublicKeyBytes: privA.PublicKey().Bytes(), Nonce: nonceA}
	shareB := KeyShare{PublicKeyBytes: privB.PublicKey().Bytes(), Nonce: nonceB}

	thA := TranscriptHash(sessionID, shareA, shareB)
	thB := TranscriptHash(sessionID, shareB, shareA)
	require.Equal(t, thA, thB)

	sasA := DeriveSAS(thA)
	sasB := DeriveSAS(thB)
	require.Equal(t, sasA, sasB)
	require.Len(t, sasA, 6)
}

func TestSealOpenDataPayloadRoundTrip(t *testing.T) {
	sender, receiver, _ := setupSession(t)
	defer sender.Close()
	defer receiver.Close()

	payload := []byte("chunk of file data")
	var seq uint64 = 5

	combined, err := sender.SealDataPayload(seq, payload)
	require.NoError(t, err)

	plaintext, err := receiver.OpenDataPayload(seq, combined)
	require.NoError(t, err)
	require.Equal(t, payload, plaintext)
}

func TestOpenRejectsWrongDirection(t *testing.T) {
	sender, receiver, _ := setupSession(t)
	defer sender.Close()
	defer receiver.Close()

	f := &frame.Frame{Kind: frame.KindPing, Ping: &frame.PingPayload{Nonce: 7}}

	sealed, err := sender.Seal(f)
	require.NoError(t, err)

	// Sender trying to open its own sealed frame must fail: it would use
	// its receive key, which corresponds to the opposite direction.
	_, err = sender.Open(sealed)
	require.ErrorIs(t, err, ErrDecryption)

	// Receiver opening the same sealed frame succeeds.
	opened, err := receiver.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, f, opened)
}

func TestCorruptedDataPayloadFailsIntegrity(t *testing.T) {
	sender, receiver, _ := setupSession(t)
	defer sender.Close()
	defer receiver.Close()

	combined, err := sender.SealDataPayload(1, []byte("hello world"))
	require.NoError(t, err)

	corrupted := append([]byte{}, combined...)
	corrupted[0] ^= 0xFF

	_, err = receiver.OpenDataPayload(1, corrupted)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestSealIncrementsSendSequence(t *testing.T) {
	sender, receiver, _ := setupSession(t)
	defer sender.Close()
	defer receiver.Close()

	f1 := &frame.Frame{Kind: frame.KindPing, Ping: &frame.PingPayload{Nonce: 1}}
	f2 := &frame.Frame{Kind: frame.KindPing, Ping: &frame.PingPayload{Nonce: 2}}

	sealed1, err := sender.Seal(f1)
	require.NoError(t, err)
	sealed2, err := sender.Seal(f2)
	require.NoError(t, err)

	require.Equal(t, uint64(0), sealed1.Encrypted.Sequence)
	require.Equal(t, uint64(1), sealed2.Encrypted.Sequence)

	opened1, err := receiver.Open(sealed1)
	require.NoError(t, err)
	require.Equal(t, f1, opened1)
}
