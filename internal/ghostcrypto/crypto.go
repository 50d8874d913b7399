// Package ghostcrypto implements the GhostDrop handshake and crypto
// context: P-256 ECDH key agreement, HKDF-SHA256 key derivation, the
// Short Authentication String, and sequence-bound AES-GCM sealing.
//
// Derived key material is held in memguard.LockedBuffers and wiped on
// Close so secrets never linger in swappable heap memory after a session
// ends.
package ghostcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"

	"github.com/ghostdrop/ghostdrop/internal/frame"
)

var (
	// ErrEncryption is returned when sealing fails.
	ErrEncryption = errors.New("ghostcrypto: encryption failure")
	// ErrDecryption is returned when opening fails (tag mismatch, wrong
	// variant, or nonce mismatch).
	ErrDecryption = errors.New("ghostcrypto: decryption failure")
)

const (
	transcriptLabel  = "GhostDrop-v1"
	hkdfSessionInfo  = "GhostDrop Session Keys"
	directionalSalt  = "ghostdrop-directional"
	senderLabel      = "sender"
	receiverLabel    = "receiver"
	senderPrefixSeed = "ghostdrop-sender"
	recvPrefixSeed   = "ghostdrop-receiver"
	noncePrefixLen   = 4
	sasModulus       = 1_000_000
)

// Role identifies which side of the session a CryptoContext plays.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

// KeyShare is one side's contribution to the handshake transcript.
type KeyShare struct {
	PublicKeyBytes []byte
	Nonce          [16]byte
}

// HandshakeSecrets holds the symmetric material derived once per session.
// EncKeyMaterial and MacKeyMaterial are wiped by Close; MacKeyMaterial is
// carried for protocol symmetry with the transcript-derived key block but is
// not consumed by the fixed AES-GCM scheme (AES-GCM is already an AEAD and
// needs no separate MAC key).
type HandshakeSecrets struct {
	encKeyMaterial *memguard.LockedBuffer
	macKeyMaterial *memguard.LockedBuffer
	TranscriptHash [32]byte
}

// GenerateKeyPair produces a fresh P-256 ECDH key pair.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

// GenerateNonce produces a fresh 16-byte handshake nonce.
func GenerateNonce() ([16]byte, error) {
	var n [16]byte
	_, err := rand.Read(n[:])
	return n, err
}

// BuildTranscript orders the two key shares by lexicographically smaller
// public key (peerA) and returns the bytes to be hashed, so both sides
// compute an identical transcript regardless of which one is sender.
func BuildTranscript(sessionID [16]byte, local, remote KeyShare) []byte {
	a, b := local, remote
	if bytes.Compare(local.PublicKeyBytes, remote.PublicKeyBytes) > 0 {
		a, b = remote, local
	}
	var buf bytes.Buffer
	buf.WriteString(transcriptLabel)
	buf.Write(sessionID[:])
	buf.Write(a.PublicKeyBytes)
	buf.Write(a.Nonce[:])
	buf.Write(b.PublicKeyBytes)
	buf.Write(b.Nonce[:])
	return buf.Bytes()
}

// TranscriptHash computes SHA-256 of the transcript built from the two
// shares. Both peers, regardless of role, compute the same value because
// BuildTranscript orders by public key bytes rather than role.
func TranscriptHash(sessionID [16]byte, local, remote KeyShare) [32]byte {
	return sha256.Sum256(BuildTranscript(sessionID, local, remote))
}

// DeriveSecrets runs HKDF-SHA256 over the ECDH shared secret to produce the
// session's encryption and MAC key material, salted with the transcript
// hash so both peers derive identical output (testable property: handshake
// determinism).
func DeriveSecrets(sharedSecret []byte, transcriptHash [32]byte) (*HandshakeSecrets, error) {
	kdf := hkdf.New(sha256.New, sharedSecret, transcriptHash[:], []byte(hkdfSessionInfo))
	out := make([]byte, 64)
	if _, err := kdf.Read(out); err != nil {
		return nil, fmt.Errorf("ghostcrypto: hkdf session keys: %w", err)
	}
	enc := memguard.NewBufferFromBytes(out[:32])
	mac := memguard.NewBufferFromBytes(out[32:])
	for i := range out {
		out[i] = 0
	}
	return &HandshakeSecrets{
		encKeyMaterial: enc,
		macKeyMaterial: mac,
		TranscriptHash: transcriptHash,
	}, nil
}

// Close wipes the locked key material. It is safe to call more than once.
func (s *HandshakeSecrets) Close() {
	if s.encKeyMaterial != nil {
		s.encKeyMaterial.Destroy()
	}
	if s.macKeyMaterial != nil {
		s.macKeyMaterial.Destroy()
	}
}

func directionalKey(encKeyMaterial []byte, label string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, encKeyMaterial, []byte(directionalSalt), []byte(label))
	out := make([]byte, 32)
	if _, err := kdf.Read(out); err != nil {
		return nil, fmt.Errorf("ghostcrypto: hkdf directional %s: %w", label, err)
	}
	return out, nil
}

func noncePrefix(seed string) [noncePrefixLen]byte {
	h := sha256.Sum256([]byte(seed))
	var p [noncePrefixLen]byte
	copy(p[:], h[:noncePrefixLen])
	return p
}

// DeriveSAS computes the 6-digit Short Authentication String from the
// transcript hash's first 4 bytes.
func DeriveSAS(transcriptHash [32]byte) string {
	v := binary.BigEndian.Uint32(transcriptHash[:4])
	return fmt.Sprintf("%06d", v%sasModulus)
}

// CryptoContext seals and opens frames for one session, bound to a role.
type CryptoContext struct {
	role Role

	sendKey *memguard.LockedBuffer
	recvKey *memguard.LockedBuffer

	sendPrefix [noncePrefixLen]byte
	recvPrefix [noncePrefixLen]byte

	sendSeq uint64
}

// NewCryptoContext derives the directional keys and nonce prefixes for role
// from the session's handshake secrets.
func NewCryptoContext(role Role, secrets *HandshakeSecrets) (*CryptoContext, error) {
	encKM := secrets.encKeyMaterial.Bytes()
	senderKey, err := directionalKey(encKM, senderLabel)
	if err != nil {
		return nil, err
	}
	receiverKey, err := directionalKey(encKM, receiverLabel)
	if err != nil {
		return nil, err
	}

	senderPrefix := noncePrefix(senderPrefixSeed)
	receiverPrefix := noncePrefix(recvPrefixSeed)

	cc := &CryptoContext{role: role}
	switch role {
	case RoleSender:
		cc.sendKey = memguard.NewBufferFromBytes(senderKey)
		cc.recvKey = memguard.NewBufferFromBytes(receiverKey)
		cc.sendPrefix = senderPrefix
		cc.recvPrefix = receiverPrefix
	case RoleReceiver:
		cc.sendKey = memguard.NewBufferFromBytes(receiverKey)
		cc.recvKey = memguard.NewBufferFromBytes(senderKey)
		cc.sendPrefix = receiverPrefix
		cc.recvPrefix = senderPrefix
	default:
		return nil, fmt.Errorf("ghostcrypto: unknown role %d", role)
	}
	for i := range senderKey {
		senderKey[i] = 0
	}
	for i := range receiverKey {
		receiverKey[i] = 0
	}
	return cc, nil
}

// Close wipes the directional keys. Safe to call more than once.
func (c *CryptoContext) Close() {
	if c.sendKey != nil {
		c.sendKey.Destroy()
	}
	if c.recvKey != nil {
		c.recvKey.Destroy()
	}
}

func aeadNonce(prefix [noncePrefixLen]byte, seq uint64) []byte {
	n := make([]byte, noncePrefixLen+8)
	copy(n[:noncePrefixLen], prefix[:])
	binary.BigEndian.PutUint64(n[noncePrefixLen:], seq)
	return n
}

func aadFor(seq uint64) []byte {
	aad := make([]byte, 8)
	binary.BigEndian.PutUint64(aad, seq)
	return aad
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SealBytes encrypts plaintext under the context's current send sequence
// and advances it, returning the ciphertext||tag combined box and the
// sequence it was sealed under. Seal (control frames) builds on it;
// SealDataPayload (bulk chunk payloads) does not, since it seals under the
// caller's chunk sequence and leaves the send sequence untouched.
func (c *CryptoContext) SealBytes(plaintext []byte) (combined []byte, seq uint64, err error) {
	gcm, err := newGCM(c.sendKey.Bytes())
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	seq = c.sendSeq
	nonce := aeadNonce(c.sendPrefix, seq)
	combined = gcm.Seal(nil, nonce, plaintext, aadFor(seq))
	c.sendSeq++
	return combined, seq, nil
}

// OpenBytes decrypts a combined box sealed at sequence seq by the peer.
func (c *CryptoContext) OpenBytes(seq uint64, combined []byte) ([]byte, error) {
	gcm, err := newGCM(c.recvKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	nonce := aeadNonce(c.recvPrefix, seq)
	plaintext, err := gcm.Open(nil, nonce, combined, aadFor(seq))
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// Seal encodes f and wraps its ciphertext in an Encrypted frame, per spec
// §4.6's control-frame sealing rule.
func (c *CryptoContext) Seal(f *frame.Frame) (*frame.Frame, error) {
	encoded, err := frame.Encode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	combined, seq, err := c.SealBytes(encoded)
	if err != nil {
		return nil, err
	}
	return &frame.Frame{
		Kind:      frame.KindEncrypted,
		Encrypted: &frame.EncryptedPayload{Sequence: seq, Combined: combined},
	}, nil
}

// Open unwraps an Encrypted frame and decodes the inner frame.
func (c *CryptoContext) Open(f *frame.Frame) (*frame.Frame, error) {
	if f.Kind != frame.KindEncrypted || f.Encrypted == nil {
		return nil, fmt.Errorf("%w: not an Encrypted frame", ErrDecryption)
	}
	plaintext, err := c.OpenBytes(f.Encrypted.Sequence, f.Encrypted.Combined)
	if err != nil {
		return nil, err
	}
	inner, err := frame.Decode(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return inner, nil
}

// SealDataPayload seals a bulk chunk's plaintext for sequence seq. Unlike
// Seal, the result is not wrapped in an Encrypted frame: the caller embeds
// the combined box directly as a Data frame's payload, since Data frames
// are never double-wrapped.
func (c *CryptoContext) SealDataPayload(seq uint64, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(c.sendKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	nonce := aeadNonce(c.sendPrefix, seq)
	return gcm.Seal(nil, nonce, plaintext, aadFor(seq)), nil
}

// OpenDataPayload opens a bulk chunk payload sealed by the peer at sequence
// seq.
func (c *CryptoContext) OpenDataPayload(seq uint64, combined []byte) ([]byte, error) {
	return c.OpenBytes(seq, combined)
}
