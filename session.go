package ghostdrop

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ghostdrop/ghostdrop/internal/config"
	"github.com/ghostdrop/ghostdrop/internal/frame"
	"github.com/ghostdrop/ghostdrop/internal/gatt"
	"github.com/ghostdrop/ghostdrop/internal/ghostcrypto"
	"github.com/ghostdrop/ghostdrop/internal/incoming"
	"github.com/ghostdrop/ghostdrop/internal/metrics"
	"github.com/ghostdrop/ghostdrop/internal/resume"
	"github.com/ghostdrop/ghostdrop/internal/transport"
)

// wrapSendErr translates a transport-level send failure into the session's
// own taxonomy: a closed GATT transport (gatt.ErrClosed) is reported as
// ErrTransportClosed rather than a generic I/O error, so callers can
// distinguish "peer hung up" from "disk full" without inspecting transport
// internals. Every other send failure, including any L2CAP write error, is
// reported as an IoError.
func wrapSendErr(what string, err error) error {
	if errors.Is(err, gatt.ErrClosed) {
		return fmt.Errorf("%w: %s", ErrTransportClosed, what)
	}
	return NewIoError(what, err)
}

// Role identifies which side of the transfer a Session plays.
type Role = ghostcrypto.Role

const (
	RoleSender   = ghostcrypto.RoleSender
	RoleReceiver = ghostcrypto.RoleReceiver
)

// noConfirmedSequence marks a Resume frame as reporting "nothing received
// yet", distinct from having already confirmed sequence 0. Without this
// sentinel, a fresh transfer's default lastConfirmedSequence of 0 would be
// indistinguishable from having just confirmed chunk 0, and the sender
// would skip it. See DESIGN.md for the reasoning.
const noConfirmedSequence = ^uint64(0)

// Session drives one GhostDrop transfer's handshake, verification, and
// chunked send/receive over an already-negotiated transport.
type Session struct {
	mu    sync.Mutex
	state SessionState

	role              Role
	localDeviceID     DeviceID
	localCapabilities Capabilities
	cfg               config.SessionConfig
	log               *logging.Logger
	events            *eventBus
	metrics           *metrics.Collectors

	handshakeStarted time.Time

	transport transport.FrameTransport

	sessionID   [16]byte
	localPriv   *ecdh.PrivateKey
	localShare  ghostcrypto.KeyShare
	remoteShare ghostcrypto.KeyShare

	transcriptHash [32]byte
	sasCode        string
	crypto         *ghostcrypto.CryptoContext
	verified       bool

	helloAckCh  chan *frame.Frame
	verifyAckCh chan *frame.Frame
	resumeCh    chan *frame.Frame

	resumeStore  *resume.Store
	incomingRoot string

	sendTransferID [16]byte

	recvTransferID    [16]byte
	recvFilename      string
	recvChunkSize     uint32
	recvSize          uint64
	recvExpectedSHA   [32]byte
	recvStore         *incoming.Store
	recvLastConfirmed uint64

	recvLoopDone chan struct{}
	closeOnce    sync.Once
}

// NewSession constructs a Session bound to an already-negotiated
// transport. Start (StartSender or StartReceiver, matching role) must be
// called before any frame exchange begins.
func NewSession(role Role, localDeviceID DeviceID, localCapabilities Capabilities, ft transport.FrameTransport, cfg config.SessionConfig, resumeStore *resume.Store, incomingRoot string, log *logging.Logger) *Session {
	s := &Session{
		state:             StateIdle,
		role:              role,
		localDeviceID:     localDeviceID,
		localCapabilities: localCapabilities,
		cfg:               cfg,
		log:               log,
		events:            newEventBus(),
		transport:         ft,
		helloAckCh:        make(chan *frame.Frame, 1),
		verifyAckCh:       make(chan *frame.Frame, 1),
		resumeCh:          make(chan *frame.Frame, 1),
		resumeStore:       resumeStore,
		incomingRoot:      incomingRoot,
		recvLoopDone:      make(chan struct{}),
	}
	go s.receiveLoop()
	return s
}

// SetMetrics attaches a Collectors instance that frame and byte counts are
// reported to; nil (the default) disables reporting. Call before Start.
func (s *Session) SetMetrics(c *metrics.Collectors) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = c
}

// State returns the session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe returns a bounded stream of future events plus an unsubscribe
// function; call it to release the subscriber's queue.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.events.Subscribe()
}

func (s *Session) transition(to SessionState) error {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if !allowedTransitions[from][to] {
		s.mu.Unlock()
		return NewInvalidStateTransition(from, to)
	}
	s.state = to
	s.mu.Unlock()
	s.events.Publish(Event{Kind: EventStateChanged, Time: time.Now(), State: to})
	return nil
}

func (s *Session) fail(err error) {
	s.log.Errorf("ghostdrop: session failure: %v", err)
	_ = s.transition(StateFailed)
	s.events.Publish(Event{Kind: EventTransferFailed, Time: time.Now(), FailureMessage: err.Error()})
}

// cancelled transitions the session to cancelled in response to a
// task-level cancellation (ctx.Done firing mid-transfer) rather than a
// protocol or I/O failure, and returns ErrCancelled wrapping ctx's error.
func (s *Session) cancelled(ctxErr error) error {
	_ = s.transition(StateCancelled)
	s.events.Publish(Event{Kind: EventTransferFailed, Time: time.Now(), FailureMessage: ErrCancelled.Error()})
	return fmt.Errorf("%w: %v", ErrCancelled, ctxErr)
}

// sendControl routes f through the control-frame sealing rule: once
// verified, every control kind is sealed except Ack and Resume, which
// stay plaintext as idempotent integrity hints.
func (s *Session) sendControl(ctx context.Context, f *frame.Frame) error {
	out := f
	if s.verified && f.Kind != frame.KindAck && f.Kind != frame.KindResume {
		sealed, err := s.crypto.Seal(f)
		if err != nil {
			return NewIoError("seal control frame", err)
		}
		out = sealed
	}
	if err := s.transport.Send(ctx, out); err != nil {
		return wrapSendErr(fmt.Sprintf("send %s", f.Kind), err)
	}
	if s.metrics != nil {
		s.metrics.FramesSent.WithLabelValues(f.Kind.String()).Inc()
	}
	return nil
}

func (s *Session) deriveSecretsAndSAS() error {
	remotePub, err := ecdh.P256().NewPublicKey(s.remoteShare.PublicKeyBytes)
	if err != nil {
		return NewHandshakeFailed("invalid remote public key: " + err.Error())
	}
	sharedSecret, err := s.localPriv.ECDH(remotePub)
	if err != nil {
		return NewHandshakeFailed("ecdh: " + err.Error())
	}
	transcriptHash := ghostcrypto.TranscriptHash(s.sessionID, s.localShare, s.remoteShare)
	secrets, err := ghostcrypto.DeriveSecrets(sharedSecret, transcriptHash)
	if err != nil {
		return NewHandshakeFailed("derive secrets: " + err.Error())
	}
	defer secrets.Close()

	cc, err := ghostcrypto.NewCryptoContext(s.role, secrets)
	if err != nil {
		return NewHandshakeFailed("crypto context: " + err.Error())
	}

	s.crypto = cc
	s.transcriptHash = transcriptHash
	s.sasCode = ghostcrypto.DeriveSAS(transcriptHash)
	return nil
}

// StartSender begins the sender side of the handshake: generates ephemeral
// keys, sends Hello, and awaits HelloAck before deriving secrets and
// sending Verify (sender flow, steps 1-2).
func (s *Session) StartSender(ctx context.Context) error {
	if err := s.transition(StateNegotiating); err != nil {
		return err
	}
	s.handshakeStarted = time.Now()

	var sessionID [16]byte
	if _, err := rand.Read(sessionID[:]); err != nil {
		return NewIoError("generate sessionID", err)
	}
	s.sessionID = sessionID

	priv, err := ghostcrypto.GenerateKeyPair()
	if err != nil {
		return NewIoError("generate keypair", err)
	}
	s.localPriv = priv
	nonce, err := ghostcrypto.GenerateNonce()
	if err != nil {
		return NewIoError("generate nonce", err)
	}
	s.localShare = ghostcrypto.KeyShare{PublicKeyBytes: priv.PublicKey().Bytes(), Nonce: nonce}

	hello := &frame.Frame{Kind: frame.KindHello, Hello: &frame.HelloPayload{
		SessionID:       sessionID,
		DeviceID:        s.localDeviceID,
		EphemeralPubKey: s.localShare.PublicKeyBytes,
		Nonce:           s.localShare.Nonce,
		Capabilities:    s.localCapabilities,
	}}
	if err := s.sendControl(ctx, hello); err != nil {
		return err
	}

	select {
	case ack := <-s.helloAckCh:
		s.remoteShare = ghostcrypto.KeyShare{PublicKeyBytes: ack.HelloAck.EphemeralPubKey, Nonce: ack.HelloAck.Nonce}
	case <-time.After(s.cfg.HelloAckTimeout.Duration):
		return NewTimeout("HelloAck")
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.deriveSecretsAndSAS(); err != nil {
		return err
	}

	verify := &frame.Frame{Kind: frame.KindVerify, Verify: &frame.VerifyPayload{
		TranscriptHash: s.transcriptHash,
		SASCode:        s.sasCode,
	}}
	if err := s.sendControl(ctx, verify); err != nil {
		return err
	}

	if err := s.transition(StateVerifying); err != nil {
		return err
	}
	now := time.Now()
	s.events.Publish(Event{Kind: EventHandshakeSAS, Time: now, SASCode: s.sasCode})
	s.events.Publish(Event{Kind: EventVerificationRequired, Time: now})
	return nil
}

// StartReceiver begins the receiver side: it only transitions to
// advertising and waits for a Hello frame on the receive loop.
func (s *Session) StartReceiver(ctx context.Context) error {
	return s.transition(StateAdvertising)
}

// ConfirmSAS sends the local user's verification decision and, if it
// matches, awaits the peer's own confirmation before transitioning to
// transferring (step 3, both roles).
func (s *Session) ConfirmSAS(ctx context.Context, match bool) error {
	ack := &frame.Frame{Kind: frame.KindVerifyAck, VerifyAck: &frame.VerifyAckPayload{Match: match}}
	if err := s.sendControl(ctx, ack); err != nil {
		return err
	}
	if !match {
		_ = s.transition(StateFailed)
		s.events.Publish(Event{Kind: EventTransferFailed, Time: time.Now(), FailureMessage: ErrVerificationRejected.Error()})
		return ErrVerificationRejected
	}

	select {
	case peerAck := <-s.verifyAckCh:
		if peerAck.VerifyAck == nil || !peerAck.VerifyAck.Match {
			_ = s.transition(StateFailed)
			s.events.Publish(Event{Kind: EventTransferFailed, Time: time.Now(), FailureMessage: ErrVerificationRejected.Error()})
			return ErrVerificationRejected
		}
		s.verified = true
		if s.metrics != nil && !s.handshakeStarted.IsZero() {
			s.metrics.HandshakeDuration.Observe(time.Since(s.handshakeStarted).Seconds())
		}
		return s.transition(StateTransferring)
	case <-time.After(s.cfg.VerifyAckTimeout.Duration):
		_ = s.transition(StateFailed)
		return NewTimeout("VerifyAck")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendFile reads path, seals it into Data frames, and drives the transfer
// to completion (sender flow, step 4). requestedChunkSize of 0
// uses the session's default chunk size.
func (s *Session) SendFile(ctx context.Context, path, mimeType string, requestedChunkSize uint32) error {
	if s.State() != StateTransferring {
		return NewInvalidStateTransition(s.State(), StateTransferring)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return NewIoError("read file", err)
	}
	sum := sha256.Sum256(data)

	chunkSize := s.cfg.DefaultChunkSize
	if requestedChunkSize > 0 && requestedChunkSize < chunkSize {
		chunkSize = requestedChunkSize
	}

	var transferID [16]byte
	if _, err := rand.Read(transferID[:]); err != nil {
		return NewIoError("generate transferID", err)
	}
	s.sendTransferID = transferID

	filename := filepath.Base(path)
	metadata := &frame.Frame{Kind: frame.KindMetadata, Metadata: &frame.MetadataPayload{
		TransferID: transferID,
		Filename:   filename,
		Size:       uint64(len(data)),
		MimeType:   mimeType,
		SHA256:     sum,
		ChunkSize:  chunkSize,
	}}
	if err := s.sendControl(ctx, metadata); err != nil {
		return err
	}

	totalChunks := uint64(0)
	if len(data) > 0 {
		totalChunks = (uint64(len(data)) + uint64(chunkSize) - 1) / uint64(chunkSize)
	}

	startSeq := uint64(0)
	select {
	case resumeFrame := <-s.resumeCh:
		if resumeFrame.Resume != nil && resumeFrame.Resume.TransferID == transferID &&
			resumeFrame.Resume.LastConfirmedSequence != noConfirmedSequence {
			startSeq = resumeFrame.Resume.LastConfirmedSequence + 1
		}
	case <-time.After(s.cfg.HelloAckTimeout.Duration):
		s.log.Warning("ghostdrop: no Resume reply before timeout, sending from sequence 0")
	case <-ctx.Done():
		return s.cancelled(ctx.Err())
	}
	if startSeq > totalChunks {
		startSeq = totalChunks
	}

	startTime := time.Now()
	var sentBytes uint64
	for seq := startSeq; seq < totalChunks; seq++ {
		start := seq * uint64(chunkSize)
		end := start + uint64(chunkSize)
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		plaintext := data[start:end]

		sealed, err := s.crypto.SealDataPayload(seq, plaintext)
		if err != nil {
			return NewIoError("seal chunk", err)
		}
		dataFrame := &frame.Frame{Kind: frame.KindData, Data: &frame.DataPayload{Sequence: seq, Payload: sealed}}
		if err := s.transport.Send(ctx, dataFrame); err != nil {
			if ctx.Err() != nil {
				return s.cancelled(ctx.Err())
			}
			return wrapSendErr("send chunk", err)
		}
		if s.metrics != nil {
			s.metrics.FramesSent.WithLabelValues(frame.KindData.String()).Inc()
			s.metrics.BytesTransferred.Add(float64(end - start))
		}

		sentBytes += end - start
		elapsed := time.Since(startTime).Seconds()
		var bytesPerSec float64
		if elapsed > 0 {
			bytesPerSec = float64(sentBytes) / elapsed
		}
		s.events.Publish(Event{Kind: EventTransferProgress, Time: time.Now(), Progress: TransferProgress{
			Bytes:         sentBytes,
			Total:         uint64(len(data)),
			BytesPerSec:   bytesPerSec,
			TransportKind: s.transport.CurrentKind(),
		}})

		select {
		case <-ctx.Done():
			return s.cancelled(ctx.Err())
		default:
		}
	}

	complete := &frame.Frame{Kind: frame.KindComplete, Complete: &frame.CompletePayload{TransferID: transferID, SHA256: sum}}
	if err := s.sendControl(ctx, complete); err != nil {
		return err
	}

	if err := s.transition(StateCompleted); err != nil {
		return err
	}
	s.events.Publish(Event{Kind: EventTransferCompleted, Time: time.Now(), Filename: filename})
	return nil
}

// Cancel sends Cancel best-effort, transitions to cancelled, and tears
// down the transport (sender flow, step 5; applies to either
// role). A session that has already reached a terminal state has nothing
// left to cancel.
func (s *Session) Cancel(reason string) error {
	if isTerminal(s.State()) {
		return nil
	}
	cancelFrame := &frame.Frame{Kind: frame.KindCancel, Cancel: &frame.CancelPayload{Reason: reason}}
	_ = s.sendControl(context.Background(), cancelFrame)
	if err := s.transition(StateCancelled); err != nil {
		return err
	}
	return s.Close()
}

// Close tears down the transport and releases event subscribers.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.transport.Close()
		<-s.recvLoopDone
		s.events.closeAll()
		if s.crypto != nil {
			s.crypto.Close()
		}
		if s.recvStore != nil {
			s.recvStore.Close()
		}
	})
	return err
}

func (s *Session) receiveLoop() {
	defer close(s.recvLoopDone)
	ctx := context.Background()
	for f := range s.transport.Incoming() {
		s.dispatch(ctx, f)
	}
}

func (s *Session) dispatch(ctx context.Context, f *frame.Frame) {
	if f.Kind == frame.KindEncrypted {
		if s.crypto == nil {
			s.log.Warning("ghostdrop: encrypted frame received before crypto context is ready")
			return
		}
		inner, err := s.crypto.Open(f)
		if err != nil {
			s.fail(NewHandshakeFailed("open encrypted frame: " + err.Error()))
			return
		}
		f = inner
	}

	var err error
	switch f.Kind {
	case frame.KindHello:
		err = s.handleHello(ctx, f.Hello)
	case frame.KindHelloAck:
		select {
		case s.helloAckCh <- f:
		default:
		}
	case frame.KindVerify:
		err = s.handleVerify(f.Verify)
	case frame.KindVerifyAck:
		select {
		case s.verifyAckCh <- f:
		default:
		}
		if f.VerifyAck != nil && !f.VerifyAck.Match {
			err = ErrVerificationRejected
		}
	case frame.KindMetadata:
		err = s.handleMetadata(ctx, f.Metadata)
	case frame.KindData:
		err = s.handleData(ctx, f.Data)
	case frame.KindResume:
		select {
		case s.resumeCh <- f:
		default:
		}
	case frame.KindComplete:
		err = s.handleComplete(f.Complete)
	case frame.KindCancel:
		err = NewHandshakeFailed("peer cancelled: " + f.Cancel.Reason)
	case frame.KindPing:
		// Liveness probe; nothing to do.
	case frame.KindAck:
		// Consumed by the GATT transport's sliding window already.
	}
	if err != nil {
		s.fail(err)
	}
}

// handleHello is the receiver's reaction to a peer's Hello (receiver
// flow, step 1).
func (s *Session) handleHello(ctx context.Context, h *frame.HelloPayload) error {
	if err := s.transition(StateNegotiating); err != nil {
		return err
	}
	s.handshakeStarted = time.Now()
	s.sessionID = h.SessionID
	s.remoteShare = ghostcrypto.KeyShare{PublicKeyBytes: h.EphemeralPubKey, Nonce: h.Nonce}

	priv, err := ghostcrypto.GenerateKeyPair()
	if err != nil {
		return NewIoError("generate keypair", err)
	}
	s.localPriv = priv
	nonce, err := ghostcrypto.GenerateNonce()
	if err != nil {
		return NewIoError("generate nonce", err)
	}
	s.localShare = ghostcrypto.KeyShare{PublicKeyBytes: priv.PublicKey().Bytes(), Nonce: nonce}

	helloAck := &frame.Frame{Kind: frame.KindHelloAck, HelloAck: &frame.HelloAckPayload{
		SessionID:       h.SessionID,
		EphemeralPubKey: s.localShare.PublicKeyBytes,
		Nonce:           s.localShare.Nonce,
	}}
	if err := s.sendControl(ctx, helloAck); err != nil {
		return err
	}

	if err := s.deriveSecretsAndSAS(); err != nil {
		return err
	}

	if err := s.transition(StateVerifying); err != nil {
		return err
	}
	now := time.Now()
	s.events.Publish(Event{Kind: EventHandshakeSAS, Time: now, SASCode: s.sasCode})
	s.events.Publish(Event{Kind: EventVerificationRequired, Time: now})
	return nil
}

// handleVerify validates the sender's transcript hash and SAS against the
// receiver's own derivation (receiver flow, step 2).
func (s *Session) handleVerify(v *frame.VerifyPayload) error {
	if v.TranscriptHash != s.transcriptHash || v.SASCode != s.sasCode {
		return NewHandshakeFailed("transcript or SAS mismatch")
	}
	return nil
}

// handleMetadata opens the incoming store and replies with Resume
// (receiver flow, step 4).
func (s *Session) handleMetadata(ctx context.Context, m *frame.MetadataPayload) error {
	s.recvTransferID = m.TransferID
	s.recvFilename = m.Filename
	s.recvChunkSize = m.ChunkSize
	s.recvSize = m.Size
	s.recvExpectedSHA = m.SHA256

	lastConfirmed := uint64(noConfirmedSequence)
	if s.resumeStore != nil {
		record, err := s.resumeStore.Load(m.TransferID)
		if err != nil {
			return NewIoError("load resume state", err)
		}
		if record != nil {
			lastConfirmed = record.LastConfirmedSequence
		}
	}
	s.recvLastConfirmed = lastConfirmed

	store, err := incoming.Open(s.incomingRoot, m.TransferID, m.Filename)
	if err != nil {
		return NewIoError("open incoming store", err)
	}
	s.recvStore = store

	resumeFrame := &frame.Frame{Kind: frame.KindResume, Resume: &frame.ResumePayload{
		TransferID:            m.TransferID,
		LastConfirmedSequence: lastConfirmed,
	}}
	return s.sendControl(ctx, resumeFrame)
}

// handleData decrypts and persists one chunk, then acks cumulative
// progress (receiver flow, step 5).
func (s *Session) handleData(ctx context.Context, d *frame.DataPayload) error {
	if s.crypto == nil {
		return NewHandshakeFailed("data frame received before verification")
	}
	if s.recvStore == nil {
		return NewIoError("data frame received before metadata", nil)
	}

	plaintext, err := s.crypto.OpenDataPayload(d.Sequence, d.Payload)
	if err != nil {
		return err
	}

	offset := int64(d.Sequence) * int64(s.recvChunkSize)
	if err := s.recvStore.WriteChunk(offset, plaintext); err != nil {
		return NewIoError("write chunk", err)
	}

	if s.recvLastConfirmed == noConfirmedSequence || d.Sequence > s.recvLastConfirmed {
		s.recvLastConfirmed = d.Sequence
	}
	if s.resumeStore != nil {
		sha256Hex := hex.EncodeToString(s.recvExpectedSHA[:])
		if err := s.resumeStore.Save(s.recvTransferID, s.recvFilename, s.recvSize, sha256Hex, s.recvChunkSize, s.recvLastConfirmed); err != nil {
			return NewIoError("save resume state", err)
		}
	}

	ack := &frame.Frame{Kind: frame.KindAck, Ack: &frame.AckPayload{CumulativeSequence: s.recvLastConfirmed, NackBitmap: 0}}
	if err := s.sendControl(ctx, ack); err != nil {
		return err
	}

	received := (d.Sequence + 1) * uint64(s.recvChunkSize)
	if received > s.recvSize {
		received = s.recvSize
	}
	s.events.Publish(Event{Kind: EventTransferProgress, Time: time.Now(), Progress: TransferProgress{
		Bytes:         received,
		Total:         s.recvSize,
		TransportKind: s.transport.CurrentKind(),
	}})
	return nil
}

// handleComplete finalizes the incoming file and verifies its digest
// (receiver flow, step 6).
func (s *Session) handleComplete(c *frame.CompletePayload) error {
	if s.recvStore == nil {
		return NewIoError("complete received before metadata", nil)
	}
	digest, err := s.recvStore.Finalize()
	if err != nil {
		return NewIoError("finalize incoming file", err)
	}
	_ = s.recvStore.Close()

	if digest != c.SHA256 {
		return NewHandshakeFailed("final SHA256 mismatch")
	}

	if s.resumeStore != nil {
		if err := s.resumeStore.Delete(c.TransferID); err != nil {
			s.log.Warningf("ghostdrop: delete resume state for %x: %v", c.TransferID[:], err)
		}
	}

	if err := s.transition(StateCompleted); err != nil {
		return err
	}
	s.events.Publish(Event{Kind: EventTransferCompleted, Time: time.Now(), Filename: s.recvFilename})
	return nil
}
