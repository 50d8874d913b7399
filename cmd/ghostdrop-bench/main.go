// Command ghostdrop-bench drives two in-process Sessions across a loopback
// GATT transport and reports how long a transfer takes.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/op/go-logging.v1"

	"github.com/ghostdrop/ghostdrop"
	"github.com/ghostdrop/ghostdrop/internal/config"
	"github.com/ghostdrop/ghostdrop/internal/frame"
	"github.com/ghostdrop/ghostdrop/internal/gatt"
	"github.com/ghostdrop/ghostdrop/internal/metrics"
	"github.com/ghostdrop/ghostdrop/internal/radio"
	"github.com/ghostdrop/ghostdrop/internal/radio/loopback"
	"github.com/ghostdrop/ghostdrop/internal/resume"
	"github.com/ghostdrop/ghostdrop/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	size := flag.Int("size", 512, "size in bytes of the synthetic file to transfer")
	chunkSize := flag.Int("chunk-size", 0, "chunk size override, 0 uses the session default")
	workDir := flag.String("work-dir", "", "scratch directory for the resume store and incoming file (default: a temp dir)")
	logFormat := flag.String("log-format", "text", "log output format: text or jsonl")
	flag.Parse()

	if *logFormat == "jsonl" {
		logging.SetBackend(logging.AddModuleLevel(ghostdrop.NewJSONLLogWriter(os.Stderr)))
	}

	if err := run(*size, uint32(*chunkSize), *workDir); err != nil {
		fmt.Fprintf(os.Stderr, "ghostdrop-bench: %v\n", err)
		os.Exit(1)
	}
}

func run(size int, chunkSize uint32, workDir string) error {
	if workDir == "" {
		dir, err := os.MkdirTemp("", "ghostdrop-bench-*")
		if err != nil {
			return fmt.Errorf("mkdir temp: %w", err)
		}
		defer os.RemoveAll(dir)
		workDir = dir
	}

	srcPath := filepath.Join(workDir, "payload.bin")
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return fmt.Errorf("generate payload: %w", err)
	}
	if err := os.WriteFile(srcPath, payload, 0600); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	senderDeviceID, receiverDeviceID, err := randomDeviceIDs()
	if err != nil {
		return err
	}

	link := loopback.NewLink(senderDeviceID, receiverDeviceID)
	caps := frame.Capabilities{MaxChunk: 128, MaxWindow: 8, ProtocolVersion: 1}
	if _, err := link.Peripheral().StartAdvertising(context.Background(), caps); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}

	cfg := config.Default()
	reg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors()
	collectors.MustRegister(reg)

	gattCfg := gatt.Config{
		MaxPacketSize:     cfg.MaxPacketSize,
		WindowSize:        cfg.DefaultWindowSize,
		RetryInterval:     cfg.GATTRetryInterval.Duration,
		RetryTimeout:      cfg.GATTRetryTimeout.Duration,
		RetransmitCounter: collectors.FramesRetransmitted,
	}

	senderTransportLog := log.New(os.Stderr)
	senderTransportLog.SetPrefix("sender/gatt")
	receiverTransportLog := log.New(os.Stderr)
	receiverTransportLog.SetPrefix("receiver/gatt")
	negotiateLog := log.New(os.Stderr)

	senderFT, err := transport.Negotiate(context.Background(), false, nil, func(ctx context.Context) (*gatt.Transport, error) {
		return gatt.NewCentralTransport(link.Central(), receiverDeviceID, gattCfg, senderTransportLog)
	}, negotiateLog)
	if err != nil {
		return fmt.Errorf("sender transport: %w: %v", ghostdrop.ErrTransportUnavailable, err)
	}

	receiverFT, err := transport.Negotiate(context.Background(), false, nil, func(ctx context.Context) (*gatt.Transport, error) {
		return gatt.NewPeripheralTransport(link.Peripheral(), gattCfg, receiverTransportLog)
	}, negotiateLog)
	if err != nil {
		return fmt.Errorf("receiver transport: %w: %v", ghostdrop.ErrTransportUnavailable, err)
	}

	senderResumeDB := filepath.Join(workDir, "sender-resume.db")
	receiverResumeDB := filepath.Join(workDir, "receiver-resume.db")
	sessionLog := logging.MustGetLogger("ghostdrop-bench")

	senderResume, err := resume.Open(senderResumeDB, sessionLog)
	if err != nil {
		return fmt.Errorf("open sender resume store: %w", err)
	}
	defer senderResume.Close()
	receiverResume, err := resume.Open(receiverResumeDB, sessionLog)
	if err != nil {
		return fmt.Errorf("open receiver resume store: %w", err)
	}
	defer receiverResume.Close()

	incomingRoot := filepath.Join(workDir, "incoming")

	sender := ghostdrop.NewSession(ghostdrop.RoleSender, senderDeviceID, caps, senderFT, cfg, senderResume, incomingRoot, sessionLog)
	defer sender.Close()
	receiver := ghostdrop.NewSession(ghostdrop.RoleReceiver, receiverDeviceID, caps, receiverFT, cfg, receiverResume, incomingRoot, sessionLog)
	defer receiver.Close()

	sender.SetMetrics(collectors)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := receiver.StartReceiver(ctx); err != nil {
		return fmt.Errorf("start receiver: %w", err)
	}
	if err := sender.StartSender(ctx); err != nil {
		return fmt.Errorf("start sender: %w", err)
	}

	if err := waitForState(ctx, receiver, ghostdrop.StateVerifying); err != nil {
		return fmt.Errorf("receiver never reached verifying: %w", err)
	}

	// Each side's ConfirmSAS waits for the other's VerifyAck, so the two
	// confirmations run concurrently.
	senderConfirm := make(chan error, 1)
	go func() { senderConfirm <- sender.ConfirmSAS(ctx, true) }()
	if err := receiver.ConfirmSAS(ctx, true); err != nil {
		return fmt.Errorf("receiver confirm SAS: %w", err)
	}
	if err := <-senderConfirm; err != nil {
		return fmt.Errorf("sender confirm SAS: %w", err)
	}

	start := time.Now()
	if err := sender.SendFile(ctx, srcPath, "application/octet-stream", chunkSize); err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	if err := waitForState(ctx, receiver, ghostdrop.StateCompleted); err != nil {
		return fmt.Errorf("receiver never completed: %w", err)
	}
	elapsed := time.Since(start)

	fmt.Printf("transferred %d bytes in %s (%.1f KB/s)\n", size, elapsed, float64(size)/1024/elapsed.Seconds())

	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, family := range families {
		fmt.Printf("metric %s: %d sample(s)\n", family.GetName(), len(family.GetMetric()))
	}
	return nil
}

func waitForState(ctx context.Context, s *ghostdrop.Session, want ghostdrop.SessionState) error {
	if s.State() == want {
		return nil
	}
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("session closed before reaching %s", want)
			}
			if ev.Kind == ghostdrop.EventStateChanged && ev.State == want {
				return nil
			}
			if ev.Kind == ghostdrop.EventTransferFailed {
				return fmt.Errorf("session failed: %s", ev.FailureMessage)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func randomDeviceIDs() (radio.DeviceID, radio.DeviceID, error) {
	var a, b radio.DeviceID
	if _, err := rand.Read(a[:]); err != nil {
		return a, b, fmt.Errorf("generate device id: %w", err)
	}
	if _, err := rand.Read(b[:]); err != nil {
		return a, b, fmt.Errorf("generate device id: %w", err)
	}
	return a, b, nil
}
