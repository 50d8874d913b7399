package slidingwindow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanSendRespectsWindowSize(t *testing.T) {
	w := New(2)
	now := time.Now()
	require.True(t, w.CanSend(0))
	w.MarkSent(0, []byte("a"), now)
	require.True(t, w.CanSend(1))
	w.MarkSent(1, []byte("b"), now)
	require.False(t, w.CanSend(2))
	// Resending an already-inflight sequence is always permitted.
	require.True(t, w.CanSend(0))
}

func TestProcessAckCumulative(t *testing.T) {
	w := New(8)
	now := time.Now()
	for seq := uint64(0); seq < 5; seq++ {
		w.MarkSent(seq, []byte{byte(seq)}, now)
	}
	retransmit := w.ProcessAck(Ack{CumulativeSequence: 3, NackBitmap: 0})
	require.Empty(t, retransmit)
	require.Equal(t, 1, w.Len())
	require.True(t, w.CanSend(4))
}

func TestProcessAckNackBitmap(t *testing.T) {
	w := New(8)
	now := time.Now()
	for _, seq := range []uint64{10, 11, 12, 13, 14} {
		w.MarkSent(seq, []byte{byte(seq)}, now)
	}
	// inflight {10,11,12,13,14}; cumSeq=10, bitmap 0b101 names 11 and 13.
	retransmit := w.ProcessAck(Ack{CumulativeSequence: 10, NackBitmap: 0b101})
	require.Equal(t, []uint64{11, 13}, retransmit)
}

func TestTimedOutSequences(t *testing.T) {
	w := New(4)
	t0 := time.Now()
	w.MarkSent(1, []byte("x"), t0)

	none := w.TimedOutSequences(t0.Add(50*time.Millisecond), 100*time.Millisecond)
	require.Empty(t, none)

	timedOut := w.TimedOutSequences(t0.Add(100*time.Millisecond), 100*time.Millisecond)
	require.Equal(t, []uint64{1}, timedOut)
}

func TestMarkRetransmittedRefreshesSentAt(t *testing.T) {
	w := New(4)
	t0 := time.Now()
	w.MarkSent(1, []byte("x"), t0)
	w.MarkRetransmitted(1, t0.Add(50*time.Millisecond))

	timedOut := w.TimedOutSequences(t0.Add(100*time.Millisecond), 100*time.Millisecond)
	require.Empty(t, timedOut)

	timedOut = w.TimedOutSequences(t0.Add(150*time.Millisecond), 100*time.Millisecond)
	require.Equal(t, []uint64{1}, timedOut)
}

func TestMarkRetransmittedIgnoresAcked(t *testing.T) {
	w := New(4)
	now := time.Now()
	w.MarkSent(1, []byte("x"), now)
	w.ProcessAck(Ack{CumulativeSequence: 1})
	// Should not resurrect the entry.
	w.MarkRetransmitted(1, now)
	require.Equal(t, 0, w.Len())
}
