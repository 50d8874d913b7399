package wkr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoWaitBlocksUntilGoroutinesReturn(t *testing.T) {
	var w Worker
	done := make(chan struct{})
	w.Go(func() {
		time.Sleep(10 * time.Millisecond)
		close(done)
	})
	w.Wait()
	select {
	case <-done:
	default:
		t.Fatal("Wait returned before the launched goroutine finished")
	}
}

func TestHaltClosesHaltChOnce(t *testing.T) {
	var w Worker
	halted := 0
	w.Go(func() {
		<-w.HaltCh()
		halted++
	})
	w.Halt()
	w.Halt() // second call must not panic or double-close
	w.Wait()
	require.Equal(t, 1, halted)
}

func TestHaltChIsIdempotentBeforeInit(t *testing.T) {
	var w Worker
	ch1 := w.HaltCh()
	ch2 := w.HaltCh()
	require.Equal(t, ch1, ch2)
}
