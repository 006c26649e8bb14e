package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTicker_StopHaltsTicks(t *testing.T) {
	var n atomic.Int32
	tk := NewTicker(context.Background(), 2*time.Millisecond, func() { n.Add(1) })

	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)

	tk.Stop()
	<-tk.Done()
	after := n.Load()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}

func TestTicker_ParentCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tk := NewTicker(ctx, time.Hour, func() {})

	cancel()
	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatal("ticker did not exit after parent cancellation")
	}
	tk.Stop()
}
