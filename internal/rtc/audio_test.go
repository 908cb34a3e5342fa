package rtc

import (
	"sync/atomic"
	"testing"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(s media.Sample, _ *lksdk.SampleWriteOptions) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

func newTestWriter(track sampleWriter, capacity int) *OpusPacedWriter {
	return &OpusPacedWriter{
		enc:          nil, // encoder not needed for these tests
		track:        track,
		log:          zap.NewNop(),
		frameSamples: opusFrameSamples,
		frames:       make(chan []byte, capacity),
		stopCh:       make(chan struct{}),
	}
}

func TestOpusPacedWriter_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := newTestWriter(ft, 8)
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01, 0x02})
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ft.writes) == 3 }, time.Second, 5*time.Millisecond)
	w.Close()
	<-done
}

func TestOpusPacedWriter_PacesAtFrameRate(t *testing.T) {
	ft := &fakeTrack{}
	w := newTestWriter(ft, 64)
	for i := 0; i < 50; i++ {
		w.pushFrame([]byte{0x01})
	}
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()
	time.Sleep(100 * time.Millisecond)
	w.Close()
	<-done

	// ~5 ticks in 100ms; a burst would have drained everything
	assert.Less(t, atomic.LoadInt32(&ft.writes), int32(20))
}

func TestOpusPacedWriter_ResetDrains(t *testing.T) {
	w := newTestWriter(&fakeTrack{}, 8)
	w.pcmBuf = []int16{1, 2, 3}
	w.frames <- []byte{0x01}
	w.frames <- []byte{0x02}
	w.Reset()
	assert.Zero(t, w.Pending())
	assert.Empty(t, w.pcmBuf)
}

func TestOpusPacedWriter_CloseIsIdempotentAndUnblocksPush(t *testing.T) {
	w := newTestWriter(&fakeTrack{}, 1)
	w.pushFrame([]byte{0x01})

	pushed := make(chan struct{})
	go func() { w.pushFrame([]byte{0x02}); close(pushed) }()
	w.Close()
	w.Close()
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatalf("pushFrame did not return after Close")
	}
	// writes after close are ignored
	w.WritePCM(make([]byte, 4000))
	w.FlushTail()
	assert.Equal(t, 1, w.Pending())
}

func TestOpusPacedWriter_EncodesFullFrames(t *testing.T) {
	ft := &fakeTrack{}
	w, err := NewOpusPacedWriter(ft, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	// 2.5 frames of 48kHz audio
	w.WritePCM(make([]byte, opusFrameSamples*2*5/2))
	w.mu.Lock()
	buffered := len(w.pcmBuf)
	w.mu.Unlock()
	assert.Equal(t, opusFrameSamples/2, buffered)

	w.FlushTail()
	w.mu.Lock()
	assert.Empty(t, w.pcmBuf)
	w.mu.Unlock()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ft.writes) >= 2 }, time.Second, 5*time.Millisecond)
}
