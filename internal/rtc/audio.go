package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/wajjih/AI-Voice-Assistant/internal/audio"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	// 20ms at 48kHz
	opusFrameSamples = audio.OutputSampleRate / 50
	// ~200ms of silence appended by FlushTail
	tailSilenceFrames = 10
)

// sampleWriter is the part of a LiveKit local track the writer needs.
type sampleWriter interface {
	WriteSample(sample media.Sample, opts *lksdk.SampleWriteOptions) error
}

// OpusPacedWriter encodes incoming 48kHz PCM mono to Opus frames and writes them paced to a track.
type OpusPacedWriter struct {
	enc          *opus.Encoder
	track        sampleWriter
	log          *zap.Logger
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

// NewOpusPacedWriter constructs a paced writer with 20ms frames at 48kHz mono.
func NewOpusPacedWriter(track sampleWriter, log *zap.Logger) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(audio.OutputSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &OpusPacedWriter{
		enc:          enc,
		track:        track,
		log:          log,
		frameSamples: opusFrameSamples,
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers PCM 48kHz mono data and emits encoded Opus frames paced to the track.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.pcmBuf = append(w.pcmBuf, audio.BytesToSamples(pcmBytes)...)

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= w.frameSamples {
		w.encodeFrame(w.pcmBuf[:w.frameSamples], opusBuf)
		copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-w.frameSamples]
	}
}

// FlushTail pads the remaining PCM to a full frame and adds a short silence tail to avoid clipping.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	opusBuf := make([]byte, 4000)
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encodeFrame(pad, opusBuf)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < tailSilenceFrames; i++ {
		w.encodeFrame(silence, opusBuf)
	}
}

// Reset clears any queued frames to support immediate barge-in.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}

// Close stops the pacer. Queued frames are discarded.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

// Pending reports the number of encoded frames waiting for the pacer.
func (w *OpusPacedWriter) Pending() int { return len(w.frames) }

// encodeFrame must be called with w.mu held.
func (w *OpusPacedWriter) encodeFrame(frame []int16, opusBuf []byte) {
	n, err := w.enc.Encode(frame, opusBuf)
	if err != nil {
		w.log.Warn("opus encode error", zap.Error(err))
		return
	}
	if n > 0 {
		pkt := make([]byte, n)
		copy(pkt, opusBuf[:n])
		w.pushFrame(pkt)
	}
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				if err := w.track.WriteSample(media.Sample{Data: frame, Duration: opusFrameDuration}, nil); err != nil {
					w.log.Debug("write sample failed", zap.Error(err))
				}
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}
