package vad

import (
	"time"

	"github.com/wajjih/AI-Voice-Assistant/internal/agent"
	"github.com/wajjih/AI-Voice-Assistant/internal/audio"
)

// Stream tracks speech state for one audio source. It is not safe for
// concurrent use.
type Stream struct {
	opts         Options
	frameSamples int

	smoother *smoother
	preRoll  *circularPCM
	pending  []byte

	speaking   bool
	voicedRun  time.Duration
	silenceRun time.Duration
	utterance  []byte
	maxBytes   int
}

func newStream(opts Options) *Stream {
	frameSamples := opts.SampleRate / 100
	preRollMs := int((opts.PrefixPadding + opts.MinSpeechDuration) / time.Millisecond)
	return &Stream{
		opts:         opts,
		frameSamples: frameSamples,
		smoother:     newSmoother(opts.ActivationThreshold, opts.SmoothingFrames),
		preRoll:      newCircularPCM(preRollMs, opts.SampleRate),
		maxBytes:     int(opts.MaxUtterance/time.Millisecond) * opts.SampleRate / 1000 * 2,
	}
}

// Push consumes PCM16LE of any length and returns the speech boundaries it
// crossed. Partial frames are kept for the next call.
func (s *Stream) Push(pcm []byte) []agent.VADEvent {
	s.pending = append(s.pending, pcm...)
	frameBytes := s.frameSamples * 2
	var events []agent.VADEvent
	off := 0
	for ; off+frameBytes <= len(s.pending); off += frameBytes {
		if ev, ok := s.onFrame(s.pending[off : off+frameBytes]); ok {
			events = append(events, ev)
		}
	}
	s.pending = append(s.pending[:0], s.pending[off:]...)
	return events
}

// Speaking reports whether the stream is inside an utterance.
func (s *Stream) Speaking() bool { return s.speaking }

func (s *Stream) onFrame(raw []byte) (agent.VADEvent, bool) {
	frame := audio.BytesToSamples(raw)
	voiced := s.smoother.isSpeech(frame)

	if !s.speaking {
		s.preRoll.Write(frame)
		if !voiced {
			s.voicedRun = 0
			return agent.VADEvent{}, false
		}
		s.voicedRun += frameDuration
		if s.voicedRun < s.opts.MinSpeechDuration {
			return agent.VADEvent{}, false
		}
		s.speaking = true
		s.silenceRun = 0
		prefixMs := int((s.opts.PrefixPadding + s.voicedRun) / time.Millisecond)
		s.utterance = audio.SamplesToBytes(s.preRoll.ReadLastMs(prefixMs))
		return agent.VADEvent{Type: agent.VADSpeechStart}, true
	}

	s.utterance = append(s.utterance, raw...)
	if voiced {
		s.silenceRun = 0
	} else {
		s.silenceRun += frameDuration
	}
	if s.silenceRun >= s.opts.MinSilenceDuration || len(s.utterance) >= s.maxBytes {
		return s.endSpeech(), true
	}
	return agent.VADEvent{}, false
}

func (s *Stream) endSpeech() agent.VADEvent {
	ev := agent.VADEvent{Type: agent.VADSpeechEnd, Audio: s.utterance}
	s.speaking = false
	s.voicedRun = 0
	s.silenceRun = 0
	s.utterance = nil
	s.preRoll.Reset()
	s.smoother.reset()
	return ev
}

// smoother applies a majority vote over the last n per-frame energy decisions.
type smoother struct {
	threshold float64
	n         int
	win       []bool
}

func newSmoother(threshold float64, n int) *smoother {
	if n < 1 {
		n = 1
	}
	return &smoother{threshold: threshold, n: n}
}

func (v *smoother) isSpeech(frame []int16) bool {
	if len(frame) == 0 {
		return false
	}
	v.win = append(v.win, audio.RMS(frame) >= v.threshold)
	if len(v.win) > v.n {
		v.win = v.win[len(v.win)-v.n:]
	}
	trueCount := 0
	for _, x := range v.win {
		if x {
			trueCount++
		}
	}
	return trueCount*2 >= len(v.win)
}

func (v *smoother) reset() { v.win = v.win[:0] }

// circularPCM stores the most recent samples for pre-roll.
type circularPCM struct {
	buf      []int16
	writePos int
	filled   int
	sr       int
}

func newCircularPCM(capacityMs int, sampleRate int) *circularPCM {
	samples := capacityMs * sampleRate / 1000
	if samples < sampleRate/10 {
		samples = sampleRate / 10
	}
	return &circularPCM{buf: make([]int16, samples), sr: sampleRate}
}

func (c *circularPCM) Write(frame []int16) {
	for _, s := range frame {
		c.buf[c.writePos] = s
		c.writePos = (c.writePos + 1) % len(c.buf)
	}
	c.filled += len(frame)
	if c.filled > len(c.buf) {
		c.filled = len(c.buf)
	}
}

// ReadLastMs returns up to ms of the newest samples, oldest first.
func (c *circularPCM) ReadLastMs(ms int) []int16 {
	n := ms * c.sr / 1000
	if n > c.filled {
		n = c.filled
	}
	out := make([]int16, n)
	start := (c.writePos - n + len(c.buf)) % len(c.buf)
	for i := 0; i < n; i++ {
		out[i] = c.buf[(start+i)%len(c.buf)]
	}
	return out
}

func (c *circularPCM) Reset() {
	c.writePos = 0
	c.filled = 0
}
