// Package vad is a local energy-based voice activity detector. It segments
// 16kHz PCM into utterances for the session's turn handling and barge-in.
package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/wajjih/AI-Voice-Assistant/internal/agent"
	"github.com/wajjih/AI-Voice-Assistant/internal/audio"
)

const frameDuration = 10 * time.Millisecond

// Options tunes detection. Zero fields take the defaults of DefaultOptions.
type Options struct {
	SampleRate int
	// ActivationThreshold is the frame RMS above which a frame counts as voiced.
	ActivationThreshold float64
	// SmoothingFrames is the majority-vote window applied to per-frame decisions.
	SmoothingFrames    int
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
	// PrefixPadding is the pre-roll kept in front of each utterance.
	PrefixPadding time.Duration
	// MaxUtterance forces a speech end on very long turns.
	MaxUtterance time.Duration
}

// DefaultOptions suits a WebRTC headset participant.
func DefaultOptions() Options {
	return Options{
		SampleRate:          audio.InputSampleRate,
		ActivationThreshold: 300,
		SmoothingFrames:     4,
		MinSpeechDuration:   100 * time.Millisecond,
		MinSilenceDuration:  550 * time.Millisecond,
		PrefixPadding:       300 * time.Millisecond,
		MaxUtterance:        30 * time.Second,
	}
}

// VAD creates detector streams sharing one set of options.
type VAD struct {
	opts Options
}

// Load validates opts and returns a detector.
func Load(opts Options) (*VAD, error) {
	def := DefaultOptions()
	if opts.SampleRate == 0 {
		opts.SampleRate = def.SampleRate
	}
	if opts.ActivationThreshold == 0 {
		opts.ActivationThreshold = def.ActivationThreshold
	}
	if opts.SmoothingFrames == 0 {
		opts.SmoothingFrames = def.SmoothingFrames
	}
	if opts.MinSpeechDuration == 0 {
		opts.MinSpeechDuration = def.MinSpeechDuration
	}
	if opts.MinSilenceDuration == 0 {
		opts.MinSilenceDuration = def.MinSilenceDuration
	}
	if opts.PrefixPadding == 0 {
		opts.PrefixPadding = def.PrefixPadding
	}
	if opts.MaxUtterance == 0 {
		opts.MaxUtterance = def.MaxUtterance
	}

	if opts.SampleRate%100 != 0 || opts.SampleRate <= 0 {
		return nil, fmt.Errorf("vad: sample rate %d is not a multiple of 100", opts.SampleRate)
	}
	if opts.ActivationThreshold < 0 || opts.SmoothingFrames < 0 {
		return nil, errors.New("vad: negative threshold or smoothing window")
	}
	if opts.MaxUtterance < opts.MinSpeechDuration {
		return nil, errors.New("vad: max utterance shorter than min speech duration")
	}
	return &VAD{opts: opts}, nil
}

// Options returns the effective options.
func (v *VAD) Options() Options { return v.opts }

// NewStream returns an independent detector stream.
func (v *VAD) NewStream() agent.VADStream {
	return newStream(v.opts)
}
