package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNotInterruptible is returned when interrupting speech that was queued
// with AllowInterruptions=false.
var ErrNotInterruptible = errors.New("agent: speech does not allow interruptions")

// SayOptions controls a single utterance.
type SayOptions struct {
	AllowInterruptions bool
	// SkipHistory keeps the spoken text out of the conversation history.
	SkipHistory bool
}

// SpeechHandle tracks one queued utterance through playout.
type SpeechHandle struct {
	id   string
	text string
	opts SayOptions

	done chan struct{}

	mu          sync.Mutex
	cancel      context.CancelFunc
	interrupted bool
	finished    bool
	spoken      string
	err         error
}

func newSpeechHandle(text string, opts SayOptions) *SpeechHandle {
	return &SpeechHandle{
		id:   "speech_" + uuid.NewString()[:12],
		text: text,
		opts: opts,
		done: make(chan struct{}),
	}
}

func (h *SpeechHandle) ID() string               { return h.id }
func (h *SpeechHandle) Text() string             { return h.text }
func (h *SpeechHandle) AllowInterruptions() bool { return h.opts.AllowInterruptions }

// Done is closed once playout has finished or was interrupted.
func (h *SpeechHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until playout ends. Interruption is not an error; a synthesis
// failure is.
func (h *SpeechHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupted reports whether playout was cut short.
func (h *SpeechHandle) Interrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}

// SpokenText is the part of the text that was fully played out.
func (h *SpeechHandle) SpokenText() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spoken
}

// Interrupt stops playout, or prevents it if the speech is still queued.
func (h *SpeechHandle) Interrupt() error {
	if !h.opts.AllowInterruptions {
		return ErrNotInterruptible
	}
	h.markInterrupted()
	return nil
}

func (h *SpeechHandle) markInterrupted() {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.interrupted = true
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// begin attaches the playout cancel func. It returns false when the speech
// was interrupted before playout started.
func (h *SpeechHandle) begin(cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel = cancel
	return !h.interrupted
}

func (h *SpeechHandle) finish(spoken string, interrupted bool, err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.spoken = spoken
	h.interrupted = h.interrupted || interrupted
	h.err = err
	h.cancel = nil
	h.mu.Unlock()
	close(h.done)
}
