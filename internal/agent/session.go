package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotStarted     = errors.New("agent: session not started")
	ErrAlreadyStarted = errors.New("agent: session already started")
	ErrClosed         = errors.New("agent: session closed")
	ErrEmptyText      = errors.New("agent: empty speech text")
	ErrQueueFull      = errors.New("agent: speech queue full")
)

const (
	inputSampleRate   = 16000
	interruptedMarker = "[INTERRUPTED BY USER]"
	speechQueueSize   = 32
	utteranceBacklog  = 8
)

// SessionOptions binds a session to its providers.
type SessionOptions struct {
	VAD VAD
	STT STT
	LLM LLM
	TTS TTS

	Logger *zap.Logger

	// STTTimeout and LLMTimeout bound each provider call of a user turn.
	STTTimeout time.Duration
	LLMTimeout time.Duration
}

// Session orchestrates VAD -> STT -> LLM -> TTS for one agent in one room.
// Speech is played one utterance at a time in the order it was queued.
type Session struct {
	opts SessionOptions
	log  *zap.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	agent   Agent
	room    Room
	current *SpeechHandle
	history []ChatMessage

	queue      chan *SpeechHandle
	utterances chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession constructs a session. Providers are checked by Start.
func NewSession(opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.STTTimeout <= 0 {
		opts.STTTimeout = 15 * time.Second
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 20 * time.Second
	}
	return &Session{
		opts:       opts,
		log:        opts.Logger,
		queue:      make(chan *SpeechHandle, speechQueueSize),
		utterances: make(chan []byte, utteranceBacklog),
	}
}

// Start binds the session to room and a and begins listening. The session
// runs until ctx is cancelled or Close is called.
func (s *Session) Start(ctx context.Context, room Room, a Agent) error {
	if room == nil {
		return errors.New("agent: nil room")
	}
	for name, p := range map[string]any{"vad": s.opts.VAD, "stt": s.opts.STT, "llm": s.opts.LLM, "tts": s.opts.TTS} {
		if p == nil {
			return fmt.Errorf("agent: missing %s provider", name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.agent = a
	s.room = room
	s.log = s.log.With(zap.String("room", room.Name()))
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(3)
	go s.listen()
	go s.respond()
	go s.playout()
	s.log.Info("session started")
	return nil
}

// Say queues text for playout and returns its handle without waiting.
func (s *Session) Say(ctx context.Context, text string, opts SayOptions) (*SpeechHandle, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := newSpeechHandle(text, opts)
	if err := s.enqueue(h); err != nil {
		return nil, err
	}
	s.log.Debug("speech queued", zap.String("speech_id", h.id), zap.Bool("allow_interruptions", opts.AllowInterruptions))
	return h, nil
}

func (s *Session) enqueue(h *SpeechHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case !s.started:
		return ErrNotStarted
	}
	select {
	case s.queue <- h:
		return nil
	default:
		return ErrQueueFull
	}
}

// Interrupt stops the current speech if it allows interruptions.
func (s *Session) Interrupt() {
	s.mu.Lock()
	cur := s.current
	room := s.room
	s.mu.Unlock()
	if cur == nil || !cur.AllowInterruptions() {
		return
	}
	cur.markInterrupted()
	// Drop any queued audio immediately to ensure interruption feels instant
	room.AudioOutput().Reset()
	s.log.Debug("speech interrupted", zap.String("speech_id", cur.id))
}

// Agent returns the agent the session was started with.
func (s *Session) Agent() Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// History returns a copy of the conversation so far.
func (s *Session) History() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

// Close stops the session and waits for its goroutines. Speech still queued
// finishes as interrupted. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	for {
		select {
		case h := <-s.queue:
			h.finish("", true, nil)
		default:
			s.log.Info("session closed")
			return nil
		}
	}
}

func (s *Session) appendHistory(role ChatRole, text string) {
	s.mu.Lock()
	s.history = append(s.history, ChatMessage{Role: role, Text: text})
	s.mu.Unlock()
}

// listen feeds room audio through VAD. Speech start interrupts the current
// speech; speech end hands the utterance to respond.
func (s *Session) listen() {
	defer s.wg.Done()
	stream := s.opts.VAD.NewStream()
	in := s.room.AudioInput()
	for {
		select {
		case <-s.ctx.Done():
			return
		case pcm, ok := <-in:
			if !ok {
				s.log.Debug("room audio closed")
				return
			}
			for _, ev := range stream.Push(pcm) {
				switch ev.Type {
				case VADSpeechStart:
					s.Interrupt()
				case VADSpeechEnd:
					select {
					case s.utterances <- ev.Audio:
					default:
						s.log.Warn("dropping utterance, responder busy")
					}
				}
			}
		}
	}
}

// respond turns finished utterances into replies, one turn at a time.
func (s *Session) respond() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case pcm := <-s.utterances:
			h := s.handleUtterance(pcm)
			if h == nil {
				continue
			}
			select {
			case <-h.Done():
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Session) handleUtterance(pcm []byte) *SpeechHandle {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.STTTimeout)
	text, err := s.opts.STT.Recognize(ctx, pcm, inputSampleRate)
	cancel()
	if err != nil {
		s.log.Warn("stt error", zap.Error(err))
		return nil
	}
	// Normalize whitespace only; do not truncate
	prompt := strings.TrimSpace(text)
	if prompt == "" {
		return nil
	}
	s.log.Info("heard", zap.String("text", prompt))
	s.appendHistory(RoleUser, prompt)

	ctx, cancel = context.WithTimeout(s.ctx, s.opts.LLMTimeout)
	reply, err := s.opts.LLM.Chat(ctx, s.Agent().Instructions, s.History())
	cancel()
	if err != nil {
		s.log.Warn("llm error", zap.Error(err))
		return nil
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil
	}
	h := newSpeechHandle(reply, SayOptions{AllowInterruptions: true})
	if err := s.enqueue(h); err != nil {
		s.log.Warn("reply not queued", zap.Error(err))
		return nil
	}
	return h
}

func (s *Session) playout() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case h := <-s.queue:
			s.play(h)
		}
	}
}

// play streams h chunk by chunk. Only chunks whose audio was fully written
// count as spoken.
func (s *Session) play(h *SpeechHandle) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if !h.begin(cancel) {
		h.finish("", true, nil)
		return
	}
	s.mu.Lock()
	s.current = h
	sink := s.room.AudioOutput()
	s.mu.Unlock()

	var (
		spoken  []string
		ttsErr  error
		chunks  = chunkReply(h.text)
		stopped bool
	)
	for _, chunk := range chunks {
		if ctx.Err() != nil {
			stopped = true
			break
		}
		complete, err := s.streamChunk(ctx, sink, chunk)
		if err != nil {
			s.log.Warn("tts stream error", zap.String("speech_id", h.id), zap.Error(err))
			if ttsErr == nil {
				ttsErr = err
			}
		}
		if !complete {
			if ctx.Err() != nil {
				stopped = true
				break
			}
			continue
		}
		spoken = append(spoken, chunk)
	}

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	interrupted := h.Interrupted() || stopped
	if !interrupted {
		sink.FlushTail()
	}
	spokenText := strings.Join(spoken, " ")
	if interrupted && h.Interrupted() {
		spokenText = strings.TrimSpace(spokenText + " " + interruptedMarker)
	}
	if !h.opts.SkipHistory && (len(spoken) > 0 || h.Interrupted()) {
		s.appendHistory(RoleAssistant, spokenText)
	}
	// A synthesis failure only matters if nothing reached the room.
	if len(spoken) > 0 {
		ttsErr = nil
	}
	h.finish(strings.Join(spoken, " "), interrupted, ttsErr)
	s.log.Debug("speech finished",
		zap.String("speech_id", h.id),
		zap.Bool("interrupted", interrupted),
		zap.Int("chunks_spoken", len(spoken)),
		zap.Int("chunks_total", len(chunks)),
	)
}

// streamChunk writes the synthesized audio of one chunk to sink. complete is
// false if the stream was cancelled or failed.
func (s *Session) streamChunk(ctx context.Context, sink PCM48kSink, chunk string) (complete bool, err error) {
	pcmCh, errCh := s.opts.TTS.StreamPCM48k(ctx, chunk)
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				pcmCh = nil
				continue
			}
			if len(b) > 0 && ctx.Err() == nil {
				sink.WritePCM(b)
			}
		case e, ok := <-errCh:
			if !ok {
				openErr = false
				errCh = nil
				continue
			}
			if e != nil && err == nil {
				err = e
			}
		case <-ctx.Done():
			return false, err
		}
	}
	return err == nil && ctx.Err() == nil, err
}
