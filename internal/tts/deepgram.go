package tts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"go.uber.org/zap"

	"github.com/wajjih/AI-Voice-Assistant/internal/agent"
	"github.com/wajjih/AI-Voice-Assistant/internal/audio"
)

const defaultDeepgramModel = "aura-2-thalia-en"

// DeepgramOptions configures the Deepgram websocket speak client.
type DeepgramOptions struct {
	APIKey string
	Model  string
	// IdleWindow ends a stream once audio stopped arriving for this long.
	IdleWindow time.Duration
	// Deadline bounds one synthesis.
	Deadline time.Duration
	Logger   *zap.Logger
}

// DeepgramClient synthesizes linear16 audio at 48kHz over Deepgram's speak websocket.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
	idleWindow time.Duration
	deadline   time.Duration
	log        *zap.Logger
}

var _ agent.TTS = (*DeepgramClient)(nil)

func NewDeepgramClient(opts DeepgramOptions) *DeepgramClient {
	if opts.Model == "" {
		opts.Model = defaultDeepgramModel
	}
	if opts.IdleWindow <= 0 {
		opts.IdleWindow = 400 * time.Millisecond
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 12 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &DeepgramClient{
		apiKey:     opts.APIKey,
		model:      opts.Model,
		sampleRate: audio.OutputSampleRate,
		encoding:   "linear16",
		idleWindow: opts.IdleWindow,
		deadline:   opts.Deadline,
		log:        opts.Logger.With(zap.String("tts", "deepgram")),
	}
}

func (d *DeepgramClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	out := newPCMGate(pcmCh)

	go func() {
		// Stop does not wait for the SDK's reader, so late audio goes
		// through the gate instead of straight to pcmCh.
		defer out.close()
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: API key missing")
			return
		}
		if text == "" {
			return
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   d.encoding,
			SampleRate: d.sampleRate,
		}

		var lastRecvUnix int64
		var seenAudio int32
		var remoteErr atomic.Value

		cb := &speakCallback{
			onBinary: func(data []byte) error {
				if len(data) == 0 {
					return nil
				}
				atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
				atomic.StoreInt32(&seenAudio, 1)
				b := make([]byte, len(data))
				copy(b, data)
				out.send(ctx, b)
				return nil
			},
			onError: func(er *msginterfaces.ErrorResponse) {
				if er != nil {
					remoteErr.Store(fmt.Errorf("deepgram: remote error: %+v", *er))
				}
			},
		}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}

		stopped := false
		stopClient := func() {
			if !stopped {
				stopped = true
				dg.Stop()
			}
		}
		defer stopClient()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("deepgram: connect failed")
			return
		}

		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			d.log.Warn("flush error", zap.Error(err))
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(d.deadline)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if e, ok := remoteErr.Load().(error); ok {
					errCh <- e
					return
				}
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
					if time.Since(last) > d.idleWindow {
						return
					}
				}
				if time.Now().After(deadline) {
					if atomic.LoadInt32(&seenAudio) == 0 {
						errCh <- fmt.Errorf("deepgram: no audio within %s", d.deadline)
					}
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

// pcmGate lets SDK callbacks send audio that may arrive after the stream
// ended. Sends after close are dropped.
type pcmGate struct {
	ch     chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func newPCMGate(ch chan []byte) *pcmGate {
	return &pcmGate{ch: ch, done: make(chan struct{})}
}

func (g *pcmGate) send(ctx context.Context, b []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	select {
	case g.ch <- b:
		return true
	case <-g.done:
	case <-ctx.Done():
	}
	return false
}

// close unblocks a pending send, then closes the channel.
func (g *pcmGate) close() {
	close(g.done)
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	close(g.ch)
}

type speakCallback struct {
	onBinary func([]byte) error
	onError  func(*msginterfaces.ErrorResponse)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	if s.onError != nil {
		s.onError(er)
	}
	return nil
}
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
