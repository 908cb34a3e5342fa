// Package tts holds the speech synthesis providers. Every provider streams
// 48kHz PCM16LE mono for the Opus writer.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/wajjih/AI-Voice-Assistant/internal/agent"
	"github.com/wajjih/AI-Voice-Assistant/internal/audio"
)

// OpenAI's pcm response format is 24kHz PCM16LE mono.
const openAIPCMRate = 24000

// ~100ms of 24kHz audio per read.
const openAIReadSize = 4800

// OpenAIOptions configures the OpenAI speech client.
type OpenAIOptions struct {
	APIKey       string
	BaseURL      string
	Model        string
	Voice        string
	Instructions string
	HTTPClient   *http.Client
	MaxRetries   *int
	Logger       *zap.Logger
}

// OpenAIClient streams synthesized speech from the audio/speech endpoint.
type OpenAIClient struct {
	client       openai.Client
	model        string
	voice        string
	instructions string
	log          *zap.Logger
}

var _ agent.TTS = (*OpenAIClient)(nil)

func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai tts: api key missing")
	}
	if opts.Model == "" {
		opts.Model = string(openai.SpeechModelGPT4oMiniTTS)
	}
	if opts.Voice == "" {
		opts.Voice = string(openai.AudioSpeechNewParamsVoiceAsh)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	if opts.MaxRetries != nil {
		reqOpts = append(reqOpts, option.WithMaxRetries(*opts.MaxRetries))
	}
	return &OpenAIClient{
		client:       openai.NewClient(reqOpts...),
		model:        opts.Model,
		voice:        opts.Voice,
		instructions: opts.Instructions,
		log:          opts.Logger.With(zap.String("tts", "openai")),
	}, nil
}

func (c *OpenAIClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if text == "" {
			return
		}
		params := openai.AudioSpeechNewParams{
			Input:          text,
			Model:          openai.SpeechModel(c.model),
			Voice:          openai.AudioSpeechNewParamsVoice(c.voice),
			ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
		}
		if c.instructions != "" {
			params.Instructions = openai.String(c.instructions)
		}
		resp, err := c.client.Audio.Speech.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("openai tts: %w", err)
			return
		}
		defer resp.Body.Close()
		if err := pumpPCM(ctx, resp.Body, openAIPCMRate, pcmCh); err != nil {
			errCh <- fmt.Errorf("openai tts: %w", err)
		}
	}()
	return pcmCh, errCh
}

// pumpPCM reads PCM16LE at rate from r and sends it upsampled to 48kHz.
// Odd trailing bytes are carried into the next read.
func pumpPCM(ctx context.Context, r io.Reader, rate int, out chan<- []byte) error {
	buf := make([]byte, openAIReadSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			even := len(chunk) &^ 1
			carry = append([]byte(nil), chunk[even:]...)
			if even > 0 {
				select {
				case out <- audio.ResampleBytes(chunk[:even], rate, audio.OutputSampleRate):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}
