// Package stt holds the speech-to-text providers. Each transcribes one
// VAD-segmented utterance of 16kHz PCM16LE mono.
package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/wajjih/AI-Voice-Assistant/internal/agent"
	"github.com/wajjih/AI-Voice-Assistant/internal/audio"
)

// OpenAIOptions configures the OpenAI transcription client.
type OpenAIOptions struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	// Prompt biases recognition, e.g. with product names.
	Prompt     string
	HTTPClient *http.Client
	MaxRetries *int
}

// OpenAIClient uploads each utterance as WAV to the transcriptions endpoint.
type OpenAIClient struct {
	client   openai.Client
	model    string
	language string
	prompt   string
}

var _ agent.STT = (*OpenAIClient)(nil)

func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai stt: api key missing")
	}
	if opts.Model == "" {
		opts.Model = string(openai.AudioModelGPT4oMiniTranscribe)
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
		client:   openai.NewClient(reqOpts...),
		model:    opts.Model,
		language: opts.Language,
		prompt:   opts.Prompt,
	}, nil
}

func (c *OpenAIClient) Recognize(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) < 2 {
		return "", nil
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio.EncodeWAV(pcm, sampleRate)), "utterance.wav", "audio/wav"),
		Model: openai.AudioModel(c.model),
	}
	if c.language != "" {
		params.Language = openai.String(c.language)
	}
	if c.prompt != "" {
		params.Prompt = openai.String(c.prompt)
	}
	resp, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai stt: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
