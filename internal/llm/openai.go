// Package llm implements the session's language model on OpenAI-compatible
// chat completion APIs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/wajjih/AI-Voice-Assistant/internal/agent"
)

const defaultOpenAIModel = "gpt-4o"

// Options configures a chat completion client.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	MaxRetries *int
}

// Client answers a conversation with a single chat completion.
type Client struct {
	provider string
	model    string
	client   openai.Client
}

var _ agent.LLM = (*Client)(nil)

// NewOpenAI returns a client for the OpenAI chat completions API.
func NewOpenAI(opts Options) (*Client, error) {
	if opts.Model == "" {
		opts.Model = defaultOpenAIModel
	}
	return newClient("openai", opts)
}

func newClient(provider string, opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%s api key missing", provider)
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
	return &Client{
		provider: provider,
		model:    opts.Model,
		client:   openai.NewClient(reqOpts...),
	}, nil
}

// Provider names the backing API.
func (c *Client) Provider() string { return c.provider }

// Model is the model id sent with each request.
func (c *Client) Model() string { return c.model }

// Chat sends instructions as the system message followed by history.
func (c *Client) Chat(ctx context.Context, instructions string, history []agent.ChatMessage) (string, error) {
	if len(history) == 0 {
		return "", errors.New("llm: empty conversation")
	}
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: buildMessages(instructions, history),
	})
	if err != nil {
		return "", fmt.Errorf("%s chat completion: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: no choices", c.provider)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func buildMessages(instructions string, history []agent.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if instructions != "" {
		msgs = append(msgs, openai.SystemMessage(instructions))
	}
	for _, m := range history {
		switch m.Role {
		case agent.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Text))
		default:
			msgs = append(msgs, openai.UserMessage(m.Text))
		}
	}
	return msgs
}
