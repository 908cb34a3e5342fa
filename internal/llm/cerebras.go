package llm

const (
	cerebrasBaseURL      = "https://api.cerebras.ai/v1"
	defaultCerebrasModel = "gpt-oss-120b"
)

// NewCerebras returns a client for Cerebras inference, which speaks the
// OpenAI chat completions protocol.
func NewCerebras(opts Options) (*Client, error) {
	if opts.Model == "" {
		opts.Model = defaultCerebrasModel
	}
	if opts.BaseURL == "" {
		opts.BaseURL = cerebrasBaseURL
	}
	return newClient("cerebras", opts)
}
