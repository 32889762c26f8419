package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Client wraps the OpenAI SDK and rewrites engine text for speech.
type Client struct {
	client *openai.Client
	model  openai.ChatModel
}

// ErrClientNotInitialised is returned when attempting to call the API without a configured client.
var ErrClientNotInitialised = errors.New("openai client not initialised")

const (
	confirmPrompt = "You turn reminder-service confirmations into one short, warm spoken sentence for an older adult " +
		"on a phone call. Keep every time, date and number exactly as given. Do not add new facts."
	announcePrompt = "You read reminders aloud on a phone call to an older adult. Rewrite the reminder as one or two " +
		"short spoken sentences. Keep every time, date, dose and number exactly as given."
)

// New returns a client. Without an apiKey the client falls back to the
// template text it is given.
func New(apiKey string) *Client {
	if apiKey == "" {
		return &Client{}
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		client: &client,
		model:  openai.ChatModelGPT4oMini,
	}
}

// Enabled reports whether an API key was configured.
func (c *Client) Enabled() bool {
	return c != nil && c.client != nil
}

// Confirm rephrases a tool confirmation. On any failure the template is returned unchanged.
func (c *Client) Confirm(ctx context.Context, template string) string {
	return c.phraseOrFallback(ctx, confirmPrompt, template, 10*time.Second)
}

// Announce turns a reminder message into the script read when the call connects.
func (c *Client) Announce(ctx context.Context, message string) string {
	return c.phraseOrFallback(ctx, announcePrompt, "This is your reminder: "+strings.TrimSpace(message), 15*time.Second)
}

func (c *Client) phraseOrFallback(ctx context.Context, system, text string, timeout time.Duration) string {
	if !c.Enabled() || strings.TrimSpace(text) == "" {
		return text
	}
	out, err := c.complete(ctx, system, text, timeout)
	if err != nil || out == "" {
		return text
	}
	return out
}

func (c *Client) complete(ctx context.Context, system, content string, timeout time.Duration) (string, error) {
	if c.client == nil {
		return "", ErrClientNotInitialised
	}

	req := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(system),
					},
				},
			},
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(content),
					},
				},
			},
		},
		Temperature:         openai.Float(0.3),
		MaxCompletionTokens: openai.Int(80),
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion received")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
