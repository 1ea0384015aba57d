package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Oracle is the external language-model call the diagnoser and fixer depend
// on: a black-box function from a prompt to text. The text is preferably
// structured JSON; consumers must handle free-text fallback explicitly.
type Oracle interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// OpenAIOracle calls the OpenAI chat completions API
type OpenAIOracle struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIOracle creates an oracle backed by the OpenAI API. Every call is
// bounded by the given timeout; a timeout is surfaced as an oracle failure,
// never swallowed.
func NewOpenAIOracle(apiKey, model string, timeout time.Duration) (*OpenAIOracle, error) {
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required for the agent oracle")
	}
	return &OpenAIOracle{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: timeout,
	}, nil
}

// Complete sends one prompt and returns the raw text response
func (o *OpenAIOracle) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{}
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: user,
	})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("oracle request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("oracle returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

var codeFencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n(.*?)\n```")

// stripCodeFence extracts the content of the first fenced code block, or
// returns the trimmed input when no fence is present. Oracle responses often
// wrap file contents in markdown despite instructions not to.
func stripCodeFence(text string) string {
	if matches := codeFencePattern.FindStringSubmatch(text); len(matches) >= 2 {
		return matches[1]
	}
	return strings.TrimSpace(text)
}

// extractJSONObject pulls the first top-level JSON object out of oracle
// output, tolerating surrounding prose and markdown fences. Returns false if
// no balanced object is found.
func extractJSONObject(text string) (string, bool) {
	text = stripCodeFence(text)

	start := strings.Index(text, "{")
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// skip structural characters inside strings
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
