package openai

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/summarizer"
)

const systemPrompt = `You summarize the work record of an AI coding assistant.
Given a deterministic activity digest for one closed frame of work, write a
2-4 sentence prose narrative of what happened and how it went. Never invent
facts that are not in the digest. If you notice something non-obvious, add a
final line starting with "Insight:". If an unresolved problem stands out, add
a final line starting with "Flagged:".`

// Client is an OpenAI narrative summarization client.
// It implements the summarizer.Provider interface on top of the chat
// completion API.
type Client struct {
	client *openai.Client
	model  string
}

// Config is the configuration for the OpenAI summarizer.
// APIKey: OpenAI API key (required)
// Model: Model name to use, defaults to "gpt-4o-mini"
// BaseURL: API base URL, defaults to the OpenAI official address
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewClient creates a new OpenAI summarizer client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, core.NewEngineError("NewOpenAIClient",
			fmt.Errorf("%w: api key is required", core.ErrInvalidConfig))
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

// GenerateNarrative produces a narrative for one closed frame.
//
// Provider failures are wrapped in core.ErrProvider so the drainer can apply
// its bounded retry policy.
func (c *Client) GenerateNarrative(ctx context.Context, req *summarizer.Request) (*summarizer.Narrative, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Frame: %s (%s)\n\n", req.FrameName, req.FrameType)
	prompt.WriteString(req.DigestText)
	if len(req.Decisions) > 0 {
		prompt.WriteString("\n\nDecisions made:\n")
		for _, d := range req.Decisions {
			prompt.WriteString("- " + d + "\n")
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt.String()},
		},
		Temperature: 0.2,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProvider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", core.ErrProvider)
	}

	return parseNarrative(resp.Choices[0].Message.Content), nil
}

// GetProviderName returns the name of the provider.
func (c *Client) GetProviderName() string {
	return "openai"
}

// parseNarrative splits the tagged Insight/Flagged lines off the summary.
func parseNarrative(content string) *summarizer.Narrative {
	narrative := &summarizer.Narrative{}

	var summaryLines []string
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Insight:"):
			narrative.Insight = strings.TrimSpace(strings.TrimPrefix(trimmed, "Insight:"))
		case strings.HasPrefix(trimmed, "Flagged:"):
			narrative.FlaggedIssue = strings.TrimSpace(strings.TrimPrefix(trimmed, "Flagged:"))
		default:
			summaryLines = append(summaryLines, line)
		}
	}
	narrative.Summary = strings.TrimSpace(strings.Join(summaryLines, "\n"))

	return narrative
}
