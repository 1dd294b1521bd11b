package subagent

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
)

type anthropicProvider struct {
	client anthropic.Client
}

func (p *anthropicProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("missing model")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.MaxOutputTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		variant, ok := block.AsAny().(anthropic.TextBlock)
		if !ok {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(strings.TrimSpace(variant.Text))
	}
	return sb.String(), nil
}

func buildAnthropicMessages(messages []ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages)+1)
	for _, msg := range messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ImageURLs)+1)
		if txt := strings.TrimSpace(msg.Text); txt != "" {
			blocks = append(blocks, anthropic.NewTextBlock(txt))
		}
		for _, raw := range msg.ImageURLs {
			uri := strings.TrimSpace(raw)
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				continue
			}
			blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: uri}))
		}
		if len(blocks) == 0 {
			continue
		}
		if strings.ToLower(strings.TrimSpace(msg.Role)) == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}
