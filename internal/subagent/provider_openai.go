package subagent

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

type openAIProvider struct {
	client openai.Client
}

func (p *openAIProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("missing model")
	}

	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens: openai.Int(defaultMaxOutputTokens),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.ForceJSON {
		obj := oshared.NewResponseFormatJSONObjectParam()
		params.Text = oresponses.ResponseTextConfigParam{
			Format: oresponses.ResponseFormatTextConfigUnionParam{OfJSONObject: &obj},
		}
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}

	items := buildOpenAIInputItems(req.Messages)
	if len(items) == 0 {
		return "", errors.New("empty request messages")
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return "", err
	}
	return extractOpenAIResponseText(*resp), nil
}

func buildOpenAIInputItems(messages []ChatMessage) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(messages))
	for _, msg := range messages {
		role := oresponses.EasyInputMessageRoleUser
		if strings.ToLower(strings.TrimSpace(msg.Role)) == "assistant" {
			role = oresponses.EasyInputMessageRoleAssistant
		}
		content := make(oresponses.ResponseInputMessageContentListParam, 0, len(msg.ImageURLs)+1)
		if txt := strings.TrimSpace(msg.Text); txt != "" {
			content = append(content, oresponses.ResponseInputContentUnionParam{
				OfInputText: &oresponses.ResponseInputTextParam{Text: txt},
			})
		}
		for _, raw := range msg.ImageURLs {
			uri := strings.TrimSpace(raw)
			if uri == "" {
				continue
			}
			content = append(content, oresponses.ResponseInputContentUnionParam{
				OfInputImage: &oresponses.ResponseInputImageParam{
					Detail:   oresponses.ResponseInputImageDetailAuto,
					ImageURL: openai.String(uri),
				},
			})
		}
		if len(content) == 0 {
			continue
		}
		items = append(items, oresponses.ResponseInputItemParamOfMessage(content, role))
	}
	return items
}

func extractOpenAIResponseText(resp oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimSpace(part.Text))
		}
	}
	return sb.String()
}
