package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/parleyhq/parley/internal/chat"
)

// OpenAI streaming finish reasons.
const (
	oaiFinishStop          = "stop"
	oaiFinishLength        = "length"
	oaiFinishContentFilter = "content_filter"
)

// OpenAI is an Adapter backed by the OpenAI chat completions API. It also
// serves OpenAI-compatible providers via baseURL.
type OpenAI struct {
	client *openai.Client
}

var _ Adapter = (*OpenAI)(nil)

// NewOpenAI creates the adapter. baseURL may be empty for the public API.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAI{client: &client}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) GenerateStream(ctx context.Context, items []chat.ContextItem, cfg Config, fn StreamFunc) (*Result, error) {
	params, err := o.params(items, cfg)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var (
		sb    strings.Builder
		usage Usage
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage.PromptTokens = int(chunk.Usage.PromptTokens)
			usage.CompletionTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		sel := chunk.Choices[0]
		if s := sel.Delta.Content; s != "" {
			if err := fn(s); err != nil {
				return nil, err
			}
			sb.WriteString(s)
		}
		switch sel.FinishReason {
		case oaiFinishStop, oaiFinishLength:
			// Usage arrives on a trailing chunk; keep draining.
		case oaiFinishContentFilter:
			return nil, &Error{Provider: o.Name(), Kind: KindInvalidRequest,
				Err: errors.New("response blocked by content filter")}
		}
		if s := sel.Delta.Refusal; s != "" {
			return nil, &Error{Provider: o.Name(), Kind: KindInvalidRequest,
				Err: errors.New("refused: " + s)}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, o.classifyErr(err)
	}
	return &Result{Content: sb.String(), Usage: usage}, nil
}

func (o *OpenAI) Generate(ctx context.Context, items []chat.ContextItem, cfg Config) (*Result, error) {
	params, err := o.params(items, cfg)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, o.classifyErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Provider: o.Name(), Kind: KindTransient, Err: errors.New("no choices")}
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, &Error{Provider: o.Name(), Kind: KindInvalidRequest,
			Err: errors.New("refused: " + choice.Message.Refusal)}
	}
	return &Result{
		Content: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (o *OpenAI) params(items []chat.ContextItem, cfg Config) (openai.ChatCompletionNewParams, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(items)+1)
	if cfg.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: param.NewOpt(cfg.SystemPrompt),
				},
			},
		})
	}
	for _, item := range items {
		switch item.Role {
		case chat.RoleSystem:
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: param.NewOpt(item.Content),
					},
				},
			})
		case chat.RoleUser:
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: param.NewOpt(item.Content),
					},
				},
			})
		case chat.RoleAssistant:
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: param.NewOpt(item.Content),
					},
				},
			})
		default:
			return openai.ChatCompletionNewParams{}, &Error{
				Provider: o.Name(), Kind: KindInvalidRequest,
				Err: errors.New("unexpected role: " + string(item.Role)),
			}
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    cfg.Model,
	}
	if cfg.Temperature > 0 {
		params.Temperature = param.NewOpt(float64(cfg.Temperature))
	}
	if cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(cfg.MaxTokens))
	}
	return params, nil
}

// classifyErr prefers the typed HTTP status over message matching.
func (o *OpenAI) classifyErr(err error) *Error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &Error{Provider: o.Name(), Kind: kindFromStatus(apierr.StatusCode), Err: err}
	}
	return classify(o.Name(), err)
}
