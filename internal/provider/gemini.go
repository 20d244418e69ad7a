package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/parleyhq/parley/internal/chat"
)

// Gemini is an Adapter backed by the Google Gemini API.
type Gemini struct {
	client *genai.Client
}

var _ Adapter = (*Gemini)(nil)

// NewGemini creates the adapter.
func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) GenerateStream(ctx context.Context, items []chat.ContextItem, cfg Config, fn StreamFunc) (*Result, error) {
	gcfg, contents, err := g.convert(items, cfg)
	if err != nil {
		return nil, err
	}

	var (
		sb    strings.Builder
		usage Usage
		done  bool
	)
	for chunk, err := range g.client.Models.GenerateContentStream(ctx, cfg.Model, contents, gcfg) {
		if err != nil {
			return nil, g.classifyErr(err)
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		cand := chunk.Candidates[0]
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p.Text == "" {
					continue
				}
				if err := fn(p.Text); err != nil {
					return nil, err
				}
				sb.WriteString(p.Text)
			}
		}
		if chunk.UsageMetadata != nil {
			usage.PromptTokens = int(chunk.UsageMetadata.PromptTokenCount)
			usage.CompletionTokens = int(chunk.UsageMetadata.CandidatesTokenCount)
		}

		switch cand.FinishReason {
		case genai.FinishReasonUnspecified, "":
			// keep streaming
		case genai.FinishReasonStop, genai.FinishReasonMaxTokens:
			done = true
		case genai.FinishReasonSafety:
			return nil, &Error{Provider: g.Name(), Kind: KindInvalidRequest,
				Err: errors.New("response blocked by safety filter")}
		default:
			return nil, &Error{Provider: g.Name(), Kind: KindTransient,
				Err: fmt.Errorf("unexpected finish reason: %s", cand.FinishReason)}
		}
	}
	if !done {
		return nil, &Error{Provider: g.Name(), Kind: KindTransient,
			Err: errors.New("stream ended without finish reason")}
	}
	return &Result{Content: sb.String(), Usage: usage}, nil
}

func (g *Gemini) Generate(ctx context.Context, items []chat.ContextItem, cfg Config) (*Result, error) {
	gcfg, contents, err := g.convert(items, cfg)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Models.GenerateContent(ctx, cfg.Model, contents, gcfg)
	if err != nil {
		return nil, g.classifyErr(err)
	}
	if len(resp.Candidates) == 0 {
		return nil, &Error{Provider: g.Name(), Kind: KindTransient, Err: errors.New("no candidates")}
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return nil, &Error{Provider: g.Name(), Kind: KindInvalidRequest,
			Err: errors.New("response blocked by safety filter")}
	}

	var sb strings.Builder
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	var usage Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return &Result{Content: sb.String(), Usage: usage}, nil
}

// convert maps context items to Gemini contents. Consecutive items with
// the same role are merged; Gemini expects alternating user/model turns.
func (g *Gemini) convert(items []chat.ContextItem, cfg Config) (*genai.GenerateContentConfig, []*genai.Content, error) {
	gcfg := &genai.GenerateContentConfig{}
	if cfg.SystemPrompt != "" {
		gcfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(cfg.SystemPrompt)},
		}
	}
	if cfg.Temperature > 0 {
		t := cfg.Temperature
		gcfg.Temperature = &t
	}
	if cfg.MaxTokens > 0 {
		gcfg.MaxOutputTokens = int32(cfg.MaxTokens)
	}

	var contents []*genai.Content
	for _, item := range items {
		var role string
		switch item.Role {
		case chat.RoleUser:
			role = "user"
		case chat.RoleAssistant:
			role = "model"
		case chat.RoleSystem:
			// System items fold into the system instruction.
			if gcfg.SystemInstruction == nil {
				gcfg.SystemInstruction = &genai.Content{}
			}
			gcfg.SystemInstruction.Parts = append(gcfg.SystemInstruction.Parts,
				genai.NewPartFromText(item.Content))
			continue
		default:
			return nil, nil, &Error{Provider: g.Name(), Kind: KindInvalidRequest,
				Err: errors.New("unexpected role: " + string(item.Role))}
		}

		part := genai.NewPartFromText(item.Content)
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, part)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{part}})
	}
	if len(contents) == 0 {
		return nil, nil, &Error{Provider: g.Name(), Kind: KindInvalidRequest,
			Err: errors.New("no contents")}
	}
	return gcfg, contents, nil
}

func (g *Gemini) classifyErr(err error) *Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Provider: g.Name(), Kind: kindFromStatus(apiErr.Code), Err: err}
	}
	return classify(g.Name(), err)
}
