package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Whisper transcribes audio through the OpenAI transcription API.
type Whisper struct {
	client *openai.Client
	model  string
}

var _ Transcriber = (*Whisper)(nil)

// NewWhisper creates the transcriber. model defaults to whisper-1.
func NewWhisper(apiKey, baseURL, model string) *Whisper {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	client := openai.NewClient(opts...)
	return &Whisper{client: &client, model: model}
}

func (w *Whisper) Transcribe(ctx context.Context, audio []byte, contentType string) (string, error) {
	resp, err := w.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(w.model),
		File:  openai.File(bytes.NewReader(audio), fileName(contentType), contentType),
	})
	if err != nil {
		return "", fmt.Errorf("transcribing audio: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// fileName picks an extension the API recognizes for the content type.
func fileName(contentType string) string {
	switch contentType {
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/ogg":
		return "audio.ogg"
	case "audio/webm":
		return "audio.webm"
	case "audio/mp4", "audio/m4a":
		return "audio.m4a"
	default:
		return "audio.wav"
	}
}
