package transcription

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is the OpenAI transcription model used when none is configured
const DefaultModel = string(openai.AudioModelWhisper1)

var _ Client = (*OpenAIClient)(nil)
var _ Client = (*HTTPClient)(nil)

// OpenAIClient transcribes segments with the OpenAI audio API
type OpenAIClient struct {
	client openai.Client
	*limiter
}

// NewOpenAIClient creates a client for the OpenAI audio transcription API.
// A non-empty Endpoint overrides the API base URL.
func NewOpenAIClient(config Config) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{
			Timeout: config.Timeout,
		}),
	}
	if config.Endpoint != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(config.Endpoint))
	}

	return &OpenAIClient{
		client:  openai.NewClient(reqOpts...),
		limiter: newLimiter(config.MaxConcurrent),
	}, nil
}

// Transcribe sends one segment. There are no retries.
func (c *OpenAIClient) Transcribe(ctx context.Context, request *Request) (*Response, error) {
	filename := request.Filename
	if filename == "" {
		filename = "audio.wav"
	}

	model := request.Model
	if model == "" {
		model = DefaultModel
	}

	params := openai.AudioTranscriptionNewParams{
		File:        openai.File(bytes.NewReader(request.Audio), filename, "audio/wav"),
		Model:       openai.AudioModel(model),
		Temperature: openai.Float(request.Temperature),
	}
	if request.Language != "" {
		params.Language = openai.String(request.Language)
	}
	if request.Prompt != "" {
		params.Prompt = openai.String(request.Prompt)
	}

	var response *Response
	err := c.do(ctx, func() error {
		transcription, err := c.client.Audio.Transcriptions.New(ctx, params)
		if err != nil {
			return fmt.Errorf("openai transcription: %w", err)
		}
		response = &Response{Text: transcription.Text, Language: request.Language}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}
