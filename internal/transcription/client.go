package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Backend names accepted by New
const (
	BackendOpenAI = "openai"
	BackendHTTP   = "http"
)

var (
	// ErrEmptyEndpoint is returned when the HTTP backend has no endpoint
	ErrEmptyEndpoint = errors.New("endpoint cannot be empty")
	// ErrMissingAPIKey is returned when the OpenAI backend has no API key
	ErrMissingAPIKey = errors.New("API key cannot be empty")
	// ErrUnknownBackend is returned for an unsupported backend name
	ErrUnknownBackend = errors.New("unknown transcription backend")
	// ErrNotConfigured is returned by a Dispatcher that has no backend
	ErrNotConfigured = errors.New("transcription backend not configured")
)

// Request is one segment to be transcribed
type Request struct {
	Audio       []byte // Complete WAV container
	Filename    string
	Model       string
	Language    string
	Prompt      string
	Temperature float64
}

// Response is the backend's answer for one request
type Response struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcriber turns recorded audio into text. Implementations must be safe
// for concurrent use by many sessions.
type Transcriber interface {
	Transcribe(ctx context.Context, request *Request) (*Response, error)
}

// StatsReporter is implemented by backends that keep request statistics
type StatsReporter interface {
	Stats() ClientStats
}

// Config contains transcription client configuration
type Config struct {
	Backend       string
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
}

// Client is a Transcriber that can be drained on shutdown
type Client interface {
	Transcriber
	StatsReporter
	Close(ctx context.Context) error
}

// New creates the client selected by config.Backend
func New(config Config) (Client, error) {
	// Concrete constructors are unwrapped so a failure yields a nil Client
	switch config.Backend {
	case BackendOpenAI, "":
		client, err := NewOpenAIClient(config)
		if err != nil {
			return nil, err
		}
		return client, nil
	case BackendHTTP:
		client, err := NewHTTPClient(config)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, config.Backend)
	}
}

// HTTPClient posts segments as multipart forms to any endpoint that answers
// with a JSON object carrying a "text" field
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	*limiter
}

// NewHTTPClient creates a new multipart transcription client
func NewHTTPClient(config Config) (*HTTPClient, error) {
	if config.Endpoint == "" {
		return nil, ErrEmptyEndpoint
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPClient{
		config:     config,
		httpClient: httpClient,
		limiter:    newLimiter(config.MaxConcurrent),
	}, nil
}

// Transcribe sends one segment. There are no retries.
func (c *HTTPClient) Transcribe(ctx context.Context, request *Request) (*Response, error) {
	var response *Response
	err := c.do(ctx, func() error {
		var err error
		response, err = c.doRequest(ctx, request)
		return err
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}

// doRequest performs a single HTTP request to the transcription endpoint
func (c *HTTPClient) doRequest(ctx context.Context, request *Request) (*Response, error) {
	body, contentType, err := createMultipartRequest(request)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Speech-Stream-Service/1.0")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var transcriptionResp Response
	if err := json.Unmarshal(respBody, &transcriptionResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return &transcriptionResp, nil
}

// createMultipartRequest creates a multipart/form-data request body
func createMultipartRequest(request *Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := request.Filename
	if filename == "" {
		filename = "audio.wav"
	}

	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(request.Audio); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"response_format", "json"},
		{"temperature", fmt.Sprintf("%.2f", request.Temperature)},
	}
	if request.Model != "" {
		fields = append(fields, [2]string{"model", request.Model})
	}
	if request.Language != "" {
		fields = append(fields, [2]string{"language", request.Language})
	}
	if request.Prompt != "" {
		fields = append(fields, [2]string{"prompt", request.Prompt})
	}

	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}
