package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"reading-service/internal/infra"
)

// Options controls how the scribe client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client talks to the upstream text-generation API. The API answers either
// with one complete JSON document or, when streaming is negotiated, with an
// NDJSON sequence of typed blocks. Both shapes are surfaced unchanged through
// Outcome; normalization into log events is the task runner's job.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient validates options and applies defaults.
func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0}
	}
	return &Client{
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		model:      opts.Model,
		httpClient: httpClient,
		logger:     opts.Logger,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type generateRequest struct {
	Model  string          `json:"model,omitempty"`
	Input  json.RawMessage `json:"input"`
	Stream bool            `json:"stream"`
}

type generateResponse struct {
	Meta   json.RawMessage `json:"meta,omitempty"`
	Result json.RawMessage `json:"result"`
}

// Generate issues one generation call. The response content type decides the
// outcome shape: application/x-ndjson yields a block stream, anything JSON
// yields a single result.
func (c *Client) Generate(ctx context.Context, payload json.RawMessage) (*Outcome, error) {
	body, err := json.Marshal(generateRequest{Model: c.model, Input: payload, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson, application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate call: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("generate call: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/x-ndjson" {
		if c.logger != nil {
			c.logger.Debug().Str("model", c.model).Msg("scribe: streaming response")
		}
		return &Outcome{Stream: newNDJSONStream(resp.Body)}, nil
	}

	defer resp.Body.Close()
	var single generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&single); err != nil {
		return nil, fmt.Errorf("decode generate response: %w", err)
	}
	return &Outcome{Meta: single.Meta, Result: single.Result}, nil
}

// ndjsonStream reads one JSON block per line. Lines that do not parse come
// back with an empty Type so the runner can skip them without aborting.
type ndjsonStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newNDJSONStream(body io.ReadCloser) *ndjsonStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &ndjsonStream{body: body, scanner: scanner}
}

func (s *ndjsonStream) Next(ctx context.Context) (Block, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Block{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				// The body is tied to the request context, so a cancelled
				// run surfaces here as a read error.
				if ctxErr := ctx.Err(); ctxErr != nil {
					return Block{}, ctxErr
				}
				return Block{}, err
			}
			return Block{}, io.EOF
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var blk Block
		if err := json.Unmarshal(line, &blk); err != nil {
			return Block{}, nil
		}
		return blk, nil
	}
}

func (s *ndjsonStream) Close() error {
	// Drain briefly so the connection can be reused, then close.
	_, _ = io.Copy(io.Discard, io.LimitReader(s.body, 4096))
	return s.body.Close()
}
