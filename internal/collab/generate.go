package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/swarmauri/peagen/internal/ir"
)

// maxResponseBytes bounds a generator response body.
const maxResponseBytes = 32 << 20

// HTTPGenerator posts generation requests as JSON to an endpoint:
//
//	request:  {"path": ..., "prompt": ..., "context": {...}, "dependencies": {"a.py": "..."}}
//	response: {"content": "..."}
//
// Any non-2xx status is a GenerationError carrying the status code.
type HTTPGenerator struct {
	URL    string
	Token  string
	Client *http.Client
}

// NewHTTPGenerator returns a generator for url with the given timeout.
func NewHTTPGenerator(url string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

type generateBody struct {
	Path         string            `json:"path"`
	Prompt       string            `json:"prompt"`
	Context      ir.IRObject       `json:"context"`
	Dependencies map[string]string `json:"dependencies"`
}

type generateResponse struct {
	Content *string `json:"content"`
	Error   string  `json:"error,omitempty"`
}

// Generate sends req to the endpoint and returns the generated content.
func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) ([]byte, error) {
	if g.URL == "" {
		return nil, &GenerationError{Path: req.Path, Err: errors.New("no generator endpoint configured")}
	}

	deps := make(map[string]string, len(req.Dependencies))
	for p, out := range req.Dependencies {
		deps[p] = string(out)
	}
	ctxObj := req.Context
	if ctxObj == nil {
		ctxObj = ir.IRObject{}
	}
	encoded, err := json.Marshal(generateBody{
		Path:         req.Path,
		Prompt:       req.Prompt,
		Context:      ctxObj,
		Dependencies: deps,
	})
	if err != nil {
		return nil, &GenerationError{Path: req.Path, Err: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(encoded))
	if err != nil {
		return nil, &GenerationError{Path: req.Path, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.Token)
	}

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &GenerationError{Path: req.Path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &GenerationError{Path: req.Path, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	var decoded generateResponse
	jsonErr := json.Unmarshal(body, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(body)
		if jsonErr == nil && decoded.Error != "" {
			msg = decoded.Error
		}
		return nil, &GenerationError{Path: req.Path, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	if jsonErr != nil {
		return nil, &GenerationError{Path: req.Path, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", jsonErr)}
	}
	if decoded.Content == nil {
		return nil, &GenerationError{Path: req.Path, StatusCode: resp.StatusCode, Err: errors.New("response has no content")}
	}
	return []byte(*decoded.Content), nil
}
