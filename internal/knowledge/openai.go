package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/herdwork/corral/internal/config"
)

const defaultOpenAIHost = "https://api.openai.com"

// OpenAIProvider embeds through the OpenAI-compatible /v1/embeddings
// endpoint. Batches are sent as one request.
type OpenAIProvider struct {
	host      string
	model     string
	dimension int
	apiKey    string
	client    *http.Client
}

// NewOpenAIProvider builds the provider from configuration. The API
// key is read from the environment variable named in the config, so
// secrets stay out of config files.
func NewOpenAIProvider(pc config.ProviderConfig) *OpenAIProvider {
	timeout := time.Duration(pc.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	host := pc.Host
	if host == "" {
		host = defaultOpenAIHost
	}
	keyEnv := pc.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	return &OpenAIProvider{
		host:      host,
		model:     pc.Model,
		dimension: pc.Dimension,
		apiKey:    os.Getenv(keyEnv),
		client:    &http.Client{Timeout: timeout},
	}
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Available only requires a configured key; the endpoint itself is
// not probed, a failed call falls through the chain anyway.
func (p *OpenAIProvider) Available(ctx context.Context) bool {
	return p.apiKey != ""
}

// Embed sends the whole batch in one request.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openAIEmbedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling openai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("openai returned %d: %s", resp.StatusCode, msg)
	}
	var out openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(out.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("openai returned out-of-range index %d", d.Index)
		}
		if len(d.Embedding) != p.dimension {
			return nil, fmt.Errorf("openai returned dimension %d, expected %d", len(d.Embedding), p.dimension)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func (p *OpenAIProvider) Dimension() int { return p.dimension }
func (p *OpenAIProvider) Model() string  { return p.model }
