package azureopenai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tickerchat/chat-core/internal/provider"
)

// AzureProvider is the fallback, managed-endpoint adapter. Azure OpenAI uses
// an "api-key" header instead of Bearer auth, routes through a per-deployment
// path segment, and requires an api-version query parameter.
type AzureProvider struct {
	apiKey     string
	endpoint   string // e.g. https://myresource.openai.azure.com
	deployment string
	apiVersion string
}

type azureRequest struct {
	Messages    []azureMessage `json:"messages"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
}

type azureMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type azureResponse struct {
	ID      string        `json:"id"`
	Choices []azureChoice `json:"choices"`
	Usage   azureUsage    `json:"usage"`
	Model   string        `json:"model"`
}

type azureChoice struct {
	Message azureMessage `json:"message"`
	Delta   azureDelta   `json:"delta"`
}

type azureDelta struct {
	Content string `json:"content"`
}

type azureUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(apiKey, endpoint, deployment, apiVersion string) provider.Provider {
	return &AzureProvider{
		apiKey:     apiKey,
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		deployment: deployment,
		apiVersion: apiVersion,
	}
}

func (p *AzureProvider) url() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		p.endpoint, p.deployment, p.apiVersion)
}

func (p *AzureProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()

	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.url(), bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", p.apiKey)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("azure openai api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var azureResp azureResponse
	if err := json.NewDecoder(resp.Body).Decode(&azureResp); err != nil {
		return nil, err
	}

	if len(azureResp.Choices) == 0 {
		return nil, fmt.Errorf("azure openai api returned no choices")
	}

	model := azureResp.Model
	if model == "" {
		model = p.deployment
	}

	return &provider.Response{
		ID:           azureResp.ID,
		Content:      azureResp.Choices[0].Message.Content,
		InputTokens:  azureResp.Usage.PromptTokens,
		OutputTokens: azureResp.Usage.CompletionTokens,
		Model:        model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *AzureProvider) mapRequest(req *provider.Request) azureRequest {
	messages := make([]azureMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = azureMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	// The deployment, not the request, picks the model on Azure.
	return azureRequest{
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

func (p *AzureProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	azureReq := p.mapRequest(req)
	azureReq.Stream = true
	body, err := json.Marshal(azureReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.url(), bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", p.apiKey)

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			emit(ctx, ch, &provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			emit(ctx, ch, &provider.Chunk{Err: fmt.Errorf("azure openai api error (status %d): %s", resp.StatusCode, string(respBody))})
			return
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					emit(ctx, ch, &provider.Chunk{Done: true})
					return
				}
				emit(ctx, ch, &provider.Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				emit(ctx, ch, &provider.Chunk{Done: true})
				return
			}

			var azureResp azureResponse
			if err := json.Unmarshal([]byte(data), &azureResp); err != nil {
				emit(ctx, ch, &provider.Chunk{Err: err})
				return
			}

			if len(azureResp.Choices) > 0 {
				content := azureResp.Choices[0].Delta.Content
				if content != "" {
					if !emit(ctx, ch, &provider.Chunk{Delta: content}) {
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func emit(ctx context.Context, ch chan<- *provider.Chunk, chunk *provider.Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *AzureProvider) Name() string {
	return "azure-openai"
}

func (p *AzureProvider) DefaultModel() string {
	return p.deployment
}
