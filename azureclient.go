package switchboard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// azureOpenAIClient is the default InferenceClient, issuing chat-completion
// requests against an Azure OpenAI deployment's REST endpoint. Callers who
// need a different wire format supply their own InferenceClient via
// Config.ClientFactory (spec.md §1 — the inference client is an external
// collaborator, out of the core's scope).
type azureOpenAIClient struct {
	deployment Deployment
	http       *http.Client
}

func newAzureOpenAIClient(d Deployment) InferenceClient {
	return &azureOpenAIClient{
		deployment: d,
		http:       &http.Client{Timeout: d.Timeout},
	}
}

func (c *azureOpenAIClient) url() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(c.deployment.APIBase, "/"), c.deployment.Name, c.deployment.APIVersion)
}

type azureChatRequest struct {
	Messages  []Message      `json:"messages"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Stream    bool           `json:"stream"`
	Extra     map[string]any `json:"-"`
}

func (c *azureOpenAIClient) newHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	body := azureChatRequest{Messages: req.Messages, MaxTokens: req.MaxTokens, Stream: req.Stream}
	payload := map[string]any{
		"messages": body.Messages,
		"stream":   body.Stream,
	}
	if body.MaxTokens > 0 {
		payload["max_tokens"] = body.MaxTokens
	}
	for k, v := range req.Extra {
		payload[k] = v
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("azureclient: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(), bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("azureclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.deployment.APIKey)
	return httpReq, nil
}

type azureChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *azureOpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(c.deployment.Name, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(c.deployment.Name, resp); err != nil {
		return nil, err
	}

	var parsed azureChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &TransientUpstream{Deployment: c.deployment.Name, Err: fmt.Errorf("decode response: %w", err)}
	}
	content := ""
	if len(parsed.Choices) > 0 {
		content = parsed.Choices[0].Message.Content
	}
	return &Response{
		Deployment: c.deployment.Name,
		Content:    content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		Raw: parsed,
	}, nil
}

// CompleteStream issues a server-sent-events streaming completion, matching
// the Azure OpenAI `data: {...}` / `data: [DONE]` wire format.
func (c *azureOpenAIClient) CompleteStream(ctx context.Context, req Request) (*Stream, error) {
	req.Stream = true
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(c.deployment.Name, err)
	}
	if err := classifyStatus(c.deployment.Name, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
				Usage *struct {
					PromptTokens     int `json:"prompt_tokens"`
					CompletionTokens int `json:"completion_tokens"`
					TotalTokens      int `json:"total_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				select {
				case out <- StreamChunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			sc := StreamChunk{Raw: chunk}
			if len(chunk.Choices) > 0 {
				sc.Delta = chunk.Choices[0].Delta.Content
			}
			if chunk.Usage != nil {
				sc.Usage = &Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			select {
			case out <- sc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &Stream{Deployment: c.deployment.Name, chunks: out}, nil
}

func classifyTransportError(deployment string, err error) error {
	return &TransientUpstream{Deployment: deployment, Err: err}
}

func classifyStatus(deployment string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimited{Deployment: deployment, RetryAfter: parseRetryAfter(resp), Err: fmt.Errorf("azureclient: status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Unauthorized{Deployment: deployment, Err: fmt.Errorf("azureclient: status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusBadRequest:
		return &BadRequest{Deployment: deployment, Err: fmt.Errorf("azureclient: status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return &TransientUpstream{Deployment: deployment, Err: fmt.Errorf("azureclient: status %d", resp.StatusCode)}
	default:
		return &BadRequest{Deployment: deployment, Err: fmt.Errorf("azureclient: status %d", resp.StatusCode)}
	}
}

// parseRetryAfter parses a numeric-seconds or HTTP-date Retry-After header
// (spec.md §10.1 supplemented feature).
func parseRetryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
