package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Call sends a single prompt to OpenRouter and returns its output. When
// req.JSONMode is set, a malformed or schema-invalid reply triggers a bounded
// self-repair loop: the model is shown its own output and the validation
// failure, and asked to try again.
func (c *OpenRouterClient) Call(ctx context.Context, req *CallRequest) (*CallResult, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	orReq := openRouterRequest{
		Model:       model,
		Messages:    make([]openRouterMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Usage:       &openRouterUsageRequest{Include: true},
	}
	for _, m := range req.Messages {
		orReq.Messages = append(orReq.Messages, openRouterMessage{Role: m.Role, Content: m.Content})
	}
	if req.ReasoningEffort != "" {
		orReq.Reasoning = &openRouterReasoning{Effort: req.ReasoningEffort}
	}
	if req.JSONMode {
		format, err := adaptedResponseFormat(model, req.JSONSchema)
		if err != nil {
			return &CallResult{
				RequestID: requestID, Provider: OpenRouterName, ModelUsed: model,
				Success: false, ErrorType: "schema_adapter", ErrorMessage: err.Error(),
				ExecutionTime: time.Since(start),
			}, fmt.Errorf("failed to adapt structured schema: %w", err)
		}
		orReq.ResponseFormat = format
	}

	result := &CallResult{RequestID: requestID, Provider: OpenRouterName, ModelUsed: model}

	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1

		orResp, httpErr := c.doRequest(ctx, "/chat/completions", &orReq)
		if httpErr != nil {
			result.Success = false
			result.ErrorType = "http_error"
			result.ErrorMessage = httpErr.Error()
			result.ExecutionTime = time.Since(start)
			return result, httpErr
		}
		if orResp.Error != nil {
			result.Success = false
			result.ErrorType = "api_error"
			result.ErrorMessage = orResp.Error.Message
			result.ExecutionTime = time.Since(start)
			return result, fmt.Errorf("OpenRouter API error: %s", orResp.Error.Message)
		}
		if len(orResp.Choices) == 0 {
			result.Success = false
			result.ErrorType = "empty_response"
			result.ErrorMessage = fmt.Sprintf("no choices in response (model=%s, id=%s)", orResp.Model, orResp.ID)
			result.ExecutionTime = time.Since(start)
			return result, fmt.Errorf("no choices in response (model=%s, id=%s)", orResp.Model, orResp.ID)
		}

		result.ModelUsed = orResp.Model
		result.PromptTokens += orResp.Usage.PromptTokens
		result.CompletionTokens += orResp.Usage.CompletionTokens
		result.TotalTokens += orResp.Usage.TotalTokens
		if orResp.Usage.NativeTotalCost > 0 {
			result.CostUSD += orResp.Usage.NativeTotalCost
		} else if orResp.Usage.Cost > 0 {
			result.CostUSD += orResp.Usage.Cost
		}

		choice := orResp.Choices[0]
		if choice.Message.Reasoning != "" {
			result.Reasoning = choice.Message.Reasoning
		}

		content := ""
		if choice.Message.Content != nil {
			switch v := choice.Message.Content.(type) {
			case string:
				content = v
			default:
				b, err := json.Marshal(v)
				if err != nil {
					result.Success = false
					result.ErrorType = "content_marshal_error"
					result.ErrorMessage = fmt.Sprintf("failed to marshal content: %v", err)
					result.ExecutionTime = time.Since(start)
					return result, fmt.Errorf("failed to marshal content: %w", err)
				}
				content = string(b)
			}
		}
		result.OutputText = content

		if !req.JSONMode {
			result.Success = true
			result.ExecutionTime = time.Since(start)
			return result, nil
		}

		parsed, parseErr := parseStructuredJSON(content)
		var validationErr error
		if parseErr == nil {
			validationErr = validateStructuredJSON(req.JSONSchema, parsed)
		}
		if parseErr == nil && validationErr == nil {
			result.Success = true
			result.ErrorType = ""
			result.ErrorMessage = ""
			result.ExecutionTime = time.Since(start)
			return result, nil
		}

		issue := parseErr
		result.ErrorType = "json_parse"
		if issue == nil {
			issue = validationErr
			result.ErrorType = "schema_validation"
		}
		result.ErrorMessage = issue.Error()

		if attempt >= maxStructuredRepairAttempts {
			result.Success = false
			result.ExecutionTime = time.Since(start)
			return result, nil
		}

		orReq.Messages = append(orReq.Messages,
			openRouterMessage{Role: "assistant", Content: content},
			openRouterMessage{Role: "user", Content: structuredRepairPrompt(req.JSONSchema, content, issue)},
		)
	}
}

// doRequest makes an HTTP request to OpenRouter with retry logic.
func (c *OpenRouterClient) doRequest(ctx context.Context, path string, orReq *openRouterRequest) (*openRouterResponse, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bodyBytes, err := json.Marshal(orReq)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("X-Title", "guidectl")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			c.sleepWithJitter(ctx, attempt)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			c.sleepWithJitter(ctx, attempt)
			continue
		}

		if c.shouldRetry(resp.StatusCode) {
			lastErr = fmt.Errorf("OpenRouter error (status %d): %s", resp.StatusCode, string(respBody))
			c.sleepWithJitter(ctx, attempt)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("OpenRouter error (status %d): %s", resp.StatusCode, string(respBody))
		}

		var orResp openRouterResponse
		if err := json.Unmarshal(respBody, &orResp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if retryable, respErr := c.shouldRetryResponse(&orResp); retryable {
			lastErr = respErr
			c.sleepWithJitter(ctx, attempt)
			continue
		}
		return &orResp, nil
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

// shouldRetry returns true for status codes worth retrying.
func (c *OpenRouterClient) shouldRetry(statusCode int) bool {
	switch statusCode {
	case 429:
		return true
	case 520, 521, 522, 523, 524:
		return true
	default:
		return statusCode >= 500
	}
}

// shouldRetryResponse checks for retryable content issues in a 200 OK body.
func (c *OpenRouterClient) shouldRetryResponse(resp *openRouterResponse) (bool, error) {
	if resp.Error != nil {
		code := fmt.Sprintf("%v", resp.Error.Code)
		switch code {
		case "overloaded", "rate_limit_exceeded", "503", "502", "500":
			return true, fmt.Errorf("OpenRouter API error (retryable): %s", resp.Error.Message)
		}
		return false, nil
	}
	if len(resp.Choices) == 0 {
		return true, fmt.Errorf("empty choices in response (model=%s, id=%s)", resp.Model, resp.ID)
	}
	return false, nil
}

// sleepWithJitter backs off with exponential delay plus jitter, respecting ctx.
func (c *OpenRouterClient) sleepWithJitter(ctx context.Context, attempt int) {
	baseDelay := c.retryDelay * time.Duration(1<<attempt)
	if baseDelay > 10*time.Second {
		baseDelay = 10 * time.Second
	}
	jitter := time.Duration(float64(baseDelay) * (0.8 + 0.5*float64(time.Now().UnixNano()%1000)/1000))

	select {
	case <-ctx.Done():
	case <-time.After(jitter):
	}
}
