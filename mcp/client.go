package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

// Provider AI provider type
type Provider string

const (
	ProviderDeepSeek Provider = "deepseek"
	ProviderQwen     Provider = "qwen"
	ProviderGroq     Provider = "groq"
	ProviderCustom   Provider = "custom"
)

// Client AI API configuration
type Client struct {
	Provider   Provider
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	UseFullURL bool // use BaseURL as-is, don't append /chat/completions

	httpClient *http.Client
}

// New creates a client with the Groq defaults
func New() *Client {
	return &Client{
		Provider: ProviderGroq,
		BaseURL:  "https://api.groq.com/openai/v1",
		Model:    "llama-3.1-70b-versatile",
		Timeout:  120 * time.Second,
	}
}

// SetDeepSeekAPIKey configures the DeepSeek endpoint
func (cfg *Client) SetDeepSeekAPIKey(apiKey string) {
	cfg.Provider = ProviderDeepSeek
	cfg.APIKey = apiKey
	cfg.BaseURL = "https://api.deepseek.com/v1"
	cfg.Model = "deepseek-chat"
}

// SetQwenAPIKey configures the Aliyun Qwen compatible-mode endpoint
func (cfg *Client) SetQwenAPIKey(apiKey string) {
	cfg.Provider = ProviderQwen
	cfg.APIKey = apiKey
	cfg.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	cfg.Model = "qwen-plus"
}

// SetGroqAPIKey configures the Groq endpoint. model "" selects the default.
func (cfg *Client) SetGroqAPIKey(apiKey string, model string) {
	cfg.Provider = ProviderGroq
	cfg.APIKey = apiKey
	cfg.BaseURL = "https://api.groq.com/openai/v1"
	if model == "" {
		cfg.Model = "llama-3.1-70b-versatile"
	} else {
		cfg.Model = model
	}
	// 70B models need more headroom
	if strings.Contains(strings.ToLower(model), "70b") {
		cfg.Timeout = 180 * time.Second
	} else {
		cfg.Timeout = 120 * time.Second
	}
}

// SetCustomAPI configures any OpenAI-format endpoint. A URL ending in "#"
// is taken as the full completions URL, nothing appended.
func (cfg *Client) SetCustomAPI(apiURL, apiKey, modelName string) {
	cfg.Provider = ProviderCustom
	cfg.APIKey = apiKey
	if strings.HasSuffix(apiURL, "#") {
		cfg.BaseURL = strings.TrimSuffix(apiURL, "#")
		cfg.UseFullURL = true
	} else {
		cfg.BaseURL = apiURL
		cfg.UseFullURL = false
	}
	cfg.Model = modelName
	cfg.Timeout = 120 * time.Second
}

// CallWithMessages calls the AI API with system + user prompts, retrying
// transient failures with backoff. Honors ctx for shutdown.
func (cfg *Client) CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if cfg.APIKey == "" {
		return "", fmt.Errorf("AI API key not set")
	}

	maxRetries := 5
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			log.Printf("⚠️  AI API call failed, retrying (%d/%d)...", attempt, maxRetries)
		}

		result, err := cfg.callOnce(ctx, systemPrompt, userPrompt)
		if err == nil {
			if attempt > 1 {
				log.Printf("✓ AI API retry succeeded")
			}
			return result, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryableError(err) {
			return "", err
		}

		if attempt < maxRetries {
			// 5s, 10s, 20s, 30s - give the provider time to recover
			waitTime := time.Duration(5*(1<<(attempt-1))) * time.Second
			if waitTime > 30*time.Second {
				waitTime = 30 * time.Second
			}
			select {
			case <-time.After(waitTime):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	return "", fmt.Errorf("still failing after %d retries: %w", maxRetries, lastErr)
}

// callOnce performs a single API call
func (cfg *Client) callOnce(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []map[string]string{}
	if systemPrompt != "" {
		messages = append(messages, map[string]string{
			"role":    "system",
			"content": systemPrompt,
		})
	}
	messages = append(messages, map[string]string{
		"role":    "user",
		"content": userPrompt,
	})

	requestBody := map[string]interface{}{
		"model":       cfg.Model,
		"messages":    messages,
		"temperature": 0.5,  // lower temperature keeps the JSON stable
		"max_tokens":  4000, // room for chain of thought + JSON
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to serialize request: %w", err)
	}

	var url string
	if cfg.UseFullURL {
		url = cfg.BaseURL
	} else {
		url = fmt.Sprintf("%s/chat/completions", cfg.BaseURL)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", cfg.APIKey))

	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}
	resp, err := cfg.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("API returned empty response")
	}

	return result.Choices[0].Message.Content, nil
}

// isRetryableError reports whether an error is worth retrying
func isRetryableError(err error) bool {
	errStr := err.Error()
	retryableErrors := []string{
		"EOF",
		"timeout",
		"connection reset",
		"connection refused",
		"forcibly closed",
		"temporary failure",
		"no such host",
		"broken pipe",
		"network is unreachable",
		"status 429",
		"status 500",
		"status 502",
		"status 503",
	}
	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
