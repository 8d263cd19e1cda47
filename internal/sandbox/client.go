// Package sandbox correlates sessions with ephemeral compute units owned by
// an external sandbox provider. The provider is opaque: this package talks
// to its HTTP control plane and never learns how code runs inside.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// APIKeyProvider is a function that returns the current sandbox API key.
type APIKeyProvider func() string

// Client handles communication with the sandbox provider service.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	logger         *logrus.Logger
	apiKeyProvider APIKeyProvider

	// Sandbox creation is the provider's most expensive call; the limiter
	// keeps a burst of turns from stampeding it.
	createLimiter *rate.Limiter
}

// CreateRequest asks the provider for a fresh sandbox.
type CreateRequest struct {
	Template string            `json:"template"`
	Timeout  int               `json:"timeout,omitempty"` // seconds
	Env      map[string]string `json:"env,omitempty"`
}

// CreateResponse identifies the new sandbox.
type CreateResponse struct {
	SandboxID string `json:"sandbox_id"`
}

// ExecuteRequest runs a program inside a sandbox.
type ExecuteRequest struct {
	Code    string `json:"code"`
	Timeout int    `json:"timeout,omitempty"` // seconds
}

// Usage reports token and cost figures for one execution.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// ExecuteResponse is the outcome of running a program.
type ExecuteResponse struct {
	Success       bool     `json:"success"`
	Result        string   `json:"result"`
	Stdout        string   `json:"stdout"`
	Stderr        string   `json:"stderr"`
	Error         *string  `json:"error"`
	Usage         *Usage   `json:"usage,omitempty"`
	ExecutionTime *float64 `json:"execution_time"`
}

// NewClient creates a sandbox client against the given service base URL.
func NewClient(baseURL string) *Client {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if baseURL == "" {
		baseURL = os.Getenv("SANDBOX_SERVICE_URL")
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 330 * time.Second, // allow a 5 min execution plus overhead
		},
		logger:        logger,
		createLimiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// SetAPIKeyProvider sets a function that provides the sandbox API key.
func (c *Client) SetAPIKeyProvider(provider APIKeyProvider) {
	c.apiKeyProvider = provider
}

func (c *Client) getAPIKey() string {
	if c.apiKeyProvider != nil {
		if key := c.apiKeyProvider(); key != "" {
			return key
		}
	}
	return os.Getenv("SANDBOX_API_KEY")
}

// HealthCheck checks if the sandbox service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed: status=%d, body=%s", resp.StatusCode, string(body))
	}
	return nil
}

// Create provisions a fresh sandbox from the template.
func (c *Client) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := c.createLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"template": req.Template,
		"timeout":  req.Timeout,
	}).Info("Creating sandbox")

	var out CreateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sandboxes", req, &out); err != nil {
		return "", err
	}
	if out.SandboxID == "" {
		return "", fmt.Errorf("sandbox service returned empty sandbox id")
	}
	return out.SandboxID, nil
}

// Execute runs a program in the given sandbox.
func (c *Client) Execute(ctx context.Context, sandboxID string, req ExecuteRequest) (*ExecuteResponse, error) {
	c.logger.WithFields(logrus.Fields{
		"sandbox_id":  sandboxID,
		"code_length": len(req.Code),
		"timeout":     req.Timeout,
	}).Info("Executing program in sandbox")

	var out ExecuteResponse
	path := fmt.Sprintf("/sandboxes/%s/execute", sandboxID)
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"sandbox_id": sandboxID,
		"success":    out.Success,
		"has_stdout": len(out.Stdout) > 0,
		"has_stderr": len(out.Stderr) > 0,
	}).Info("Program execution completed")

	return &out, nil
}

// Pause suspends the sandbox so it can be resumed later.
func (c *Client) Pause(ctx context.Context, sandboxID string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/sandboxes/%s/pause", sandboxID), nil, nil)
}

// Resume wakes a paused sandbox.
func (c *Client) Resume(ctx context.Context, sandboxID string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/sandboxes/%s/resume", sandboxID), nil, nil)
}

// Kill destroys the sandbox. The provider treats killing an already-gone
// sandbox as success.
func (c *Client) Kill(ctx context.Context, sandboxID string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/sandboxes/%s", sandboxID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey := c.getAPIKey(); apiKey != "" {
		req.Header.Set("X-Sandbox-API-Key", apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sandbox call failed: status=%d, body=%s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
