// Package transform is the client of the external transformation service
// called by CallAPI actions.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultTimeout = 5 * time.Minute

	// MaxResponseSize is the maximum response body size (64MB)
	MaxResponseSize = 64 * 1024 * 1024

	// MaxRequestSize is the maximum request body size (64MB)
	MaxRequestSize = 64 * 1024 * 1024
)

// Config holds transformation service client configuration
type Config struct {
	BaseURL         string
	Token           string
	GitAPIURL       string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Client posts function calls to the transformation service
type Client struct {
	client *http.Client
	cfg    Config
	logger ectologger.Logger
}

func NewClient(cfg Config, logger ectologger.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:    cfg.MaxIdleConns,
		IdleConnTimeout: cfg.IdleConnTimeout,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// ItemsURL normalizes a service host to its items/ endpoint.
func ItemsURL(host string) string {
	if !strings.Contains(host, "items") {
		if strings.HasSuffix(host, "/") {
			return host + "items/"
		}
		return host + "/items/"
	}
	if strings.HasSuffix(host, "/") {
		return host
	}
	return host + "/"
}

// Call posts req to the service and decodes its reply. A non-200 status is
// returned as a *StatusError.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "transform.Client.Call")
	defer span.End()

	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("transformation service host is not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if len(body) > MaxRequestSize {
		return nil, fmt.Errorf("request body too large: %d bytes (max %d)", len(body), MaxRequestSize)
	}

	endpoint := ItemsURL(c.cfg.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		httpReq.SetBasicAuth(c.cfg.Token, c.cfg.Token)
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"url":      endpoint,
		"function": req.Func,
	}).Info("Calling transformation service")

	status, raw, err := c.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Body: string(raw)}
	}

	return decodeResponse(raw)
}

// CommitID asks the git API for the latest commit of the script file a
// request runs. It returns "" when no git API is configured.
func (c *Client) CommitID(ctx context.Context, req CommitRequest) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "transform.Client.CommitID")
	defer span.End()

	if c.cfg.GitAPIURL == "" {
		return "", nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode commit request: %w", err)
	}

	endpoint := strings.TrimSuffix(c.cfg.GitAPIURL, "/") + "/get_commit/"
	if req.Token != "" {
		endpoint += "?" + url.Values{"token": {req.Token}}.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	status, raw, err := c.do(ctx, httpReq)
	if err != nil {
		return "", err
	}

	var reply struct {
		CommitID string `json:"commit_id"`
		Detail   string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("failed to decode commit response: %w", err)
	}
	if status != http.StatusOK {
		return "", &StatusError{StatusCode: status, Body: reply.Detail}
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"repo":      req.Repo,
		"file_path": req.FilePath,
		"commit_id": reply.CommitID,
	}).Info("Retrieved commit id")

	return reply.CommitID, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) (int, []byte, error) {
	if tp := tracing.TraceParent(ctx); tp != "" {
		req.Header.Set("traceparent", tp)
	}
	start := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.RecordTransformCall("error", time.Since(start).Seconds())
		c.logger.WithContext(ctx).WithError(err).Errorf("HTTP request failed: %s %s", req.Method, req.URL.String())
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.RecordTransformCall(strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	if resp.ContentLength > MaxResponseSize {
		return 0, nil, fmt.Errorf("response too large: %d bytes (max %d)", resp.ContentLength, MaxResponseSize)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxResponseSize {
		return 0, nil, fmt.Errorf("response body too large: %d bytes (max %d)", len(body), MaxResponseSize)
	}

	c.logger.WithContext(ctx).Debugf("HTTP %s %s -> %d (%s)",
		req.Method, req.URL.String(), resp.StatusCode, time.Since(start))

	return resp.StatusCode, body, nil
}
