package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/tollgate/internal/auth"
)

// apiClient talks to a running tollgate server.
type apiClient struct {
	baseURL string
	token   string
	apiKey  string
	owner   string

	// httpClient serves request/response calls; streams use streamClient,
	// which has no overall timeout.
	httpClient   *http.Client
	streamClient *http.Client
}

// clientOptions are the connection flags shared by client commands.
type clientOptions struct {
	configPath string
	server     string
	token      string
	apiKey     string
	owner      string
}

func newAPIClient(baseURL, token, apiKey, owner string) *apiClient {
	return &apiClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		apiKey:       apiKey,
		owner:        owner,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
	}
}

func (o clientOptions) client() (*apiClient, error) {
	baseURL, err := resolveHTTPBaseURL(resolveConfigPath(o.configPath), o.server)
	if err != nil {
		return nil, err
	}
	token := o.token
	if token == "" {
		token = os.Getenv("TOLLGATE_TOKEN")
	}
	return newAPIClient(baseURL, token, o.apiKey, o.owner), nil
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.owner != "" {
		req.Header.Set(auth.OwnerHeader, c.owner)
	}
	return req, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, payload, out any) error {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(path, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload, out any) error {
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *apiClient) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// stream posts payload and returns the open response. The caller closes the body.
func (c *apiClient) stream(ctx context.Context, path string, payload any) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(path, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func checkResponse(path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr != nil {
		return fmt.Errorf("request %s failed: %s (read body: %w)", path, resp.Status, readErr)
	}
	var apiErr struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("request %s failed: %s (%s: %s)", path, resp.Status, apiErr.Error.Code, apiErr.Error.Message)
	}
	if len(body) > 0 {
		return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("request %s failed: %s", path, resp.Status)
}

// resolveHTTPBaseURL uses serverAddr when given, otherwise the configured
// listen address.
func resolveHTTPBaseURL(configPath, serverAddr string) (string, error) {
	addr := strings.TrimSpace(serverAddr)
	if addr == "" {
		cfg, err := loadConfigOrDefault(configPath)
		if err != nil {
			return "", err
		}
		host := strings.TrimSpace(cfg.Server.Host)
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		addr = fmt.Sprintf("%s:%d", host, cfg.Server.HTTPPort)
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}
	return "http://" + strings.TrimRight(addr, "/"), nil
}
