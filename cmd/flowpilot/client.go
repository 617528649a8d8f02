package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// apiClient talks to a running flowpilot server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d [%s]: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Msg)
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// clientFromFlags resolves the server URL: --server, then base_url.
func clientFromFlags() (*apiClient, error) {
	if serverURL != "" {
		return newAPIClient(serverURL), nil
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newAPIClient(cfg.BaseURL), nil
}

// do sends body as JSON and returns the raw response body. Statuses listed
// in accept are not errors even when they are not 2xx.
func (c *apiClient) do(ctx context.Context, method, path string, body any, accept ...int) ([]byte, int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 300 {
		return data, resp.StatusCode, nil
	}
	for _, s := range accept {
		if s == resp.StatusCode {
			return data, resp.StatusCode, nil
		}
	}
	apiErr := &apiError{Status: resp.StatusCode}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Msg == "" {
		apiErr.Msg = strings.TrimSpace(string(data))
	}
	return nil, resp.StatusCode, apiErr
}

func escape(s string) string { return url.PathEscape(s) }

// printJSON re-indents a JSON response for the terminal.
func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
