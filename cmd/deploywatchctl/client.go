package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type apiClient struct {
	baseURL string
	http    *http.Client
}

func newClient() *apiClient {
	return &apiClient{
		baseURL: serverURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *apiClient) do(method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user := resolvedUser(); user != "" {
		req.Header.Set("X-Remote-User", user)
	}
	if role := resolvedRole(); role != "" {
		req.Header.Set("X-Remote-Role", role)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// getJSON performs a GET request and decodes the response.
func (c *apiClient) getJSON(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

// postJSON performs a POST request with a JSON body and decodes the response.
func (c *apiClient) postJSON(path string, body any, v any) error {
	return c.do(http.MethodPost, path, body, v)
}

// putJSON performs a PUT request with a JSON body and decodes the response.
func (c *apiClient) putJSON(path string, body any, v any) error {
	return c.do(http.MethodPut, path, body, v)
}

// getRaw performs a GET request and returns the raw body, used for report
// export where the server already renders CSV.
func (c *apiClient) getRaw(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if user := resolvedUser(); user != "" {
		req.Header.Set("X-Remote-User", user)
	}
	if role := resolvedRole(); role != "" {
		req.Header.Set("X-Remote-Role", role)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
