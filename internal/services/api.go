// Raw HTTP client shared by the provider and cover services
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// APIService makes raw HTTP requests against a base URL.
//
// Every request carries the configured headers and cookies. An empty base URL means paths are
// absolute URLs.
type APIService struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
	cookies    []*http.Cookie
}

// NewAPIService creates a new API service instance.
func NewAPIService(baseURL string, client *http.Client) *APIService {
	if client == nil {
		client = http.DefaultClient
	}

	return &APIService{
		baseURL:    baseURL,
		httpClient: client,
		headers:    http.Header{},
	}
}

// SetHeader sets a header sent with every request.
func (a *APIService) SetHeader(key, value string) {
	if value == "" {
		a.headers.Del(key)
		return
	}
	a.headers.Set(key, value)
}

// SetCookie adds or replaces a cookie sent with every request. An empty value removes it.
func (a *APIService) SetCookie(name, value string) {
	kept := a.cookies[:0]
	for _, c := range a.cookies {
		if c.Name != name {
			kept = append(kept, c)
		}
	}
	a.cookies = kept
	if value != "" {
		a.cookies = append(a.cookies, &http.Cookie{Name: name, Value: value})
	}
}

// APIResponse represents a raw API response with status and body.
type APIResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	IsJSON     bool
	JSONData   any
}

// OK reports whether the status code is 2xx.
func (r *APIResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the body into v.
func (r *APIResponse) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Get performs a GET request to the specified path and returns the raw response.
func (a *APIService) Get(ctx context.Context, path string) (*APIResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range a.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	for _, c := range a.cookies {
		req.AddCookie(c)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	apiResp := &APIResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       raw,
	}

	var jsonData any
	if err := json.Unmarshal(raw, &jsonData); err == nil {
		apiResp.IsJSON = true
		apiResp.JSONData = jsonData
	}

	return apiResp, nil
}
