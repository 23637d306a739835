// Package clients are typed HTTP clients for the library API.
package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"booklibrary/internal/httpx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// base carries what every client shares: the server URL, the HTTP client
// and the bearer token once logged in.
type base struct {
	baseURL string
	http    *http.Client
	token   string
}

func newBase(baseURL string, hc *http.Client) base {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return base{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// SetToken sets the bearer token sent with every request.
func (b *base) SetToken(token string) { b.token = token }

// Token returns the bearer token in use, if any.
func (b *base) Token() string { return b.token }

func (b *base) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e httpx.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
