package charpage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBaseURL is the official AQW character page
	DefaultBaseURL = "https://account.aq.com/CharPage"

	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	maxBodySize = 2 << 20
)

var (
	// ErrCharacterNotFound means the page loaded but the character is inactive or does not exist
	ErrCharacterNotFound = errors.New("character is inactive or does not exist")

	// ErrUnparseable means the page loaded but no character name could be found on it
	ErrUnparseable = errors.New("could not find character data on the page")
)

// HTTPError is returned when the character page answers with a non-200 status
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("character page returned status %d", e.StatusCode)
}

// Client fetches and parses AQW character pages with rate limiting
type Client struct {
	baseURL    string
	httpClient *http.Client

	// Simple rate limiter
	mu          sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
	retryDelay  time.Duration
}

// NewClient creates a new character page client; an empty baseURL uses DefaultBaseURL
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		// The site is a public web page, not an API: stay well below one request per second
		minInterval: 1500 * time.Millisecond,
		retryDelay:  2 * time.Second,
	}
}

// Fetch retrieves the character page for identifier and extracts the character record
func (c *Client) Fetch(ctx context.Context, identifier string) (*Record, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("character identifier is empty")
	}

	endpoint := c.PageURL(identifier)

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch character %q: %w", identifier, err)
	}

	record, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse character %q: %w", identifier, err)
	}

	return record, nil
}

// PageURL returns the public character page address for identifier
func (c *Client) PageURL(identifier string) string {
	return fmt.Sprintf("%s?id=%s", c.baseURL, url.QueryEscape(strings.TrimSpace(identifier)))
}

// wait blocks until the minimum interval since the previous request has passed
func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elapsed := time.Since(c.lastRequest); elapsed < c.minInterval {
		timer := time.NewTimer(c.minInterval - elapsed)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	c.lastRequest = time.Now()
	return nil
}

// doRequest performs an HTTP request with rate limiting
func (c *Client) doRequest(ctx context.Context, endpoint string) (*http.Response, error) {
	send := func() (*http.Response, error) {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		return c.httpClient.Do(req)
	}

	resp, err := send()
	if err != nil {
		return nil, err
	}

	// Handle rate limiting (429)
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		// Wait and retry once
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
		return send()
	}

	return resp, nil
}

// get performs a GET request and returns the page body
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	resp, err := c.doRequest(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return body, nil
}
