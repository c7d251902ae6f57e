package wiki

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the AQW fan wiki
	DefaultBaseURL = "http://aqwwiki.wikidot.com"

	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	maxBodySize = 2 << 20
)

// ErrNotFound is returned when no slug variation leads to a real wiki page
var ErrNotFound = errors.New("wiki page not found")

// Client looks up items, quests and other pages on the wiki
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new wiki client; an empty baseURL uses DefaultBaseURL
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Lookup tries each slug variation of name and returns the first page with real content
func (c *Client) Lookup(ctx context.Context, name string) (*Page, error) {
	slugs := SlugVariations(name)
	if len(slugs) == 0 {
		return nil, ErrNotFound
	}

	for _, slug := range slugs {
		pageURL := c.baseURL + "/" + slug

		body, err := c.get(ctx, pageURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch wiki page %s: %w", slug, err)
		}
		if body == nil {
			continue
		}

		page, err := Parse(body, c.baseURL)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse wiki page %s: %w", slug, err)
		}

		page.URL = pageURL
		if page.Title == "" {
			page.Title = name
		}
		return page, nil
	}

	return nil, ErrNotFound
}

// get returns the page body, or nil when the wiki answered with a non-200 status
func (c *Client) get(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
