package marketdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// RESTClient fetches batch quotes over HTTP. It is the fallback data source
// when the streaming connection is unavailable.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	now        func() time.Time
}

// NewRESTClient creates a quotes client.
//
// baseURL is the API root; quotes are read from {baseURL}/quotes.
func NewRESTClient(baseURL, token string) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// FetchQuotes returns one tick per symbol the server knows about. Entries
// the server rejects, such as unknown symbols, come back in Rejected.
func (c *RESTClient) FetchQuotes(ctx context.Context, symbols []string) (QuoteBatch, error) {
	if len(symbols) == 0 {
		return QuoteBatch{}, nil
	}

	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))

	body, err := c.doGet(ctx, "/quotes?"+params.Encode())
	if err != nil {
		return QuoteBatch{}, fmt.Errorf("marketdata/rest: fetch quotes: %w", err)
	}

	batch, err := DecodeQuotes(body, c.now())
	if err != nil {
		return QuoteBatch{}, fmt.Errorf("marketdata/rest: decode quotes: %w", err)
	}
	return batch, nil
}

// doGet sends a GET request and returns the body of a 2xx response.
func (c *RESTClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
