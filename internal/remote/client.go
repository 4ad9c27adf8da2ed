package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"example.com/pressync/internal/content"
)

// TotalPagesHeader carries the page count of a collection response.
const TotalPagesHeader = "X-WP-TotalPages"

const apiPath = "/wp-json/wp/v2/"

// Client issues the HTTP calls toward the remote site's REST API.
// It does not retry; failed fetches surface as content.ErrFetchFailed.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient configures a client for siteURL with a bounded request timeout.
func NewClient(siteURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(siteURL, "/"),
	}
}

// Page is one page of a remote collection.
type Page struct {
	Records    []content.RemoteRecord
	TotalPages int
}

// FetchPage retrieves page (1-based) of remoteType with embedded relations.
func (c *Client) FetchPage(ctx context.Context, remoteType string, page, pageSize int) (Page, error) {
	query := make(url.Values)
	query.Set("_embed", "1")
	query.Set("per_page", strconv.Itoa(pageSize))
	query.Set("page", strconv.Itoa(page))

	resp, err := c.get(ctx, remoteType, query)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("fetch %s page %d: remote returned %s: %w", remoteType, page, resp.Status, content.ErrFetchFailed)
	}

	records, err := decodeRecords(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("decode %s page %d: %v: %w", remoteType, page, err, content.ErrFetchFailed)
	}
	return Page{Records: records, TotalPages: totalPages(resp.Header)}, nil
}

// FetchSingle retrieves one record by remote id. A record the remote does
// not return yields nil without error.
func (c *Client) FetchSingle(ctx context.Context, remoteType string, remoteID int64) (*content.RemoteRecord, error) {
	query := make(url.Values)
	query.Set("_embed", "1")
	query.Set("include", strconv.FormatInt(remoteID, 10))

	resp, err := c.get(ctx, remoteType, query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s %d: remote returned %s: %w", remoteType, remoteID, resp.Status, content.ErrFetchFailed)
	}
	records, err := decodeRecords(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %s %d: %v: %w", remoteType, remoteID, err, content.ErrFetchFailed)
	}
	for i := range records {
		if records[i].RemoteID == remoteID {
			return &records[i], nil
		}
	}
	return nil, nil
}

func (c *Client) get(ctx context.Context, remoteType string, query url.Values) (*http.Response, error) {
	endpoint := c.baseURL + apiPath + url.PathEscape(remoteType) + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %v: %w", err, content.ErrFetchFailed)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %v: %w", endpoint, err, content.ErrFetchFailed)
	}
	return resp, nil
}

func totalPages(h http.Header) int {
	n, err := strconv.Atoi(strings.TrimSpace(h.Get(TotalPagesHeader)))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func decodeRecords(body io.Reader) ([]content.RemoteRecord, error) {
	var wire []wirePost
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return nil, err
	}
	out := make([]content.RemoteRecord, 0, len(wire))
	for _, p := range wire {
		out = append(out, p.normalize())
	}
	return out, nil
}
