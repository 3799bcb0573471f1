// Package openlist is a client for the OpenList paginated file-listing API.
package openlist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/strmsync/strmsync/internal/qos"
)

const defaultPerPage = 100

// Error is a failure reported by the listing API or its transport.
// Code -1 marks a transport failure; other codes come from the API itself.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("openlist error [%d]: %s", e.Code, e.Message)
}

// Entry is a single file or directory returned by the listing API.
type Entry struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
	IsDir    bool   `json:"is_dir"`
}

// ListResult is one page of a directory listing.
type ListResult struct {
	Entries  []Entry
	Total    int
	Provider string
}

// Client communicates with an OpenList server. Every remote call passes
// through the shared QoS limiter.
type Client struct {
	httpClient *http.Client
	host       string
	token      string
	limiter    *qos.Limiter
	logger     *slog.Logger
}

// New creates an OpenList client with default HTTP settings.
func New(host, token string, timeout time.Duration, limiter *qos.Limiter, logger *slog.Logger) *Client {
	return NewWithHTTPClient(host, token, &http.Client{Timeout: timeout}, limiter, logger)
}

// NewWithHTTPClient creates an OpenList client with a custom HTTP client (for testing).
func NewWithHTTPClient(host, token string, httpClient *http.Client, limiter *qos.Limiter, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		host:       strings.TrimRight(host, "/"),
		token:      token,
		limiter:    limiter,
		logger:     logger.With(slog.String("integration", "openlist")),
	}
}

type listRequest struct {
	Path    string `json:"path"`
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
	Refresh bool   `json:"refresh"`
}

type listResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Content  []Entry `json:"content"`
		Total    int     `json:"total"`
		Provider string  `json:"provider"`
	} `json:"data"`
}

type getRequest struct {
	Path string `json:"path"`
}

type getResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    Entry  `json:"data"`
}

// List fetches one page of a directory listing. Entry paths are resolved
// against the listed directory.
func (c *Client) List(ctx context.Context, path string, page, perPage int) (*ListResult, error) {
	var resp listResponse
	req := listRequest{Path: path, Page: page, PerPage: perPage}
	if err := c.post(ctx, "/api/fs/list", req, &resp); err != nil {
		return nil, err
	}
	if resp.Code != http.StatusOK {
		return nil, &Error{Code: resp.Code, Message: resp.Message}
	}

	entries := resp.Data.Content
	for i := range entries {
		entries[i].Path = JoinPath(path, entries[i].Name)
	}
	return &ListResult{
		Entries:  entries,
		Total:    resp.Data.Total,
		Provider: resp.Data.Provider,
	}, nil
}

// Get fetches metadata for a single file or directory.
func (c *Client) Get(ctx context.Context, path string) (*Entry, error) {
	var resp getResponse
	if err := c.post(ctx, "/api/fs/get", getRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	if resp.Code != http.StatusOK {
		return nil, &Error{Code: resp.Code, Message: resp.Message}
	}
	entry := resp.Data
	entry.Path = path
	return &entry, nil
}

// ListAll fetches every page of a directory listing, concatenating in order.
// It stops once the accumulated count reaches the reported total or a page
// comes back empty, and refuses to paginate forever against a remote whose
// total never converges.
func (c *Client) ListAll(ctx context.Context, path string) ([]Entry, error) {
	var all []Entry
	total := -1

	for page := 1; ; page++ {
		result, err := c.List(ctx, path, page, defaultPerPage)
		if err != nil {
			return nil, err
		}
		all = append(all, result.Entries...)
		total = result.Total

		if len(all) >= total || len(result.Entries) == 0 {
			return all, nil
		}

		// ceil(total/perPage)+1 pages is the most a well-behaved remote
		// can need; anything beyond means it keeps moving the goalposts.
		maxPages := (total+defaultPerPage-1)/defaultPerPage + 1
		if page >= maxPages {
			return nil, &Error{
				Code:    -1,
				Message: fmt.Sprintf("pagination of %s did not converge after %d pages (total %d, got %d)", path, page, total, len(all)),
			}
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, body, result any) error {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return &Error{Code: -1, Message: fmt.Sprintf("acquiring rate limit slot: %v", err)}
	}
	defer release()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Code: -1, Message: err.Error()}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Code: resp.StatusCode, Message: string(respBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return &Error{Code: -1, Message: fmt.Sprintf("decoding response: %v", err)}
	}
	return nil
}

// JoinPath joins a remote directory and an entry name with a single slash.
func JoinPath(dir, name string) string {
	return strings.TrimRight(dir, "/") + "/" + name
}
