package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"context"
)

// HistoryFetcher is the REST catch-up collaborator. Given a session and
// a cursor, it returns an ordered page of historical events. Used
// exclusively by the cursor-eviction and full-resync paths.
type HistoryFetcher interface {
	History(ctx context.Context, sessionID, afterMessageID string) (HistoryPage, error)
}

// HistoryPage is one ordered page of historical stream events.
type HistoryPage struct {
	Events  []StreamEnvelope `json:"events"`
	HasMore bool             `json:"has_more"`
}

// apiError represents an error response from the agent service API.
type apiError struct {
	Error string `json:"error"`
}

// Client talks to the agent service REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(httpClient *http.Client, host, token string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    "https://" + host,
		token:      token,
	}
}

// get sends a GET request and decodes the JSON response into result.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, result any) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, apiErr.Error)
		}

		return fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// History fetches one page of historical events strictly after the
// given message id. An empty afterMessageID fetches from the start.
func (c *Client) History(ctx context.Context, sessionID, afterMessageID string) (HistoryPage, error) {
	query := url.Values{}
	if afterMessageID != "" {
		query.Set("after", afterMessageID)
	}

	var page HistoryPage
	if err := c.get(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/events", query, &page); err != nil {
		return HistoryPage{}, fmt.Errorf("fetching history: %w", err)
	}

	return page, nil
}
