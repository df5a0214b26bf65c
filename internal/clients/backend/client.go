package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ndelcourt/recruitsync/internal/domain/models"
	"golang.org/x/time/rate"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the backend of record over its PostgREST-style REST
// surface. It is the only component that issues authoritative reads and
// writes; everything else in the process reacts to change events.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  HTTPClient
	rateLimiter *rate.Limiter
}

func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

func (c *Client) SetHTTPClient(client HTTPClient) {
	c.httpClient = client
}

func (c *Client) SetRateLimit(maxRequestsPerSecond float32) {
	c.rateLimiter = rate.NewLimiter(rate.Limit(maxRequestsPerSecond), 1)
}

// FetchOne returns one row by id, including any joined relations named in
// selectExpr (e.g. "*,jobs(*),profiles(*),companies(*)").
func (c *Client) FetchOne(ctx context.Context, table string, id string, selectExpr string) (json.RawMessage, error) {

	if selectExpr == "" {
		selectExpr = "*"
	}
	requestURL := fmt.Sprintf("%s/%s?id=eq.%s&select=%s", c.baseURL, table, id, selectExpr)

	body, _, err := c.sendRequest(ctx, http.MethodGet, requestURL, nil, nil)
	if err != nil {
		return nil, err
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("error decoding JSON response: %v", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no %s row with id %s", table, id)
	}

	return rows[0], nil
}

// FetchMany returns one page of rows plus the exact total matching the filter.
func (c *Client) FetchMany(ctx context.Context, table string, query Query) ([]json.RawMessage, int, error) {

	if err := query.Validate(); err != nil {
		return nil, 0, fmt.Errorf("invalid query: %w", err)
	}

	requestURL := c.baseURL + "/" + table + "?" + query.ToUrlParams().Encode()
	headers := map[string]string{"Prefer": "count=exact"}

	body, resp, err := c.sendRequest(ctx, http.MethodGet, requestURL, nil, headers)
	if err != nil {
		return nil, 0, err
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, 0, fmt.Errorf("error decoding JSON response: %v", err)
	}

	total := parseTotalCount(resp.Header.Get("Content-Range"))
	if total < 0 {
		total = len(rows)
	}

	return rows, total, nil
}

// CountWhere returns the exact number of rows matching the filter without
// transferring any of them.
func (c *Client) CountWhere(ctx context.Context, table string, filter map[string]string) (int, error) {

	query := Query{Select: "id", Filter: filter, Page: 1, PageSize: 1}
	requestURL := c.baseURL + "/" + table + "?" + query.ToUrlParams().Encode()
	headers := map[string]string{"Prefer": "count=exact"}

	_, resp, err := c.sendRequest(ctx, http.MethodHead, requestURL, nil, headers)
	if err != nil {
		return 0, err
	}

	total := parseTotalCount(resp.Header.Get("Content-Range"))
	if total < 0 {
		return 0, fmt.Errorf("missing count in response for table %s", table)
	}
	return total, nil
}

func (c *Client) InsertOne(ctx context.Context, table string, payload any) error {

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error encoding payload: %v", err)
	}

	requestURL := c.baseURL + "/" + table
	_, _, err = c.sendRequest(ctx, http.MethodPost, requestURL, bytes.NewReader(body), nil)
	return err
}

func (c *Client) UpdateOne(ctx context.Context, table string, id string, patch any) error {
	return c.UpdateWhere(ctx, table, map[string]string{"id": "eq." + id}, patch)
}

// UpdateWhere patches every row matching the filter in one request.
func (c *Client) UpdateWhere(ctx context.Context, table string, filter map[string]string, patch any) error {

	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("error encoding patch: %v", err)
	}

	params := Query{Filter: filter, Page: 1, PageSize: 1}.ToUrlParams()
	params.Del("select")
	params.Del("offset")
	params.Del("limit")

	requestURL := c.baseURL + "/" + table + "?" + params.Encode()
	_, _, err = c.sendRequest(ctx, http.MethodPatch, requestURL, bytes.NewReader(body), nil)
	return err
}

// UpdateApplicationStatus performs the status-transition write pair: patch
// the cached projection on the application row, then append the status event.
// The pair is not transactional on the client side; the resulting change
// events are what the rest of the process reacts to.
func (c *Client) UpdateApplicationStatus(ctx context.Context, applicationID string,
	status models.Status, actor models.ActorRole) error {

	patch := map[string]any{"current_status": status}
	if err := c.UpdateOne(ctx, "applications", applicationID, patch); err != nil {
		return fmt.Errorf("failed to update application row: %w", err)
	}

	event := map[string]any{
		"application_id": applicationID,
		"status":         status,
		"updated_by":     actor,
	}
	if err := c.InsertOne(ctx, "application_status_events", event); err != nil {
		return fmt.Errorf("failed to append status event: %w", err)
	}

	return nil
}

func (c *Client) sendRequest(ctx context.Context, method string, url string, body io.Reader,
	headers map[string]string) ([]byte, *http.Response, error) {

	if c.rateLimiter != nil {
		err := c.rateLimiter.Wait(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating request: %v", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("error sending request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, fmt.Errorf("error reading response body: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, resp, nil
}

// parseTotalCount extracts the total from a Content-Range header such as
// "0-9/42". Returns -1 when absent or unparsable.
func parseTotalCount(contentRange string) int {
	idx := strings.LastIndex(contentRange, "/")
	if idx < 0 {
		return -1
	}
	total, err := strconv.Atoi(contentRange[idx+1:])
	if err != nil {
		return -1
	}
	return total
}
