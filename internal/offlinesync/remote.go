package offlinesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/familysync/familysync/internal/localstore"
)

// ErrRemoteUnavailable matches every failed remote call, whether the
// transport failed or the server answered with a non-2xx status.
var ErrRemoteUnavailable = errors.New("remote unavailable")

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrRemoteUnavailable
}

// IsNotFound reports whether the remote said the target no longer exists.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

type ShoppingList struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	CreatedBy     int64  `json:"created_by,omitempty"`
	CreatedByName string `json:"created_by_name,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
}

type NewItem struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity,omitempty"`
}

// ItemPatch is a partial update; nil fields are left untouched.
type ItemPatch struct {
	Name     *string `json:"name,omitempty"`
	Quantity *string `json:"quantity,omitempty"`
	Checked  *bool   `json:"checked,omitempty"`
}

type Remote interface {
	ListLists(ctx context.Context) ([]ShoppingList, error)
	CreateList(ctx context.Context, name string) (ShoppingList, error)
	ListItems(ctx context.Context, listID int64) ([]localstore.ShoppingItem, error)
	AddItem(ctx context.Context, listID int64, item NewItem) (localstore.ShoppingItem, error)
	UpdateItem(ctx context.Context, itemID int64, patch ItemPatch) (localstore.ShoppingItem, error)
	DeleteItem(ctx context.Context, itemID int64) error
	ClearChecked(ctx context.Context, listID int64) error
	ListEvents(ctx context.Context, from, to time.Time) ([]localstore.CalendarEvent, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3001"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) ListLists(ctx context.Context) ([]ShoppingList, error) {
	var out struct {
		Lists []ShoppingList `json:"lists"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/shopping/lists", nil, &out); err != nil {
		return nil, err
	}
	return out.Lists, nil
}

func (c *HTTPClient) CreateList(ctx context.Context, name string) (ShoppingList, error) {
	var out struct {
		List ShoppingList `json:"list"`
	}
	body := map[string]string{"name": name}
	if err := c.doJSON(ctx, http.MethodPost, "/api/shopping/lists", body, &out); err != nil {
		return ShoppingList{}, err
	}
	return out.List, nil
}

func (c *HTTPClient) ListItems(ctx context.Context, listID int64) ([]localstore.ShoppingItem, error) {
	var out struct {
		Items []localstore.ShoppingItem `json:"items"`
	}
	path := fmt.Sprintf("/api/shopping/lists/%d/items", listID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *HTTPClient) AddItem(ctx context.Context, listID int64, item NewItem) (localstore.ShoppingItem, error) {
	var out struct {
		Item localstore.ShoppingItem `json:"item"`
	}
	path := fmt.Sprintf("/api/shopping/lists/%d/items", listID)
	if err := c.doJSON(ctx, http.MethodPost, path, item, &out); err != nil {
		return localstore.ShoppingItem{}, err
	}
	return out.Item, nil
}

func (c *HTTPClient) UpdateItem(ctx context.Context, itemID int64, patch ItemPatch) (localstore.ShoppingItem, error) {
	var out struct {
		Item localstore.ShoppingItem `json:"item"`
	}
	path := fmt.Sprintf("/api/shopping/items/%d", itemID)
	if err := c.doJSON(ctx, http.MethodPatch, path, patch, &out); err != nil {
		return localstore.ShoppingItem{}, err
	}
	return out.Item, nil
}

func (c *HTTPClient) DeleteItem(ctx context.Context, itemID int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/shopping/items/%d", itemID), nil, nil)
}

func (c *HTTPClient) ClearChecked(ctx context.Context, listID int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/shopping/lists/%d/clear", listID), nil, nil)
}

func (c *HTTPClient) ListEvents(ctx context.Context, from, to time.Time) ([]localstore.CalendarEvent, error) {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("startDate", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("endDate", to.UTC().Format(time.RFC3339))
	}
	path := "/api/calendar/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Events []localstore.CalendarEvent `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	idempotent := method != http.MethodPost
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if idempotent && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return fmt.Errorf("%w: %v", ErrRemoteUnavailable, waitErr)
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %v", ErrRemoteUnavailable, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("%w: decode response: %v", ErrRemoteUnavailable, err)
			}
			return nil
		}

		if retryableStatus(resp.StatusCode, idempotent) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return fmt.Errorf("%w: %v", ErrRemoteUnavailable, waitErr)
			}
			continue
		}

		var errPayload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{StatusCode: resp.StatusCode, Message: errPayload.Error}
	}
}

// retryableStatus reports whether a request may be sent again. A POST may
// have been applied before a 5xx came back, so only 429 retries it.
func retryableStatus(status int, idempotent bool) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return idempotent && status >= 500
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
