package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds every REST request.
const DefaultTimeout = 30 * time.Second

// ============================================================================
// HTTPNotificationAPI
// ============================================================================

// HTTPNotificationAPI is the REST implementation of NotificationAPI. The
// bearer credential is resolved for every request.
type HTTPNotificationAPI struct {
	baseURL    string
	tokens     *TokenResolver
	httpClient *http.Client
}

var _ NotificationAPI = (*HTTPNotificationAPI)(nil)

// APIOption configures an HTTPNotificationAPI.
type APIOption func(*HTTPNotificationAPI)

// WithAPIHTTPClient replaces the HTTP client.
func WithAPIHTTPClient(client *http.Client) APIOption {
	return func(a *HTTPNotificationAPI) { a.httpClient = client }
}

// WithAPITimeout sets the request timeout of the default HTTP client.
func WithAPITimeout(timeout time.Duration) APIOption {
	return func(a *HTTPNotificationAPI) { a.httpClient.Timeout = timeout }
}

// NewHTTPNotificationAPI creates a client for the API rooted at baseURL.
func NewHTTPNotificationAPI(baseURL string, tokens *TokenResolver, opts ...APIOption) *HTTPNotificationAPI {
	a := &HTTPNotificationAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *HTTPNotificationAPI) List(ctx context.Context, limit, offset int) ([]NotificationItem, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	if offset > 0 {
		query["offset"] = strconv.Itoa(offset)
	}
	data, err := a.doRequest(ctx, http.MethodGet, "/notifications", nil, query)
	if err != nil {
		return nil, err
	}
	items, err := decodeData[[]NotificationItem](data)
	if err != nil {
		return nil, err
	}
	return *items, nil
}

func (a *HTTPNotificationAPI) UnreadCount(ctx context.Context) (int, error) {
	data, err := a.doRequest(ctx, http.MethodGet, "/notifications/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	out, err := decodeData[struct {
		Count int `json:"count"`
	}](data)
	if err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (a *HTTPNotificationAPI) MarkRead(ctx context.Context, id string) error {
	_, err := a.doRequest(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
	return err
}

func (a *HTTPNotificationAPI) MarkAllRead(ctx context.Context) error {
	_, err := a.doRequest(ctx, http.MethodPatch, "/notifications/read-all", nil, nil)
	return err
}

// ============================================================================
// Internal request helper
// ============================================================================

func (a *HTTPNotificationAPI) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := a.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := a.tokens.Resolve(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func parseAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code, apiErr.Message = body.Code, body.Message
		if body.Error != nil {
			apiErr.Code = firstNonEmpty(body.Error.Code, apiErr.Code)
			apiErr.Message = firstNonEmpty(body.Error.Message, apiErr.Message)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// decodeData unwraps the {"data": ...} response envelope. Bodies without
// the envelope are decoded as-is.
func decodeData[T any](data []byte) (*T, error) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	payload := data
	if json.Unmarshal(data, &env) == nil && len(env.Data) > 0 {
		payload = env.Data
	}
	var result T
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
