package provider

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

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

// HTTPOptions tunes the HTTP mailbox client.
type HTTPOptions struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    Backoff
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// HTTPClient is the Mailbox of one account behind the JSON remote API.
type HTTPClient struct {
	baseURL    string
	account    string
	httpClient *http.Client
	maxRetries int
	backoff    Backoff
}

// NewHTTPClient returns a client for account. A nil token source sends
// unauthenticated requests.
func NewHTTPClient(baseURL, account string, ts oauth2.TokenSource, opts HTTPOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8025"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if ts != nil {
		transport = &oauth2.Transport{Source: ts, Base: transport}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		account:    account,
		httpClient: &http.Client{Timeout: opts.Timeout, Transport: transport},
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
	}
}

func (c *HTTPClient) accountPath(suffix string) string {
	return "/v1/accounts/" + url.PathEscape(c.account) + suffix
}

func (c *HTTPClient) ListFolders(ctx context.Context) ([]json.RawMessage, error) {
	var out struct {
		Folders []json.RawMessage `json:"folders"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.accountPath("/folders"), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return out.Folders, nil
}

func (c *HTTPClient) ListMessages(ctx context.Context, opts ListOptions) (Page, error) {
	q := url.Values{}
	q.Set("folder", opts.Folder)
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.PageSize > 0 {
		q.Set("limit", strconv.Itoa(opts.PageSize))
	}
	var page Page
	if err := c.doJSON(ctx, http.MethodGet, c.accountPath("/messages?"+q.Encode()), nil, &page); err != nil {
		return Page{}, fmt.Errorf("failed to list messages of %s: %w", opts.Folder, err)
	}
	return page, nil
}

func (c *HTTPClient) GetBodies(ctx context.Context, folder string, ids []string) ([]json.RawMessage, error) {
	body := map[string]any{"folder": folder, "ids": ids}
	var out struct {
		Bodies []json.RawMessage `json:"bodies"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.accountPath("/bodies"), body, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch %d bodies: %w", len(ids), err)
	}
	return out.Bodies, nil
}

// Mutate replays entry. Deleting a message the server no longer has
// counts as acknowledged.
func (c *HTTPClient) Mutate(ctx context.Context, entry domain.MutationEntry) error {
	ep, err := Route(c.account, entry)
	if err != nil {
		return err
	}
	err = c.doJSON(ctx, ep.Method, ep.Path, ep.Body, nil)
	if err != nil && entry.Type == domain.MutationDelete && IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to replay %s on %s: %w", entry.Type, entry.TargetID, err)
	}
	return nil
}

func (c *HTTPClient) Send(ctx context.Context, msg domain.OutgoingMessage) error {
	if err := c.doJSON(ctx, http.MethodPost, c.accountPath("/send"), msg, nil); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Ping probes reachability with a single attempt.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: ping status %d", ErrOffline, resp.StatusCode)
	}
	return nil
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
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := Wait(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrOffline, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := Wait(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if maxDelay := c.backoff.Cap(); retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	return c.backoff.Delay(attempt)
}

var _ Mailbox = (*HTTPClient)(nil)
