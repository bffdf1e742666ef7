// Package gateway предоставляет клиент платёжного шлюза для чтения статуса платежа.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured возвращается, если адрес шлюза не задан.
var ErrNotConfigured = errors.New("payment gateway client not configured")

// StatusCaptured - статус успешно списанного платежа.
const StatusCaptured = "CAPTURED"

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Payment описывает ответ шлюза по одному платежу.
type Payment struct {
	Reference  string     `json:"reference"`
	Status     string     `json:"status"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
}

// NewClient создаёт HTTP-клиент для обращения к платёжному шлюзу по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetPayment запрашивает информацию о платеже по внешнему идентификатору.
// При 429 возвращает код ответа и паузу из Retry-After без ошибки, при 404 - nil без ошибки.
func (c *Client) GetPayment(ctx context.Context, reference string) (*Payment, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, ErrNotConfigured
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	endpoint := fmt.Sprintf("%s/api/payments/%s", base, url.PathEscape(reference))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	case http.StatusNotFound:
		return nil, resp.StatusCode, 0, nil
	default:
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Payment
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}

// CaptureTime возвращает момент списания платежа, если шлюз его знает.
func (c *Client) CaptureTime(ctx context.Context, reference string) (time.Time, bool, error) {
	p, code, _, err := c.GetPayment(ctx, reference)
	if err != nil {
		return time.Time{}, false, err
	}
	if code != http.StatusOK || p == nil {
		return time.Time{}, false, nil
	}
	if p.Status != StatusCaptured || p.CapturedAt == nil {
		return time.Time{}, false, nil
	}
	return *p.CapturedAt, true, nil
}
