package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetPayment_OK(t *testing.T) {
	captured := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/payments/pay_123" {
			t.Fatalf("path = %s, want /api/payments/pay_123", r.URL.Path)
		}

		resp := Payment{
			Reference:  "pay_123",
			Status:     StatusCaptured,
			CapturedAt: &captured,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetPayment(ctx, "pay_123")
	if err != nil {
		t.Fatalf("GetPayment error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", code, http.StatusOK)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
	if res == nil || res.Reference != "pay_123" || res.Status != StatusCaptured {
		t.Fatalf("unexpected response: %+v", res)
	}

	at, ok, err := client.CaptureTime(ctx, "pay_123")
	if err != nil || !ok {
		t.Fatalf("CaptureTime = %v, %v, %v", at, ok, err)
	}
	if !at.Equal(captured) {
		t.Fatalf("captured at = %v, want %v", at, captured)
	}
}

func TestGetPayment_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetPayment(ctx, "pay_123")
	if err != nil {
		t.Fatalf("GetPayment error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil response for 429, got %+v", res)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want %d", code, http.StatusTooManyRequests)
	}
	if retry < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", retry)
	}
}

func TestGetPayment_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, _, err := client.GetPayment(ctx, "missing")
	if err != nil {
		t.Fatalf("GetPayment error: %v", err)
	}
	if res != nil || code != http.StatusNotFound {
		t.Fatalf("unexpected result: %+v, %d", res, code)
	}

	_, ok, err := client.CaptureTime(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("CaptureTime ok = %v, err = %v, want false, nil", ok, err)
	}
}

func TestCaptureTime_NotCaptured(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Payment{Reference: "pay_1", Status: "PENDING"})
	}))
	defer ts.Close()

	_, ok, err := NewClient(ts.URL).CaptureTime(context.Background(), "pay_1")
	if err != nil || ok {
		t.Fatalf("CaptureTime ok = %v, err = %v, want false, nil", ok, err)
	}
}

func TestGetPayment_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, code, _, err := NewClient(ts.URL).GetPayment(context.Background(), "pay_1")
	if err == nil {
		t.Fatalf("expected error for 500")
	}
	if code != http.StatusInternalServerError {
		t.Fatalf("status code = %d, want 500", code)
	}
}

func TestGetPayment_NotConfigured(t *testing.T) {
	var c *Client
	if _, _, _, err := c.GetPayment(context.Background(), "x"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, _, _, err := NewClient("").GetPayment(context.Background(), "x"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
