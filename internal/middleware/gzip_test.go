package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type checkoutBody struct {
	ShipID int64 `json:"ship_id"`
	Items  []struct {
		PlanID   int64 `json:"plan_id"`
		Quantity int   `json:"quantity"`
	} `json:"items"`
}

func gzipJSON(t *testing.T, v any) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}
	return &buf
}

// decodeCheckout отвечает 200 с ship_id, если тело разобралось как JSON, иначе 400.
func decodeCheckout(got *checkoutBody, encoding *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*encoding = r.Header.Get("Content-Encoding")
		if err := json.NewDecoder(r.Body).Decode(got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestDecompress(t *testing.T) {
	payload := map[string]any{
		"ship_id": 3,
		"items":   []map[string]any{{"plan_id": 7, "quantity": 2}},
	}
	raw, _ := json.Marshal(payload)

	tests := []struct {
		name     string
		body     func(t *testing.T) *bytes.Buffer
		encoding string
	}{
		{
			name:     "gzip encoded checkout",
			body:     func(t *testing.T) *bytes.Buffer { return gzipJSON(t, payload) },
			encoding: "gzip",
		},
		{
			name:     "plain checkout passes through",
			body:     func(t *testing.T) *bytes.Buffer { return bytes.NewBuffer(raw) },
			encoding: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/orders", tt.body(t))
			req.Header.Set("Content-Type", "application/json")
			if tt.encoding != "" {
				req.Header.Set("Content-Encoding", tt.encoding)
			}
			w := httptest.NewRecorder()

			var got checkoutBody
			var seenEncoding string
			Decompress(decodeCheckout(&got, &seenEncoding)).ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status: got %d want %d, body %q", w.Code, http.StatusOK, w.Body.String())
			}
			if seenEncoding != "" {
				t.Fatalf("Content-Encoding leaked to handler: %q", seenEncoding)
			}
			if got.ShipID != 3 || len(got.Items) != 1 || got.Items[0].PlanID != 7 || got.Items[0].Quantity != 2 {
				t.Fatalf("decoded body: got %+v", got)
			}
		})
	}
}

func TestDecompress_InvalidBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/internal/payments/complete", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()

	called := false
	Decompress(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
	}
	if called {
		t.Fatalf("next handler must not run for a broken gzip body")
	}
}
