package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(t *testing.T, hs *HealthServer, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, req)

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	code, body := serve(t, NewHealthServer(), "/healthz")
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name     string
		ready    bool
		checkErr error
		wantCode int
		want     string
	}{
		{"not ready by default", false, nil, http.StatusServiceUnavailable, "not ready"},
		{"ready", true, nil, http.StatusOK, "ready"},
		{"failing check", true, errors.New("broker unreachable"), http.StatusServiceUnavailable, "not ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthServer()
			hs.SetReady(tt.ready)
			hs.AddCheck("kafka", func(context.Context) error { return tt.checkErr })

			code, body := serve(t, hs, "/readyz")
			if code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, code)
			}
			if body["status"] != tt.want {
				t.Errorf("expected status %q, got %v", tt.want, body["status"])
			}
			if tt.checkErr != nil {
				failing, _ := body["failing"].(map[string]any)
				if failing["kafka"] != tt.checkErr.Error() {
					t.Errorf("expected failing kafka check, got %v", body["failing"])
				}
			}
		})
	}
}
