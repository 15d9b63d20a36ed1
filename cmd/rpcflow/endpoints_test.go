package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lsm/rpcflow/internal/bus"
	"github.com/lsm/rpcflow/internal/config"
	"github.com/lsm/rpcflow/internal/dlq"
	"github.com/lsm/rpcflow/internal/ratelimit"
	httptransport "github.com/lsm/rpcflow/internal/transport/http"
)

func newTestAssembly(t *testing.T, defs map[string]*config.EndpointDefinition) (*assembly, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := config.DefaultRuntime()
	rt.Cache.OutputDir = t.TempDir()

	b := bus.New(bus.WithLogger(logger))
	asm := newAssembly(b, rt, &dlq.NoopPublisher{}, nil, nil, logger)
	t.Cleanup(func() { _ = asm.Close() })

	eps, err := asm.build(context.Background(), defs)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	server, err := httptransport.NewServer(b, httptransport.Config{ListenAddr: "127.0.0.1:0", Threshold: 1024}, logger)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	for _, ep := range eps {
		v, _ := ep.Property(pathKey)
		path, _ := v.(string)
		server.Mount(ep, path)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return asm, ts
}

func send(t *testing.T, url, body string, header map[string]string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(data)
}

func TestAssembly_PolicyAndTransform(t *testing.T) {
	_, ts := newTestAssembly(t, map[string]*config.EndpointDefinition{
		"orders": {
			Name:      "orders",
			Path:      "/api/orders",
			Policy:    `headers["X-Role"] == "admin"`,
			Transform: &config.TransformConfig{CEL: `{"wrapped": body}`},
			Logging:   config.EndpointLogging{Enabled: true},
		},
	})

	status, body := send(t, ts.URL+"/api/orders", `{"id":7}`, map[string]string{"X-Role": "admin"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	if body != `{"wrapped":{"id":7}}` {
		t.Errorf("body = %s", body)
	}

	status, body = send(t, ts.URL+"/api/orders", `{"id":7}`, nil)
	if status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", status)
	}
	if !strings.Contains(body, "policy_denied") {
		t.Errorf("fault body = %s", body)
	}
}

func TestAssembly_Reload(t *testing.T) {
	defs := map[string]*config.EndpointDefinition{
		"echo": {Name: "echo"},
	}
	asm, ts := newTestAssembly(t, defs)

	if status, _ := send(t, ts.URL+"/echo", `{}`, nil); status != http.StatusOK {
		t.Fatalf("status before reload = %d", status)
	}

	asm.reload(map[string]*config.EndpointDefinition{
		"echo": {Name: "echo", Policy: "false", RateLimit: ratelimit.Limit{RPS: 0.01, Burst: 1}},
	})
	if lim, ok := asm.limiter.Get("echo"); !ok || lim.Burst != 1 {
		t.Fatalf("limit after reload = %+v, %v", lim, ok)
	}
	if status, _ := send(t, ts.URL+"/echo", `{}`, nil); status != http.StatusForbidden {
		t.Errorf("status with deny policy = %d, want 403", status)
	}
	if status, _ := send(t, ts.URL+"/echo", `{}`, nil); status != http.StatusTooManyRequests {
		t.Errorf("status over limit = %d, want 429", status)
	}

	// An invalid expression keeps the previous policy.
	asm.reload(map[string]*config.EndpointDefinition{
		"echo": {Name: "echo", Policy: "headers[", RateLimit: ratelimit.Limit{}},
	})
	if status, _ := send(t, ts.URL+"/echo", `{}`, nil); status != http.StatusForbidden {
		t.Errorf("status after invalid policy = %d, want 403", status)
	}

	asm.reload(defs)
	if status, body := send(t, ts.URL+"/echo", `{"ok":true}`, nil); status != http.StatusOK || body != `{"ok":true}` {
		t.Errorf("after clearing policy: status %d body %s", status, body)
	}
}

func TestAssembly_BuildErrors(t *testing.T) {
	tests := []struct {
		name string
		def  *config.EndpointDefinition
		want string
	}{
		{
			name: "unknown invoker",
			def:  &config.EndpointDefinition{Name: "x", Invoker: config.InvokerConfig{Type: "lambda"}},
			want: "unsupported invoker type",
		},
		{
			name: "missing module",
			def:  &config.EndpointDefinition{Name: "x", Invoker: config.InvokerConfig{
				Type:   config.InvokerWASM,
				Module: config.ModuleConfig{Path: filepath.Join(t.TempDir(), "missing.wasm")},
			}},
			want: "wasm invoker",
		},
		{
			name: "bad policy",
			def:  &config.EndpointDefinition{Name: "x", Policy: "headers["},
			want: "policy",
		},
		{
			name: "missing schema",
			def:  &config.EndpointDefinition{Name: "x", Schema: filepath.Join(t.TempDir(), "none.json")},
			want: "read schema",
		},
		{
			name: "bad transform",
			def:  &config.EndpointDefinition{Name: "x", Transform: &config.TransformConfig{CEL: "1 +"}},
			want: "transform",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			asm := newAssembly(bus.New(bus.WithLogger(logger)), config.DefaultRuntime(), &dlq.NoopPublisher{}, nil, nil, logger)
			defer asm.Close()

			_, err := asm.build(context.Background(), map[string]*config.EndpointDefinition{tt.def.Name: tt.def})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}
