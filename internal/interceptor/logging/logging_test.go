package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/lsm/rpcflow/internal/cachedio"
	"github.com/lsm/rpcflow/internal/message"
)

func capture() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v\n%s", err, buf.String())
	}
	return entry
}

func TestIn_LogsRequest(t *testing.T) {
	logger, buf := capture()
	msg := message.New()
	ex := message.NewExchange(msg)
	ex.Put(message.EndpointNameKey, "orders")
	msg.Put(message.HTTPMethodKey, "POST")
	msg.Headers().Set("Authorization", "Bearer secret")
	msg.Headers().Set("X-Tenant", "acme")
	msg.SetContent(message.ContentInputStream, strings.NewReader(`{"id":1}`))

	in := NewIn(logger, WithCache(cachedio.Config{Threshold: 1024, OutputDir: t.TempDir()}))
	if err := in.HandleMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	defer ex.Close()

	entry := decode(t, buf)
	if entry["msg"] != "request received" || entry["endpoint"] != "orders" || entry["method"] != "POST" {
		t.Errorf("unexpected entry %v", entry)
	}
	if entry["body"] != `{"id":1}` || entry["truncated"] != false {
		t.Errorf("unexpected body fields %v / %v", entry["body"], entry["truncated"])
	}
	headers, _ := entry["headers"].(map[string]any)
	if headers["Authorization"] != "***" || headers["X-Tenant"] != "acme" {
		t.Errorf("unexpected headers %v", headers)
	}

	b, err := msg.ReadPayload()
	if err != nil || string(b) != `{"id":1}` {
		t.Errorf("expected body still readable, got %q, %v", b, err)
	}
}

func TestIn_Truncates(t *testing.T) {
	logger, buf := capture()
	msg := message.New()
	message.NewExchange(msg)
	msg.SetContent(message.ContentInputStream, strings.NewReader(strings.Repeat("x", 100)))

	in := NewIn(logger, WithLimit(10), WithCache(cachedio.Config{Threshold: 16, OutputDir: t.TempDir()}))
	if err := in.HandleMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	defer msg.Exchange().Close()

	entry := decode(t, buf)
	if entry["body"] != strings.Repeat("x", 10) || entry["truncated"] != true {
		t.Errorf("unexpected body fields %v / %v", entry["body"], entry["truncated"])
	}
	if entry["size"] != float64(100) {
		t.Errorf("expected size 100, got %v", entry["size"])
	}
}

func TestOut_LogsOnClose(t *testing.T) {
	logger, buf := capture()
	msg := message.New()
	msg.Put(message.ResponseCodeKey, 201)
	cos := cachedio.NewWithThreshold(1024)
	msg.SetContent(message.ContentOutputStream, cos)

	out := NewOut(logger, WithRedactedHeaders("x-secret"))
	if err := out.HandleMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	msg.Headers().Set("X-Secret", "s")
	if buf.Len() != 0 {
		t.Fatal("expected nothing logged before close")
	}

	if _, err := cos.Write([]byte("created")); err != nil {
		t.Fatal(err)
	}
	if err := cos.Close(); err != nil {
		t.Fatal(err)
	}
	entry := decode(t, buf)
	if entry["msg"] != "response sent" || entry["body"] != "created" || entry["status"] != float64(201) {
		t.Errorf("unexpected entry %v", entry)
	}
	headers, _ := entry["headers"].(map[string]any)
	if headers["X-Secret"] != "***" {
		t.Errorf("expected redacted header, got %v", headers)
	}
}

func TestOut_NoCachedStream(t *testing.T) {
	logger, buf := capture()
	msg := message.New()
	if err := NewOut(logger).HandleMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	entry := decode(t, buf)
	if _, ok := entry["body"]; ok {
		t.Errorf("expected no body without a cached stream, got %v", entry)
	}
}
