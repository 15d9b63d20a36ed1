// Package dlq publishes failed requests to a dead letter topic.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lsm/rpcflow/internal/retry"
)

// Header names attached to every dead letter record.
const (
	HeaderEndpoint      = "rpcflow-endpoint"
	HeaderStatus        = "rpcflow-status"
	HeaderErrorCode     = "rpcflow-error-code"
	HeaderErrorMessage  = "rpcflow-error-message"
	HeaderMethod        = "rpcflow-method"
	HeaderPath          = "rpcflow-path"
	HeaderFailedAt      = "rpcflow-failed-at"
	HeaderCorrelationID = "rpcflow-correlation-id"
	HeaderAttempts      = "rpcflow-publish-attempts"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo describes why a request failed.
type FailureInfo struct {
	Endpoint      string
	Status        int
	ErrorCode     string
	ErrorMessage  string
	Method        string
	Path          string
	CorrelationID string
}

// Handler publishes failed requests to a per-endpoint topic.
type Handler struct {
	publisher Publisher
	topicFn   func(endpoint string) string
	retry     retry.Config
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopicFunc overrides the default topic naming function.
func WithTopicFunc(fn func(endpoint string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// WithRetry sets the backoff used when publishing fails.
func WithRetry(cfg retry.Config) Option {
	return func(h *Handler) {
		h.retry = cfg
	}
}

// DefaultTopic names the dead letter topic of an endpoint.
func DefaultTopic(endpoint string) string { return "rpcflow-dlq-" + endpoint }

// NewHandler creates a new DLQ handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   DefaultTopic,
		retry:     retry.DefaultConfig(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send publishes a failed request, retrying transient broker errors.
func (h *Handler) Send(ctx context.Context, key, value []byte, info FailureInfo) error {
	topic := h.topicFn(info.Endpoint)
	failedAt := h.now().UTC().Format(time.RFC3339)

	attempt := 0
	err := retry.Do(ctx, h.retry, func(ctx context.Context) error {
		attempt++
		headers := map[string]string{
			HeaderEndpoint:      info.Endpoint,
			HeaderStatus:        strconv.Itoa(info.Status),
			HeaderErrorCode:     info.ErrorCode,
			HeaderErrorMessage:  info.ErrorMessage,
			HeaderMethod:        info.Method,
			HeaderPath:          info.Path,
			HeaderFailedAt:      failedAt,
			HeaderCorrelationID: info.CorrelationID,
			HeaderAttempts:      strconv.Itoa(attempt),
		}
		return h.publisher.Publish(ctx, topic, key, value, headers)
	})
	if err != nil {
		return fmt.Errorf("dlq publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// NoopPublisher is a Publisher that discards all messages.
// Used when no broker is configured.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, []byte, []byte, map[string]string) error {
	return nil
}

func (*NoopPublisher) Close() error { return nil }
