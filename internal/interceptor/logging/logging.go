// Package logging writes one structured log line per request and per response, including
// a size-limited copy of the body.
package logging

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lsm/rpcflow/internal/cachedio"
	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/interceptor/stream"
	itracing "github.com/lsm/rpcflow/internal/interceptor/tracing"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/observability"
	"github.com/lsm/rpcflow/internal/phase"
)

// DefaultLimit is the number of body bytes logged when no limit is set.
const DefaultLimit int64 = 48 * 1024

// Option configures the logging steps.
type Option func(*options)

type options struct {
	limit     int64
	cache     cachedio.Config
	cacheOpts []cachedio.Option
	redact    map[string]struct{}
}

// WithLimit caps the logged body size. -1 logs everything.
func WithLimit(n int64) Option {
	return func(o *options) { o.limit = n }
}

// WithCache sets how request bodies are cached while being logged.
func WithCache(cfg cachedio.Config, opts ...cachedio.Option) Option {
	return func(o *options) {
		o.cache = cfg
		o.cacheOpts = opts
	}
}

// WithRedactedHeaders replaces the values of the named headers with "***".
func WithRedactedHeaders(names ...string) Option {
	return func(o *options) {
		for _, n := range names {
			o.redact[http.CanonicalHeaderKey(n)] = struct{}{}
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		limit:  DefaultLimit,
		cache:  cachedio.DefaultConfig(),
		redact: map[string]struct{}{"Authorization": {}, "Cookie": {}},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		if _, ok := o.redact[http.CanonicalHeaderKey(k)]; ok {
			out[k] = "***"
			continue
		}
		out[k] = strings.Join(h.Values(k), ",")
	}
	return out
}

// body renders at most limit bytes of cos and reports whether content was cut.
func (o options) body(cos *cachedio.OutputStream) (string, bool, error) {
	var sb strings.Builder
	if err := cos.WriteCacheToStringLimit(&sb, o.limit); err != nil {
		return "", false, err
	}
	return sb.String(), o.limit >= 0 && cos.Size() > o.limit, nil
}

func endpointOf(msg *message.Message) string {
	v, _ := msg.ContextualProperty(message.EndpointNameKey)
	s, _ := v.(string)
	return s
}

func correlationOf(msg *message.Message) string {
	v, _ := msg.ContextualProperty(message.CorrelationIDKey)
	s, _ := v.(string)
	return s
}

// In logs the inbound request. It caches the body itself so it can run in receive,
// ahead of the stream step.
type In struct {
	interceptor.Base
	opts   options
	logger *observability.TraceLogger
}

// NewIn creates the inbound step.
func NewIn(logger *slog.Logger, opts ...Option) *In {
	if logger == nil {
		logger = slog.Default()
	}
	return &In{
		Base:   interceptor.NewBase(interceptor.TypeID((*In)(nil)), phase.Receive),
		opts:   newOptions(opts),
		logger: observability.NewTraceLogger(logger),
	}
}

// HandleMessage implements interceptor.Interceptor.
func (i *In) HandleMessage(ctx context.Context, msg *message.Message) error {
	cos, err := stream.CacheInput(msg, i.opts.cache, i.opts.cacheOpts...)
	if err != nil {
		return err
	}

	attrs := []any{
		"direction", "inbound",
		"message_id", msg.ID(),
		"endpoint", endpointOf(msg),
		"method", msg.GetString(message.HTTPMethodKey),
		"uri", msg.GetString(message.RequestURIKey),
		"content_type", msg.ContentType(),
		"headers", i.opts.headers(msg.Headers()),
	}
	if cos != nil {
		body, truncated, err := i.opts.body(cos)
		if err != nil {
			attrs = append(attrs, "body_error", err.Error())
		} else {
			attrs = append(attrs, "body", body, "size", cos.Size(), "truncated", truncated)
		}
	}
	i.logger.Info(itracing.ContextWithSpan(ctx, msg), "request received", attrs...)
	return nil
}

// Out logs the outbound response once its cached output stream is closed.
type Out struct {
	interceptor.Base
	opts   options
	logger *observability.TraceLogger
}

// NewOut creates the outbound step.
func NewOut(logger *slog.Logger, opts ...Option) *Out {
	if logger == nil {
		logger = slog.Default()
	}
	return &Out{
		Base:   interceptor.NewBase(interceptor.TypeID((*Out)(nil)), phase.PreStream),
		opts:   newOptions(opts),
		logger: observability.NewTraceLogger(logger),
	}
}

// HandleMessage implements interceptor.Interceptor.
func (o *Out) HandleMessage(ctx context.Context, msg *message.Message) error {
	cos, ok := msg.Content(message.ContentOutputStream).(*cachedio.OutputStream)
	if !ok {
		o.log(ctx, msg, nil)
		return nil
	}
	spanCtx := itracing.ContextWithSpan(ctx, msg)
	cos.RegisterCallback(cachedio.NewCallback(nil, func(s *cachedio.OutputStream) {
		o.log(spanCtx, msg, s)
	}))
	return nil
}

func (o *Out) log(ctx context.Context, msg *message.Message, cos *cachedio.OutputStream) {
	status := http.StatusOK
	if v, ok := msg.Get(message.ResponseCodeKey); ok {
		if code, ok := v.(int); ok {
			status = code
		}
	}
	attrs := []any{
		"direction", "outbound",
		"message_id", msg.ID(),
		"endpoint", endpointOf(msg),
		"correlation_id", correlationOf(msg),
		"status", status,
		"content_type", msg.ContentType(),
		"headers", o.opts.headers(msg.Headers()),
	}
	if cos != nil {
		body, truncated, err := o.opts.body(cos)
		if err != nil {
			attrs = append(attrs, "body_error", err.Error())
		} else {
			attrs = append(attrs, "body", body, "size", cos.Size(), "truncated", truncated)
		}
	}
	if fault := msg.Fault(); fault != nil {
		attrs = append(attrs, "fault", fault.Error())
	}
	o.logger.Info(ctx, "response sent", attrs...)
}
