package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrEndpoint      = "rpcflow.endpoint"
	AttrCorrelationID = "rpcflow.correlation_id"
	AttrMessageID     = "rpcflow.message_id"
	AttrChainState    = "rpcflow.chain.state"
	AttrKafkaTopic    = "messaging.kafka.topic"
	AttrHTTPTarget    = "http.target"
	AttrHTTPMethod    = "http.method"
	AttrHTTPStatus    = "http.status_code"
	AttrGRPCMethod    = "rpc.grpc.method"
	AttrErrorType     = "error.type"
)

// Span names.
const (
	SpanExchange    = "rpcflow.exchange"
	SpanInvoke      = "rpcflow.invoke"
	SpanSidecarCall = "rpcflow.sidecar.call"
	SpanDLQPublish  = "kafka.publish"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, the span already in ctx is returned.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func EndpointAttr(name string) attribute.KeyValue {
	return attribute.String(AttrEndpoint, name)
}

func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

func MessageIDAttr(id string) attribute.KeyValue {
	return attribute.String(AttrMessageID, id)
}

func ChainStateAttr(state string) attribute.KeyValue {
	return attribute.String(AttrChainState, state)
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

func HTTPTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrHTTPTarget, url)
}

func HTTPMethodAttr(method string) attribute.KeyValue {
	return attribute.String(AttrHTTPMethod, method)
}

func HTTPStatusAttr(status int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, status)
}

func GRPCMethodAttr(method string) attribute.KeyValue {
	return attribute.String(AttrGRPCMethod, method)
}

func ErrorTypeAttr(errType string) attribute.KeyValue {
	return attribute.String(AttrErrorType, errType)
}

// IsTraced returns true if there is a valid recording span in the context.
func IsTraced(ctx context.Context) bool {
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid() && span.IsRecording()
}
