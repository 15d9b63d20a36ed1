// Package tracing opens one span per inbound exchange and closes it when the in-chain
// completes or unwinds.
package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/phase"
	"github.com/lsm/rpcflow/internal/tracing"
)

// SpanKey holds the exchange span.
const SpanKey message.Key = "rpcflow.tracing.span"

type spanHolder struct {
	span trace.Span
	ctx  context.Context
	once sync.Once
}

func (h *spanHolder) end(err error) {
	h.once.Do(func() {
		if err != nil {
			tracing.SetSpanError(h.span, err)
		} else {
			tracing.SetSpanOK(h.span)
		}
		h.span.End()
	})
}

func holder(msg *message.Message) *spanHolder {
	v, ok := msg.ContextualProperty(SpanKey)
	if !ok {
		return nil
	}
	h, _ := v.(*spanHolder)
	return h
}

// ContextWithSpan returns ctx carrying the exchange span of msg, so work started
// further down the chain becomes its child.
func ContextWithSpan(ctx context.Context, msg *message.Message) context.Context {
	h := holder(msg)
	if h == nil {
		return ctx
	}
	return trace.ContextWithSpan(ctx, h.span)
}

// Start opens the exchange span in receive. It brings End with it.
type Start struct {
	interceptor.Base
	tracer trace.Tracer
	end    *End
}

// NewStart creates the span pair around the in-chain.
func NewStart(tracer trace.Tracer) *Start {
	s := &Start{
		Base:   interceptor.NewBase(interceptor.TypeID((*Start)(nil)), phase.Receive),
		tracer: tracer,
		end:    newEnd(),
	}
	s.AddBefore(interceptor.Wildcard)
	return s
}

// AdditionalInterceptors implements interceptor.AdditionalProvider.
func (s *Start) AdditionalInterceptors() []interceptor.Interceptor {
	return []interceptor.Interceptor{s.end}
}

// HandleMessage implements interceptor.Interceptor.
func (s *Start) HandleMessage(ctx context.Context, msg *message.Message) error {
	if s.tracer == nil {
		return nil
	}
	parent := tracing.Extract(ctx, msg.Headers())
	spanCtx, span := tracing.StartSpan(parent, s.tracer, tracing.SpanExchange,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(tracing.MessageIDAttr(msg.ID())),
	)
	if method := msg.GetString(message.HTTPMethodKey); method != "" {
		span.SetAttributes(tracing.HTTPMethodAttr(method))
	}
	if uri := msg.GetString(message.RequestURIKey); uri != "" {
		span.SetAttributes(tracing.HTTPTargetAttr(uri))
	}
	if v, ok := msg.ContextualProperty(message.EndpointNameKey); ok {
		if name, ok := v.(string); ok {
			span.SetAttributes(tracing.EndpointAttr(name))
		}
	}
	if id := msg.GetString(message.CorrelationIDKey); id != "" {
		span.SetAttributes(tracing.CorrelationAttr(id))
	}

	h := &spanHolder{span: span, ctx: spanCtx}
	if ex := msg.Exchange(); ex != nil {
		ex.Put(SpanKey, h)
	} else {
		msg.Put(SpanKey, h)
	}
	return nil
}

// HandleFault closes the span with the recorded fault.
func (s *Start) HandleFault(_ context.Context, msg *message.Message) {
	if h := holder(msg); h != nil {
		h.span.SetAttributes(tracing.ErrorTypeAttr(message.CodeOf(msg.Fault())))
		h.end(msg.Fault())
	}
}

// End closes the span once the in-chain reaches the end of post-invoke.
type End struct {
	interceptor.Base
}

func newEnd() *End {
	e := &End{Base: interceptor.NewBase(interceptor.TypeID((*End)(nil)), phase.PostInvoke)}
	e.AddAfter(interceptor.Wildcard)
	return e
}

// HandleMessage implements interceptor.Interceptor.
func (e *End) HandleMessage(_ context.Context, msg *message.Message) error {
	if h := holder(msg); h != nil {
		if id, ok := msg.ContextualProperty(message.CorrelationIDKey); ok {
			if s, ok := id.(string); ok {
				h.span.SetAttributes(tracing.CorrelationAttr(s))
			}
		}
		h.end(nil)
	}
	return nil
}
