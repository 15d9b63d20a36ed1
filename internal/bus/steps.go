package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/rpcflow/internal/cachedio"
	"github.com/lsm/rpcflow/internal/interceptor"
	itracing "github.com/lsm/rpcflow/internal/interceptor/tracing"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/phase"
	"github.com/lsm/rpcflow/internal/tracing"
)

// wireKey holds the transport writer that the cached response stream is copied to.
const wireKey message.ContentKey = "rpcflow.bus.wire"

// ErrNoConduit is returned when an outbound message has nowhere to go.
var ErrNoConduit = errors.New("exchange has no conduit")

// ServiceInvokerInterceptor calls the endpoint's Invoker and stores the result in a new
// out message.
type ServiceInvokerInterceptor struct {
	interceptor.Base
	tracer trace.Tracer
}

func newServiceInvoker(b *Bus) *ServiceInvokerInterceptor {
	return &ServiceInvokerInterceptor{
		Base:   interceptor.NewBase(interceptor.TypeID((*ServiceInvokerInterceptor)(nil)), phase.Invoke),
		tracer: b.tracer,
	}
}

// HandleMessage implements interceptor.Interceptor.
func (s *ServiceInvokerInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	ex := msg.Exchange()
	ep, ok := EndpointOf(ex)
	if !ok || ep.Invoker() == nil {
		return message.NewFault(http.StatusNotFound, "no_endpoint", errors.New("no service bound to exchange"))
	}
	payload, err := msg.ReadPayload()
	if err != nil {
		return message.NewFault(http.StatusBadRequest, "read_failed", err)
	}

	out := ex.OutMessage()
	if out == nil && !ex.OneWay() {
		out = message.New()
		out.SetRequestor(msg.IsRequestor())
		ex.SetOutMessage(out)
	}

	if s.tracer != nil {
		var span trace.Span
		ctx, span = tracing.StartSpan(itracing.ContextWithSpan(ctx, msg), s.tracer, tracing.SpanInvoke,
			trace.WithAttributes(tracing.EndpointAttr(ep.Name()), tracing.MessageIDAttr(msg.ID())))
		defer span.End()
		defer func() {
			if err != nil && !errors.Is(err, interceptor.ErrSuspended) {
				tracing.SetSpanError(span, err)
			}
		}()
	}

	var result []byte
	result, err = ep.Invoker().Invoke(ctx, ex, payload)
	if err != nil {
		return err
	}
	if out != nil {
		out.SetContent(message.ContentPayload, result)
	}
	return nil
}

// OutgoingChainInterceptor runs the out chain for the response once the service has
// been invoked.
type OutgoingChainInterceptor struct {
	interceptor.Base
	bus *Bus
}

func newOutgoingChain(b *Bus) *OutgoingChainInterceptor {
	return &OutgoingChainInterceptor{
		Base: interceptor.NewBase(interceptor.TypeID((*OutgoingChainInterceptor)(nil)), phase.PostInvoke),
		bus:  b,
	}
}

// HandleMessage implements interceptor.Interceptor.
func (o *OutgoingChainInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	ex := msg.Exchange()
	if ex == nil || ex.OneWay() {
		return nil
	}
	out := ex.OutMessage()
	if out == nil {
		return nil
	}

	if v, ok := ex.Get(OutChainKey); ok {
		if chain, ok := v.(*interceptor.Chain); ok && chain.State() == interceptor.Paused {
			return chain.Resume(ctx)
		}
	}

	ep, ok := EndpointOf(ex)
	if !ok {
		return errors.New("exchange has no endpoint")
	}
	chain, err := o.bus.outChain(ep)
	if err != nil {
		return fmt.Errorf("build out chain: %w", err)
	}
	ex.Put(OutChainKey, chain)
	return chain.DoIntercept(ctx, out)
}

// MessageSenderInterceptor prepares the conduit of an outbound message and puts a cached
// output stream in front of it. Its ending step copies the cache to the conduit and
// closes both.
type MessageSenderInterceptor struct {
	interceptor.Base
	bus    *Bus
	ending *messageSenderEnding
}

func newMessageSender(b *Bus) *MessageSenderInterceptor {
	ms := &MessageSenderInterceptor{
		Base: interceptor.NewBase(interceptor.TypeID((*MessageSenderInterceptor)(nil)), phase.PrepareSend),
		bus:  b,
	}
	ms.ending = &messageSenderEnding{
		Base: interceptor.NewBase(interceptor.TypeID((*messageSenderEnding)(nil)), phase.PrepareSendEnding),
		bus:  b,
	}
	return ms
}

// AdditionalInterceptors implements interceptor.AdditionalProvider.
func (ms *MessageSenderInterceptor) AdditionalInterceptors() []interceptor.Interceptor {
	return []interceptor.Interceptor{ms.ending}
}

// HandleMessage implements interceptor.Interceptor.
func (ms *MessageSenderInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	ex := msg.Exchange()
	if ex == nil {
		return ErrNoConduit
	}
	conduit := ex.Conduit()
	if conduit == nil {
		if d := ex.Destination(); d != nil {
			c, err := d.BackChannel(msg)
			if err != nil {
				return fmt.Errorf("back channel: %w", err)
			}
			conduit = c
			ex.SetConduit(c)
		}
	}
	if conduit == nil {
		return ErrNoConduit
	}
	if err := conduit.Prepare(ctx, msg); err != nil {
		return fmt.Errorf("prepare conduit: %w", err)
	}
	wire, ok := msg.Content(message.ContentOutputStream).(io.Writer)
	if !ok {
		return fmt.Errorf("conduit %T installed no output stream", conduit)
	}
	cos := cachedio.New(ms.bus.cache, ms.bus.cacheOpts...)
	msg.SetContent(wireKey, wire)
	msg.SetContent(message.ContentOutputStream, cos)
	return nil
}

// HandleFault drops the cached response so a fault response can take its place.
func (ms *MessageSenderInterceptor) HandleFault(_ context.Context, msg *message.Message) {
	if cos, ok := msg.Content(message.ContentOutputStream).(*cachedio.OutputStream); ok {
		_ = cos.Close()
	}
	msg.SetContent(message.ContentOutputStream, nil)
	msg.SetContent(wireKey, nil)
}

type messageSenderEnding struct {
	interceptor.Base
	bus *Bus
}

func (e *messageSenderEnding) HandleMessage(_ context.Context, msg *message.Message) error {
	ex := msg.Exchange()
	cos, ok := msg.Content(message.ContentOutputStream).(*cachedio.OutputStream)
	if !ok {
		return nil
	}
	wire, _ := msg.Content(wireKey).(io.Writer)
	if wire == nil {
		_ = cos.Close()
		return ErrNoConduit
	}

	ex.Put(respondedKey, true)
	msg.SetContent(message.ContentOutputStream, wire)
	copyErr := cos.WriteCacheTo(wire)
	closeErr := ex.Conduit().Close(msg)
	if err := cos.Close(); err != nil {
		e.bus.logger.Debug("closing cached response", "message_id", msg.ID(), "error", err)
	}
	if copyErr != nil {
		return fmt.Errorf("write response: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close conduit: %w", closeErr)
	}
	return nil
}

// PayloadWriterInterceptor writes the message payload to its output stream.
type PayloadWriterInterceptor struct {
	interceptor.Base
}

func newPayloadWriter() *PayloadWriterInterceptor {
	return &PayloadWriterInterceptor{
		Base: interceptor.NewBase(interceptor.TypeID((*PayloadWriterInterceptor)(nil)), phase.Send),
	}
}

// HandleMessage implements interceptor.Interceptor.
func (p *PayloadWriterInterceptor) HandleMessage(_ context.Context, msg *message.Message) error {
	payload := msg.Payload()
	if len(payload) == 0 {
		return nil
	}
	w, ok := msg.Content(message.ContentOutputStream).(io.Writer)
	if !ok {
		return errors.New("no output stream to write payload to")
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// FaultWriterInterceptor renders the fault of an out-fault message as a JSON body.
type FaultWriterInterceptor struct {
	interceptor.Base
}

func newFaultWriter() *FaultWriterInterceptor {
	return &FaultWriterInterceptor{
		Base: interceptor.NewBase(interceptor.TypeID((*FaultWriterInterceptor)(nil)), phase.PreMarshal),
	}
}

type faultBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// HandleMessage implements interceptor.Interceptor.
func (f *FaultWriterInterceptor) HandleMessage(_ context.Context, msg *message.Message) error {
	cause := msg.Fault()
	if cause == nil {
		return nil
	}
	msg.Put(message.ResponseCodeKey, message.StatusOf(cause))
	headers := msg.Headers()
	for k, vs := range message.HeadersOf(cause) {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}

	body := faultBody{Error: message.CodeOf(cause), Message: cause.Error()}
	if v, ok := msg.ContextualProperty(message.CorrelationIDKey); ok {
		body.CorrelationID, _ = v.(string)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal fault: %w", err)
	}
	msg.Put(message.ContentTypeKey, "application/json")
	msg.SetContent(message.ContentPayload, data)
	return nil
}
