// Package correlation propagates a correlation id from the request to the response.
package correlation

import (
	"context"

	"github.com/lsm/rpcflow/internal/correlation"
	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/phase"
)

// SourceKey records which header the id came from.
const SourceKey message.Key = "rpcflow.correlation.source"

// In resolves the correlation id of an inbound message and stores it on the message and
// its exchange.
type In struct {
	interceptor.Base
}

// NewIn creates the inbound step.
func NewIn() *In {
	return &In{Base: interceptor.NewBase(interceptor.TypeID((*In)(nil)), phase.PreProtocol)}
}

// HandleMessage implements interceptor.Interceptor.
func (i *In) HandleMessage(_ context.Context, msg *message.Message) error {
	id := correlation.ExtractOrGenerate(msg.Headers())
	msg.Put(message.CorrelationIDKey, id.Value)
	msg.Put(SourceKey, id.Source)
	if ex := msg.Exchange(); ex != nil {
		ex.Put(message.CorrelationIDKey, id.Value)
	}
	return nil
}

// Out copies the exchange's correlation id onto the outbound headers.
type Out struct {
	interceptor.Base
}

// NewOut creates the outbound step.
func NewOut() *Out {
	return &Out{Base: interceptor.NewBase(interceptor.TypeID((*Out)(nil)), phase.PreProtocol)}
}

// HandleMessage implements interceptor.Interceptor.
func (o *Out) HandleMessage(_ context.Context, msg *message.Message) error {
	v, ok := msg.ContextualProperty(message.CorrelationIDKey)
	if !ok {
		return nil
	}
	id, _ := v.(string)
	if id == "" {
		return nil
	}
	correlation.AddToHeaders(msg.Headers(), correlation.ID{Value: id})
	return nil
}

// ID returns the correlation id visible to msg, or "".
func ID(msg *message.Message) string {
	v, _ := msg.ContextualProperty(message.CorrelationIDKey)
	s, _ := v.(string)
	return s
}
