package interceptor

import (
	"context"

	"github.com/lsm/rpcflow/internal/message"
)

// FaultListenerKey is the contextual property under which a FaultListener is looked up.
const FaultListenerKey message.Key = "rpcflow.fault-listener"

// FaultListener is consulted when an interceptor fails. Returning false suppresses the
// chain's default fault logging.
type FaultListener interface {
	FaultOccurred(err error, description string, msg *message.Message) bool
}

// FaultListenerFunc adapts a function to FaultListener.
type FaultListenerFunc func(err error, description string, msg *message.Message) bool

// FaultOccurred implements FaultListener.
func (f FaultListenerFunc) FaultOccurred(err error, description string, msg *message.Message) bool {
	return f(err, description, msg)
}

// Observer receives a message, typically to start another chain. The fault observer of a
// chain is notified once the unwind has finished.
type Observer interface {
	OnMessage(ctx context.Context, msg *message.Message)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, msg *message.Message)

// OnMessage implements Observer.
func (f ObserverFunc) OnMessage(ctx context.Context, msg *message.Message) { f(ctx, msg) }

// MetricsRecorder receives chain execution measurements.
type MetricsRecorder interface {
	ObserveInterceptor(phase string, seconds float64)
	IncFault(phase string)
	IncExecution(chain, outcome string)
}

func faultListener(msg *message.Message) FaultListener {
	v, ok := msg.ContextualProperty(FaultListenerKey)
	if !ok {
		return nil
	}
	l, _ := v.(FaultListener)
	return l
}
