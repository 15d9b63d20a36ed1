package bus

import (
	"context"
	"slices"
	"sync"

	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/message"
)

// Invoker is the service implementation behind an endpoint. It receives the request
// payload and returns the response payload. Returning an error matching
// interceptor.ErrSuspended parks the exchange until it is resumed.
type Invoker interface {
	Invoke(ctx context.Context, ex *message.Exchange, payload []byte) ([]byte, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, ex *message.Exchange, payload []byte) ([]byte, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, ex *message.Exchange, payload []byte) ([]byte, error) {
	return f(ctx, ex, payload)
}

// Echo returns the request payload unchanged.
type Echo struct{}

// Invoke implements Invoker.
func (Echo) Invoke(_ context.Context, ex *message.Exchange, payload []byte) ([]byte, error) {
	if in, out := ex.InMessage(), ex.OutMessage(); in != nil && out != nil {
		if ct := in.ContentType(); ct != "" {
			out.Put(message.ContentTypeKey, ct)
		}
	}
	return payload, nil
}

// Endpoint is a named service with its own interceptors and properties.
type Endpoint struct {
	name    string
	invoker Invoker
	props   *message.Properties

	mu       sync.RWMutex
	in       []interceptor.Interceptor
	out      []interceptor.Interceptor
	outFault []interceptor.Interceptor
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithIn appends interceptors to the endpoint's in chain.
func WithIn(ics ...interceptor.Interceptor) EndpointOption {
	return func(e *Endpoint) { e.in = append(e.in, ics...) }
}

// WithOut appends interceptors to the endpoint's out chain.
func WithOut(ics ...interceptor.Interceptor) EndpointOption {
	return func(e *Endpoint) { e.out = append(e.out, ics...) }
}

// WithOutFault appends interceptors to the endpoint's out-fault chain.
func WithOutFault(ics ...interceptor.Interceptor) EndpointOption {
	return func(e *Endpoint) { e.outFault = append(e.outFault, ics...) }
}

// WithEndpointProperty sets an endpoint property.
func WithEndpointProperty(key message.Key, v any) EndpointOption {
	return func(e *Endpoint) { e.props.Put(key, v) }
}

// NewEndpoint creates an endpoint served by invoker.
func NewEndpoint(name string, invoker Invoker, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{name: name, invoker: invoker, props: message.NewProperties()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.name }

// Invoker returns the service implementation.
func (e *Endpoint) Invoker() Invoker { return e.invoker }

// Properties returns the endpoint property bag.
func (e *Endpoint) Properties() *message.Properties { return e.props }

// Property implements message.PropertySource. EndpointNameKey always resolves to the
// endpoint name.
func (e *Endpoint) Property(key message.Key) (any, bool) {
	if key == message.EndpointNameKey {
		return e.name, true
	}
	return e.props.Get(key)
}

// In returns a copy of the endpoint's in interceptors.
func (e *Endpoint) In() []interceptor.Interceptor { return e.snapshot(&e.in) }

// Out returns a copy of the endpoint's out interceptors.
func (e *Endpoint) Out() []interceptor.Interceptor { return e.snapshot(&e.out) }

// OutFault returns a copy of the endpoint's out-fault interceptors.
func (e *Endpoint) OutFault() []interceptor.Interceptor { return e.snapshot(&e.outFault) }

// SetIn replaces the in interceptors. Exchanges already running keep their chain.
func (e *Endpoint) SetIn(ics ...interceptor.Interceptor) { e.replace(&e.in, ics) }

// SetOut replaces the out interceptors.
func (e *Endpoint) SetOut(ics ...interceptor.Interceptor) { e.replace(&e.out, ics) }

// SetOutFault replaces the out-fault interceptors.
func (e *Endpoint) SetOutFault(ics ...interceptor.Interceptor) { e.replace(&e.outFault, ics) }

func (e *Endpoint) snapshot(list *[]interceptor.Interceptor) []interceptor.Interceptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(*list)
}

func (e *Endpoint) replace(list *[]interceptor.Interceptor, ics []interceptor.Interceptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	*list = slices.Clone(ics)
}
