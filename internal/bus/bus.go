// Package bus assembles interceptor chains for registered endpoints and drives exchanges
// through them: the in chain, the out chain it hands over to, and the out-fault chain run
// when either of them faults.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/rpcflow/internal/cachedio"
	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/phase"
)

// Exchange properties set by the bus.
const (
	EndpointKey   message.Key = "rpcflow.bus.endpoint"
	InChainKey    message.Key = "rpcflow.bus.in-chain"
	OutChainKey   message.Key = "rpcflow.bus.out-chain"
	completionKey message.Key = "rpcflow.bus.completion"
	respondedKey  message.Key = "rpcflow.bus.responded"
)

// ErrDuplicateEndpoint is returned when an endpoint name is registered twice.
var ErrDuplicateEndpoint = errors.New("endpoint already registered")

// Metrics is what the bus records about chains and finished exchanges.
type Metrics interface {
	interceptor.MetricsRecorder
	IncRequest(endpoint string, status int)
}

// Bus owns the phase sets, the bus-level interceptors and the endpoint registry.
type Bus struct {
	phases    *phase.Manager
	props     *message.Properties
	logger    *slog.Logger
	metrics   Metrics
	tracer    trace.Tracer
	cache     cachedio.Config
	cacheOpts []cachedio.Option

	mu        sync.RWMutex
	in        []interceptor.Interceptor
	out       []interceptor.Interceptor
	outFault  []interceptor.Interceptor
	endpoints map[string]*Endpoint
	caches    map[string]*interceptor.ChainCache

	invoker  *ServiceInvokerInterceptor
	outgoing *OutgoingChainInterceptor
	sender   *MessageSenderInterceptor
	writer   *PayloadWriterInterceptor
	faults   *FaultWriterInterceptor
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger. It is also handed to every chain.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records chain and request metrics.
func WithMetrics(m Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithTracer opens an invoke span around every service invocation.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bus) { b.tracer = t }
}

// WithCache sets the configuration of the cached response streams.
func WithCache(cfg cachedio.Config, opts ...cachedio.Option) Option {
	return func(b *Bus) {
		b.cache = cfg.Normalize()
		b.cacheOpts = opts
	}
}

// WithPhases replaces the default phase manager.
func WithPhases(m *phase.Manager) Option {
	return func(b *Bus) { b.phases = m }
}

// WithProperty sets a bus property, visible to contextual lookups of every exchange.
func WithProperty(key message.Key, v any) Option {
	return func(b *Bus) { b.props.Put(key, v) }
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		phases:    phase.DefaultManager(),
		props:     message.NewProperties(),
		logger:    slog.Default(),
		cache:     cachedio.DefaultConfig(),
		endpoints: make(map[string]*Endpoint),
		caches:    make(map[string]*interceptor.ChainCache),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.invoker = newServiceInvoker(b)
	b.outgoing = newOutgoingChain(b)
	b.sender = newMessageSender(b)
	b.writer = newPayloadWriter()
	b.faults = newFaultWriter()
	return b
}

// Logger returns the bus logger.
func (b *Bus) Logger() *slog.Logger { return b.logger }

// Phases returns the phase manager.
func (b *Bus) Phases() *phase.Manager { return b.phases }

// Properties returns the bus property bag.
func (b *Bus) Properties() *message.Properties { return b.props }

// Property implements message.PropertySource.
func (b *Bus) Property(key message.Key) (any, bool) { return b.props.Get(key) }

// AddIn appends bus-level interceptors to every in chain.
func (b *Bus) AddIn(ics ...interceptor.Interceptor) { b.add(&b.in, ics) }

// AddOut appends bus-level interceptors to every out chain.
func (b *Bus) AddOut(ics ...interceptor.Interceptor) { b.add(&b.out, ics) }

// AddOutFault appends bus-level interceptors to every out-fault chain.
func (b *Bus) AddOutFault(ics ...interceptor.Interceptor) { b.add(&b.outFault, ics) }

func (b *Bus) add(list *[]interceptor.Interceptor, ics []interceptor.Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	*list = append(*list, ics...)
}

// Register adds an endpoint.
func (b *Bus) Register(ep *Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.endpoints[ep.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, ep.Name())
	}
	b.endpoints[ep.Name()] = ep
	return nil
}

// Endpoint returns a registered endpoint.
func (b *Bus) Endpoint(name string) (*Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.endpoints[name]
	return ep, ok
}

// Endpoints returns the registered endpoints sorted by name.
func (b *Bus) Endpoints() []*Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// NewExchange creates an exchange for a request to ep. Contextual lookups fall back to
// the endpoint, then to the bus.
func (b *Bus) NewExchange(ep *Endpoint, in *message.Message) *message.Exchange {
	ex := message.NewExchange(in, ep, b)
	ex.Put(EndpointKey, ep)
	ex.Put(completionKey, &completion{done: make(chan struct{})})
	return ex
}

// Observer returns the observer a transport hands received messages for ep to.
func (b *Bus) Observer(ep *Endpoint) *ChainInitiationObserver {
	return &ChainInitiationObserver{bus: b, endpoint: ep}
}

// EndpointOf returns the endpoint an exchange was created for.
func EndpointOf(ex *message.Exchange) (*Endpoint, bool) {
	if ex == nil {
		return nil, false
	}
	v, ok := ex.Get(EndpointKey)
	if !ok {
		return nil, false
	}
	ep, ok := v.(*Endpoint)
	return ep, ok
}

type completion struct {
	once sync.Once
	done chan struct{}
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done returns a channel closed once the exchange has finished, that is after its
// response was sent or it failed for good. A suspended exchange is not done.
func Done(ex *message.Exchange) <-chan struct{} {
	v, _ := ex.Get(completionKey)
	if c, ok := v.(*completion); ok {
		return c.done
	}
	return closedDone
}

// Responded reports whether a response was committed to the transport.
func Responded(ex *message.Exchange) bool {
	v, _ := ex.Get(respondedKey)
	ok, _ := v.(bool)
	return ok
}

func (b *Bus) chainOptions(name string, observer interceptor.Observer) []interceptor.Option {
	opts := []interceptor.Option{
		interceptor.WithLogger(b.logger),
		interceptor.WithName(name),
		interceptor.WithFaultObserver(observer),
	}
	if b.metrics != nil {
		opts = append(opts, interceptor.WithMetrics(b.metrics))
	}
	return opts
}

func (b *Bus) chainCache(key string, set *phase.Set) *interceptor.ChainCache {
	b.mu.Lock()
	defer b.mu.Unlock()
	cc, ok := b.caches[key]
	if !ok {
		cc = interceptor.NewChainCache(set)
		b.caches[key] = cc
	}
	return cc
}

func (b *Bus) lists(busLevel *[]interceptor.Interceptor, endpointLevel []interceptor.Interceptor, std ...interceptor.Interceptor) [][]interceptor.Interceptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return [][]interceptor.Interceptor{slices.Clone(*busLevel), endpointLevel, std}
}

func (b *Bus) inChain(ep *Endpoint) (*interceptor.Chain, error) {
	name := ep.Name() + ".in"
	lists := b.lists(&b.in, ep.In(), b.invoker, b.outgoing)
	return b.chainCache(name, b.phases.InPhases()).Get(lists, b.chainOptions(name, b.faultObserver(ep))...)
}

func (b *Bus) outChain(ep *Endpoint) (*interceptor.Chain, error) {
	name := ep.Name() + ".out"
	lists := b.lists(&b.out, ep.Out(), b.sender, b.writer)
	return b.chainCache(name, b.phases.OutPhases()).Get(lists, b.chainOptions(name, b.faultObserver(ep))...)
}

func (b *Bus) outFaultChain(ep *Endpoint) (*interceptor.Chain, error) {
	name := ep.Name() + ".out-fault"
	lists := b.lists(&b.outFault, ep.OutFault(), b.faults, b.sender, b.writer)
	return b.chainCache(name, b.phases.OutPhases()).Get(lists, b.chainOptions(name, nil)...)
}

func (b *Bus) faultObserver(ep *Endpoint) *OutFaultObserver {
	return &OutFaultObserver{bus: b, endpoint: ep}
}

// finish records the outcome, releases exchange resources and signals completion.
func (b *Bus) finish(ex *message.Exchange) {
	ep, _ := EndpointOf(ex)
	if b.metrics != nil && ep != nil {
		b.metrics.IncRequest(ep.Name(), responseCode(ex))
	}
	if err := ex.Close(); err != nil {
		b.logger.Warn("closing exchange resources", "error", err)
	}
	if v, ok := ex.Get(completionKey); ok {
		if c, ok := v.(*completion); ok {
			c.once.Do(func() { close(c.done) })
		}
	}
}

func responseCode(ex *message.Exchange) int {
	for _, m := range []*message.Message{ex.OutFaultMessage(), ex.OutMessage()} {
		if m == nil {
			continue
		}
		if code, ok := m.Get(message.ResponseCodeKey); ok {
			if c, ok := code.(int); ok {
				return c
			}
		}
	}
	if in := ex.InMessage(); in != nil && in.Fault() != nil {
		return message.StatusOf(in.Fault())
	}
	if ex.OneWay() {
		return 202
	}
	return 200
}
