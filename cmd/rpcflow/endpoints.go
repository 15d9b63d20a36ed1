package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/rpcflow/internal/bus"
	"github.com/lsm/rpcflow/internal/cachedio"
	"github.com/lsm/rpcflow/internal/config"
	"github.com/lsm/rpcflow/internal/dlq"
	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/interceptor/cloudevents"
	"github.com/lsm/rpcflow/internal/interceptor/correlation"
	"github.com/lsm/rpcflow/internal/interceptor/deadletter"
	grpcstep "github.com/lsm/rpcflow/internal/interceptor/grpc"
	"github.com/lsm/rpcflow/internal/interceptor/logging"
	"github.com/lsm/rpcflow/internal/interceptor/policy"
	ratelimitstep "github.com/lsm/rpcflow/internal/interceptor/ratelimit"
	schemastep "github.com/lsm/rpcflow/internal/interceptor/schema"
	"github.com/lsm/rpcflow/internal/interceptor/stream"
	wasmstep "github.com/lsm/rpcflow/internal/interceptor/wasm"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/observability"
	"github.com/lsm/rpcflow/internal/phase"
	"github.com/lsm/rpcflow/internal/ratelimit"
	"github.com/lsm/rpcflow/internal/schema"
	"github.com/lsm/rpcflow/internal/wasm"
)

// pathKey holds the HTTP path an endpoint is mounted at.
const pathKey message.Key = "rpcflow.endpoint.path"

// assembly turns endpoint definitions into bus endpoints and keeps what hot reload and
// shutdown need.
type assembly struct {
	bus       *bus.Bus
	limiter   *ratelimit.Limiter
	metrics   *observability.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	cache     cachedio.Config
	cacheOpts []cachedio.Option
	publisher dlq.Publisher
	dlq       config.DLQConfig

	mu      sync.Mutex
	guards  map[string]*policy.Guard
	closers []io.Closer
}

func newAssembly(b *bus.Bus, rt config.Runtime, pub dlq.Publisher, metrics *observability.Metrics, tracer trace.Tracer, logger *slog.Logger) *assembly {
	a := &assembly{
		bus:       b,
		limiter:   ratelimit.New(),
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger,
		cache:     rt.CacheSettings(),
		publisher: pub,
		dlq:       rt.DLQ,
		guards:    make(map[string]*policy.Guard),
	}
	if metrics != nil {
		a.cacheOpts = append(a.cacheOpts, cachedio.WithSpillObserver(metrics))
	}
	a.cacheOpts = append(a.cacheOpts, cachedio.WithLogger(logger))
	return a
}

// build creates and registers endpoints for defs in name order.
func (a *assembly) build(ctx context.Context, defs map[string]*config.EndpointDefinition) ([]*bus.Endpoint, error) {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	eps := make([]*bus.Endpoint, 0, len(names))
	for _, name := range names {
		ep, err := a.endpoint(ctx, defs[name])
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
		if err := a.bus.Register(ep); err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func (a *assembly) track(c io.Closer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, c)
}

func (a *assembly) endpoint(ctx context.Context, def *config.EndpointDefinition) (*bus.Endpoint, error) {
	invoker, err := a.invoker(ctx, def)
	if err != nil {
		return nil, err
	}

	var recorder ratelimitstep.Recorder
	if a.metrics != nil {
		recorder = a.metrics
	}
	a.limiter.Set(def.Name, def.RateLimit)

	in := []interceptor.Interceptor{
		ratelimitstep.New(a.limiter, recorder, a.logger),
		stream.New(a.cache, a.cacheOpts...),
		correlation.NewIn(),
	}
	out := []interceptor.Interceptor{correlation.NewOut()}
	outFault := []interceptor.Interceptor{correlation.NewOut()}

	if def.Logging.Enabled {
		opts := []logging.Option{logging.WithCache(a.cache, a.cacheOpts...)}
		if def.Logging.Limit > 0 {
			opts = append(opts, logging.WithLimit(int64(def.Logging.Limit)))
		}
		in = append(in, logging.NewIn(a.logger, opts...))
		out = append(out, logging.NewOut(a.logger, opts...))
		outFault = append(outFault, logging.NewOut(a.logger, opts...))
	}

	if ce := def.CloudEvents; ce != nil {
		in = append(in, cloudevents.NewDecode(ce.Required))
		if ce.ResponseType != "" {
			out = append(out, cloudevents.NewEncode(ce.ResponseType, ce.Source, ce.Always))
		}
	}

	if def.Schema != "" {
		v, err := schema.Load(def.Schema)
		if err != nil {
			return nil, err
		}
		in = append(in, schemastep.New(v))
	}

	if tr := def.Transform; tr != nil {
		ph := tr.Phase
		if ph == "" {
			ph = phase.UserLogical
		}
		step, err := policy.NewTransform("transform:"+def.Name, tr.CEL, ph)
		if err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
		in = append(in, step)
	}

	for _, sc := range def.Sidecars {
		ph := sc.Phase
		if ph == "" {
			ph = phase.UserProtocol
		}
		client, err := grpcstep.Dial(grpcstep.Config{
			Address: sc.Address,
			Method:  sc.Method,
			TLS:     sc.TLS,
			Timeout: sc.Timeout,
			Phase:   ph,
		})
		if err != nil {
			return nil, fmt.Errorf("sidecar %s: %w", sc.Name, err)
		}
		a.track(client)
		in = append(in, grpcstep.New("sidecar:"+sc.Name, ph, client, sc.Timeout, a.tracer, a.logger))
	}

	for _, w := range def.WASM {
		rt, err := wasm.Load(ctx, moduleConfig(w.Module))
		if err != nil {
			return nil, fmt.Errorf("wasm step %s: %w", w.Name, err)
		}
		a.track(rt)
		ph := w.Phase
		if w.Direction == wasmstep.Outbound {
			if ph == "" {
				ph = phase.PreMarshal
			}
			out = append(out, wasmstep.New(rt, w.Name, ph, a.logger))
			continue
		}
		if ph == "" {
			ph = phase.UserLogical
		}
		in = append(in, wasmstep.New(rt, w.Name, ph, a.logger))
	}

	if def.Policy != "" {
		guard, err := policy.NewGuard(def.Policy)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		a.mu.Lock()
		a.guards[def.Name] = guard
		a.mu.Unlock()
		in = append(in, guard)
	}

	if def.DeadLetter.Enabled {
		outFault = append(outFault, a.deadLetter(def))
	}

	return bus.NewEndpoint(def.Name, invoker,
		bus.WithIn(in...),
		bus.WithOut(out...),
		bus.WithOutFault(outFault...),
		bus.WithEndpointProperty(pathKey, def.Path),
	), nil
}

func (a *assembly) invoker(ctx context.Context, def *config.EndpointDefinition) (bus.Invoker, error) {
	switch def.Invoker.Type {
	case "", config.InvokerEcho:
		return bus.Echo{}, nil
	case config.InvokerWASM:
		rt, err := wasm.Load(ctx, moduleConfig(def.Invoker.Module))
		if err != nil {
			return nil, fmt.Errorf("wasm invoker: %w", err)
		}
		inv := wasmstep.NewInvoker(rt, def.Name)
		a.track(inv)
		return inv, nil
	default:
		return nil, fmt.Errorf("unsupported invoker type: %s", def.Invoker.Type)
	}
}

func (a *assembly) deadLetter(def *config.EndpointDefinition) *deadletter.Interceptor {
	topic := def.DeadLetter.Topic
	if topic == "" {
		topic = a.dlq.TopicPrefix + def.Name
	}
	handler := dlq.NewHandler(a.publisher,
		dlq.WithTopicFunc(func(string) string { return topic }),
		dlq.WithRetry(a.dlq.Retry),
	)
	opts := []deadletter.Option{deadletter.WithLogger(a.logger)}
	if a.dlq.MinStatus > 0 {
		opts = append(opts, deadletter.WithMinStatus(a.dlq.MinStatus))
	}
	if a.metrics != nil {
		opts = append(opts, deadletter.WithRecorder(a.metrics))
	}
	return deadletter.New(handler, opts...)
}

// reload re-applies rate limits and policies of endpoints that are already registered.
// Added or removed endpoints take effect on restart.
func (a *assembly) reload(defs map[string]*config.EndpointDefinition) {
	for _, ep := range a.bus.Endpoints() {
		def, ok := defs[ep.Name()]
		if !ok {
			a.logger.Warn("endpoint definition removed, restart to unmount", "endpoint", ep.Name())
			continue
		}
		a.limiter.Set(ep.Name(), def.RateLimit)

		a.mu.Lock()
		guard := a.guards[ep.Name()]
		a.mu.Unlock()
		switch {
		case guard != nil && def.Policy == "":
			if err := guard.SetExpression("true"); err != nil {
				a.logger.Error("clearing policy", "endpoint", ep.Name(), "error", err)
			}
		case guard != nil:
			if err := guard.SetExpression(def.Policy); err != nil {
				a.logger.Error("invalid policy, keeping previous", "endpoint", ep.Name(), "error", err)
			}
		case def.Policy != "":
			g, err := policy.NewGuard(def.Policy)
			if err != nil {
				a.logger.Error("invalid policy", "endpoint", ep.Name(), "error", err)
				continue
			}
			a.mu.Lock()
			a.guards[ep.Name()] = g
			a.mu.Unlock()
			ep.SetIn(append(ep.In(), g)...)
		}
		a.logger.Info("endpoint settings reloaded", "endpoint", ep.Name(), "rps", def.RateLimit.RPS)
	}
	for name := range defs {
		if _, ok := a.bus.Endpoint(name); !ok {
			a.logger.Warn("new endpoint definition, restart to mount", "endpoint", name)
		}
	}
}

func (a *assembly) Close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i].Close())
	}
	return errors.Join(errs...)
}

func moduleConfig(m config.ModuleConfig) wasm.Config {
	return wasm.Config{
		ModulePath:  m.Path,
		MemoryLimit: int64(m.MemoryLimit),
		Timeout:     m.Timeout,
		Env:         m.Env,
	}
}
