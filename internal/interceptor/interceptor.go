package interceptor

import (
	"context"
	"reflect"
	"slices"

	"github.com/lsm/rpcflow/internal/message"
)

// Wildcard in Before or After places an interceptor first or last in its phase.
const Wildcard = "*"

// Interceptor is a single processing step of a chain.
type Interceptor interface {
	// ID identifies the interceptor for ordering constraints.
	ID() string
	// Phase names the phase the interceptor runs in.
	Phase() string
	// Before lists ids this interceptor must precede within its phase.
	Before() []string
	// After lists ids this interceptor must follow within its phase.
	After() []string
	// HandleMessage processes msg. A returned error diverts the chain into fault handling,
	// unless it matches ErrSuspended.
	HandleMessage(ctx context.Context, msg *message.Message) error
	// HandleFault runs during the reverse unwind after a later step failed.
	HandleFault(ctx context.Context, msg *message.Message)
}

// AdditionalProvider is implemented by interceptors that bring companion interceptors with
// them. The extras are added to the chain alongside the provider.
type AdditionalProvider interface {
	AdditionalInterceptors() []Interceptor
}

// Provider supplies interceptors for a chain, for example a bus or an endpoint.
type Provider interface {
	Interceptors() []Interceptor
}

// List is a static Provider.
type List []Interceptor

// Interceptors implements Provider.
func (l List) Interceptors() []Interceptor { return l }

// Base carries the id, phase and ordering constraints of an interceptor. Embed a Base in
// concrete interceptors and implement HandleMessage.
type Base struct {
	id     string
	phase  string
	before []string
	after  []string
}

// NewBase creates a Base for id in phase.
func NewBase(id, phase string) Base {
	return Base{id: id, phase: phase}
}

func (b *Base) ID() string       { return b.id }
func (b *Base) Phase() string    { return b.phase }
func (b *Base) Before() []string { return b.before }
func (b *Base) After() []string  { return b.after }

// AddBefore declares ids this interceptor must run before.
func (b *Base) AddBefore(ids ...string) {
	for _, id := range ids {
		if !slices.Contains(b.before, id) {
			b.before = append(b.before, id)
		}
	}
}

// AddAfter declares ids this interceptor must run after.
func (b *Base) AddAfter(ids ...string) {
	for _, id := range ids {
		if !slices.Contains(b.after, id) {
			b.after = append(b.after, id)
		}
	}
}

// HandleFault is a no-op.
func (b *Base) HandleFault(context.Context, *message.Message) {}

// TypeID returns the package-qualified type name of v, for interceptors identified by type.
func TypeID(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// HandlerFunc handles a message.
type HandlerFunc func(ctx context.Context, msg *message.Message) error

// FaultFunc handles a fault during unwind.
type FaultFunc func(ctx context.Context, msg *message.Message)

// Func adapts plain functions to Interceptor.
type Func struct {
	Base
	handle HandlerFunc
	fault  FaultFunc
}

// NewFunc creates an interceptor running fn in phase.
func NewFunc(id, phase string, fn HandlerFunc) *Func {
	return &Func{Base: NewBase(id, phase), handle: fn}
}

// OnFault sets the fault handler and returns f.
func (f *Func) OnFault(fn FaultFunc) *Func {
	f.fault = fn
	return f
}

// HandleMessage implements Interceptor.
func (f *Func) HandleMessage(ctx context.Context, msg *message.Message) error {
	if f.handle == nil {
		return nil
	}
	return f.handle(ctx, msg)
}

// HandleFault implements Interceptor.
func (f *Func) HandleFault(ctx context.Context, msg *message.Message) {
	if f.fault != nil {
		f.fault(ctx, msg)
	}
}

// same reports whether a and b are the identical interceptor instance.
func same(a, b Interceptor) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
