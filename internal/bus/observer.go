package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/message"
)

// ErrNotSuspended is returned by Resume for an exchange whose in chain is not paused.
var ErrNotSuspended = errors.New("exchange is not suspended")

// ChainInitiationObserver starts the in chain for messages received on an endpoint.
type ChainInitiationObserver struct {
	bus      *Bus
	endpoint *Endpoint
}

// Endpoint returns the endpoint the observer serves.
func (o *ChainInitiationObserver) Endpoint() *Endpoint { return o.endpoint }

// OnMessage implements interceptor.Observer. It returns once the exchange has finished
// or was suspended; Done reports the former.
func (o *ChainInitiationObserver) OnMessage(ctx context.Context, msg *message.Message) {
	ex := msg.Exchange()
	if ex == nil {
		ex = o.bus.NewExchange(o.endpoint, msg)
	}
	if _, ok := ex.Get(completionKey); !ok {
		ex.Put(completionKey, &completion{done: make(chan struct{})})
	}
	if _, ok := ex.Get(EndpointKey); !ok {
		ex.Put(EndpointKey, o.endpoint)
		ex.AddPropertySource(o.endpoint)
		ex.AddPropertySource(o.bus)
	}
	msg.SetRequestor(false)

	chain, err := o.bus.inChain(o.endpoint)
	if err != nil {
		o.bus.logger.Error("building in chain", "endpoint", o.endpoint.Name(), "error", err)
		msg.SetFault(fmt.Errorf("build in chain: %w", err))
		o.bus.faultObserver(o.endpoint).OnMessage(ctx, msg)
		o.bus.finish(ex)
		return
	}
	ex.Put(InChainKey, chain)
	o.bus.drive(ctx, ex, msg, func() error { return chain.DoIntercept(ctx, msg) })
}

// Resume continues a suspended exchange on the calling goroutine. A resume that arrives
// while the in chain is still running is handed to that walk, which then finishes the
// exchange.
func (b *Bus) Resume(ctx context.Context, ex *message.Exchange) error {
	v, _ := ex.Get(InChainKey)
	chain, ok := v.(*interceptor.Chain)
	if !ok {
		return ErrNotSuspended
	}
	err := chain.Resume(ctx)
	if errors.Is(err, interceptor.ErrNotPaused) {
		return ErrNotSuspended
	}
	b.drive(ctx, ex, ex.InMessage(), func() error { return err })
	return nil
}

func (b *Bus) drive(ctx context.Context, ex *message.Exchange, msg *message.Message, run func() error) {
	err := run()
	switch {
	case errors.Is(err, interceptor.ErrSuspended):
		b.logger.Debug("exchange suspended", "message_id", msg.ID())
		return
	case errors.Is(err, interceptor.ErrResumeQueued):
		b.logger.Debug("resume handed to running chain", "message_id", msg.ID())
		return
	case err != nil:
		// The chain aborted without running its fault observer.
		b.logger.Error("in chain aborted", "message_id", msg.ID(), "error", err)
		if msg.Fault() == nil {
			msg.SetFault(err)
		}
		if ep, ok := EndpointOf(ex); ok && !ex.OneWay() {
			b.faultObserver(ep).OnMessage(ctx, msg)
		}
	}
	b.finish(ex)
}

// OutFaultObserver turns a fault raised in an in or out chain into a fault response by
// running the endpoint's out-fault chain.
type OutFaultObserver struct {
	bus      *Bus
	endpoint *Endpoint
}

// OnMessage implements interceptor.Observer.
func (o *OutFaultObserver) OnMessage(ctx context.Context, msg *message.Message) {
	ex := msg.Exchange()
	if ex == nil {
		return
	}
	cause := msg.Fault()
	if cause == nil {
		cause = errors.New("unknown fault")
	}
	if Responded(ex) {
		o.bus.logger.Warn("fault after response was committed",
			"endpoint", o.endpoint.Name(),
			"message_id", msg.ID(),
			"error", cause,
		)
		return
	}
	if msg != ex.InMessage() {
		if in := ex.InMessage(); in != nil && in.Fault() == nil {
			in.SetFault(cause)
		}
	}

	fm := message.New()
	fm.SetFault(cause)
	fm.Put(message.ResponseCodeKey, message.StatusOf(cause))
	ex.SetOutFaultMessage(fm)

	chain, err := o.bus.outFaultChain(o.endpoint)
	if err != nil {
		o.bus.logger.Error("building out-fault chain", "endpoint", o.endpoint.Name(), "error", err)
		return
	}
	if err := chain.DoIntercept(ctx, fm); err != nil {
		o.bus.logger.Error("out-fault chain failed", "endpoint", o.endpoint.Name(), "error", err)
		return
	}
	if ferr := fm.Fault(); ferr != nil && !errors.Is(ferr, cause) {
		o.bus.logger.Error("sending fault response", "endpoint", o.endpoint.Name(), "error", ferr)
	}
}
