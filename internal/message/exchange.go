package message

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Conduit sends outbound messages. Prepare installs the output sink into the
// message's ContentOutputStream slot; Close commits it.
type Conduit interface {
	Prepare(ctx context.Context, msg *Message) error
	Close(msg *Message) error
}

// Destination receives inbound messages and supplies the back channel for responses.
type Destination interface {
	Address() string
	BackChannel(msg *Message) (Conduit, error)
}

// Exchange pairs a request with its response and fault messages.
type Exchange struct {
	mu          sync.RWMutex
	props       *Properties
	in          *Message
	out         *Message
	inFault     *Message
	outFault    *Message
	oneWay      bool
	destination Destination
	conduit     Conduit
	sources     []PropertySource
	closers     []io.Closer
}

// NewExchange creates an exchange around an inbound message.
// sources are consulted, in order, by contextual property lookups.
func NewExchange(in *Message, sources ...PropertySource) *Exchange {
	ex := &Exchange{props: NewProperties(), sources: sources}
	if in != nil {
		ex.SetInMessage(in)
	}
	return ex
}

// Properties returns the exchange property bag.
func (e *Exchange) Properties() *Properties {
	return e.props
}

// Put stores an exchange property.
func (e *Exchange) Put(key Key, v any) {
	e.props.Put(key, v)
}

// Get returns an exchange property.
func (e *Exchange) Get(key Key) (any, bool) {
	return e.props.Get(key)
}

// ContextualProperty looks key up on the exchange then on its property sources.
func (e *Exchange) ContextualProperty(key Key) (any, bool) {
	if v, ok := e.props.Get(key); ok {
		return v, true
	}
	e.mu.RLock()
	sources := e.sources
	e.mu.RUnlock()
	for _, s := range sources {
		if s == nil {
			continue
		}
		if v, ok := s.Property(key); ok {
			return v, true
		}
	}
	return nil, false
}

// AddPropertySource appends a source consulted by contextual lookups.
func (e *Exchange) AddPropertySource(s PropertySource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = append(e.sources, s)
}

func (e *Exchange) set(slot **Message, m *Message) {
	e.mu.Lock()
	*slot = m
	e.mu.Unlock()
	if m != nil {
		m.setExchange(e)
	}
}

func (e *Exchange) get(slot **Message) *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return *slot
}

// SetInMessage sets the inbound message.
func (e *Exchange) SetInMessage(m *Message) { e.set(&e.in, m) }

// InMessage returns the inbound message.
func (e *Exchange) InMessage() *Message { return e.get(&e.in) }

// SetOutMessage sets the outbound message.
func (e *Exchange) SetOutMessage(m *Message) { e.set(&e.out, m) }

// OutMessage returns the outbound message.
func (e *Exchange) OutMessage() *Message { return e.get(&e.out) }

// SetInFaultMessage sets the inbound fault message.
func (e *Exchange) SetInFaultMessage(m *Message) { e.set(&e.inFault, m) }

// InFaultMessage returns the inbound fault message.
func (e *Exchange) InFaultMessage() *Message { return e.get(&e.inFault) }

// SetOutFaultMessage sets the outbound fault message.
func (e *Exchange) SetOutFaultMessage(m *Message) { e.set(&e.outFault, m) }

// OutFaultMessage returns the outbound fault message.
func (e *Exchange) OutFaultMessage() *Message { return e.get(&e.outFault) }

// SetOneWay marks the exchange as having no response.
func (e *Exchange) SetOneWay(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oneWay = v
}

// OneWay reports whether the exchange has no response.
func (e *Exchange) OneWay() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.oneWay
}

// SetDestination sets the transport destination that received the request.
func (e *Exchange) SetDestination(d Destination) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destination = d
}

// Destination returns the transport destination.
func (e *Exchange) Destination() Destination {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.destination
}

// SetConduit sets the conduit responses are sent through.
func (e *Exchange) SetConduit(c Conduit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conduit = c
}

// Conduit returns the conduit responses are sent through.
func (e *Exchange) Conduit() Conduit {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conduit
}

// AddCloser registers a resource released when the exchange is closed.
func (e *Exchange) AddCloser(c io.Closer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closers = append(e.closers, c)
}

// Close releases registered resources in reverse order of registration.
func (e *Exchange) Close() error {
	e.mu.Lock()
	closers := e.closers
	e.closers = nil
	e.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
