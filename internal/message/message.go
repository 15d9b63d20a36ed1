// Package message defines the mutable context that interceptors read and write while a
// chain processes one request or response.
package message

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// ContentKey names a typed content slot of a message.
type ContentKey string

// Well-known content slots.
const (
	// ContentInputStream holds the io.Reader delivered by the transport.
	ContentInputStream ContentKey = "input-stream"
	// ContentOutputStream holds the io.Writer the response is written into.
	ContentOutputStream ContentKey = "output-stream"
	// ContentCachedInput holds a *cachedio.OutputStream with the buffered request body.
	ContentCachedInput ContentKey = "cached-input"
	// ContentPayload holds the decoded payload bytes.
	ContentPayload ContentKey = "payload"
	// ContentEvent holds a decoded CloudEvent.
	ContentEvent ContentKey = "event"
)

// FaultMode classifies a recorded fault.
type FaultMode string

const (
	RuntimeFault   FaultMode = "runtime"
	LogicalFault   FaultMode = "logical"
	UncheckedFault FaultMode = "unchecked"
)

// ChainController is the subset of chain control an interceptor reaches through a message.
type ChainController interface {
	Pause()
	Suspend()
	Abort()
}

// Message is the property bag and content holder for one direction of an exchange.
type Message struct {
	id       string
	props    *Properties
	mu       sync.RWMutex
	contents map[ContentKey]any
	exchange *Exchange
	chain    ChainController
	fault    error

	requestor bool
}

// New creates an empty message with a fresh id.
func New() *Message {
	return &Message{
		id:       uuid.New().String(),
		props:    NewProperties(),
		contents: make(map[ContentKey]any),
	}
}

// ID returns the unique id of the message.
func (m *Message) ID() string {
	return m.id
}

// Properties returns the property bag of the message.
func (m *Message) Properties() *Properties {
	return m.props
}

// Put stores a message property.
func (m *Message) Put(key Key, value any) {
	m.props.Put(key, value)
}

// Get returns a message property.
func (m *Message) Get(key Key) (any, bool) {
	return m.props.Get(key)
}

// GetString returns a string message property or "".
func (m *Message) GetString(key Key) string {
	return m.props.String(key)
}

// Remove deletes a message property.
func (m *Message) Remove(key Key) {
	m.props.Remove(key)
}

// ContextualProperty looks key up on the message, then on the exchange and its
// endpoint and bus property sources.
func (m *Message) ContextualProperty(key Key) (any, bool) {
	if v, ok := m.props.Get(key); ok {
		return v, true
	}
	if ex := m.Exchange(); ex != nil {
		return ex.ContextualProperty(key)
	}
	return nil, false
}

// SetContent stores a content value.
func (m *Message) SetContent(key ContentKey, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v == nil {
		delete(m.contents, key)
		return
	}
	m.contents[key] = v
}

// Content returns a content value.
func (m *Message) Content(key ContentKey) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contents[key]
}

// ContentKeys returns the populated content slots.
func (m *Message) ContentKeys() []ContentKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]ContentKey, 0, len(m.contents))
	for k := range m.contents {
		keys = append(keys, k)
	}
	return keys
}

// Payload returns the ContentPayload bytes, if any.
func (m *Message) Payload() []byte {
	b, _ := m.Content(ContentPayload).([]byte)
	return b
}

// SetFault records the fault that diverted the chain.
func (m *Message) SetFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = err
}

// Fault returns the recorded fault.
func (m *Message) Fault() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fault
}

// SetChain attaches the chain currently driving the message.
func (m *Message) SetChain(c ChainController) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain = c
}

// Chain returns the chain currently driving the message.
func (m *Message) Chain() ChainController {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chain
}

// Exchange returns the exchange the message belongs to.
func (m *Message) Exchange() *Exchange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exchange
}

func (m *Message) setExchange(ex *Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchange = ex
}

// SetRequestor marks the message as produced by the requesting side.
func (m *Message) SetRequestor(v bool) {
	m.requestor = v
}

// IsRequestor reports whether the message belongs to the requesting side.
func (m *Message) IsRequestor() bool {
	return m.requestor
}

// ContentType returns the ContentTypeKey property.
func (m *Message) ContentType() string {
	return m.GetString(ContentTypeKey)
}

// Headers returns the protocol headers, creating them on first use.
func (m *Message) Headers() http.Header {
	if v, ok := m.Get(ProtocolHeadersKey); ok {
		if h, ok := v.(http.Header); ok {
			return h
		}
	}
	h := make(http.Header)
	m.Put(ProtocolHeadersKey, h)
	return h
}

// IsOutbound reports whether the message is the out or out-fault message of its exchange.
func (m *Message) IsOutbound() bool {
	ex := m.Exchange()
	if ex == nil {
		return false
	}
	return ex.OutMessage() == m || ex.OutFaultMessage() == m
}
