package message

import "sync"

// Key names a message, exchange or endpoint property.
type Key string

// Well-known property keys.
const (
	ContentTypeKey     Key = "Content-Type"
	ResponseCodeKey    Key = "rpcflow.response.code"
	ProtocolHeadersKey Key = "rpcflow.protocol.headers"
	CorrelationIDKey   Key = "rpcflow.correlation.id"
	RequestURIKey      Key = "rpcflow.request.uri"
	HTTPMethodKey      Key = "rpcflow.http.method"
	EndpointNameKey    Key = "rpcflow.endpoint.name"
	FaultModeKey       Key = "rpcflow.fault.mode"
)

// PropertySource supplies properties to contextual lookups.
type PropertySource interface {
	Property(key Key) (any, bool)
}

// Properties is an insertion-ordered key/value bag safe for concurrent use.
type Properties struct {
	mu     sync.RWMutex
	keys   []Key
	values map[Key]any
}

// NewProperties creates an empty property bag.
func NewProperties() *Properties {
	return &Properties{values: make(map[Key]any)}
}

// Put stores a value. Re-putting a key keeps its original position.
func (p *Properties) Put(key Key, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value for key.
func (p *Properties) Get(key Key) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// Property implements PropertySource.
func (p *Properties) Property(key Key) (any, bool) {
	return p.Get(key)
}

// Remove deletes key and returns the previous value.
func (p *Properties) Remove(key Key) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	if !ok {
		return nil, false
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
	return v, true
}

// Keys returns the keys in insertion order.
func (p *Properties) Keys() []Key {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Key, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of stored properties.
func (p *Properties) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}

// String returns the value for key if it is a string.
func (p *Properties) String(key Key) string {
	v, _ := p.Get(key)
	s, _ := v.(string)
	return s
}
