package interceptor

import (
	"sync"

	"github.com/lsm/rpcflow/internal/phase"
)

// ChainCache builds a chain once per combination of interceptor lists and hands out
// clones of it. Sorting happens only when one of the lists changes.
type ChainCache struct {
	mu     sync.Mutex
	set    *phase.Set
	lists  [][]Interceptor
	proto  *Chain
	builds int
}

// NewChainCache creates a cache for chains over set.
func NewChainCache(set *phase.Set) *ChainCache {
	return &ChainCache{set: set}
}

// Get returns a fresh chain holding the interceptors of lists, in order.
func (cc *ChainCache) Get(lists [][]Interceptor, opts ...Option) (*Chain, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.proto == nil || !cc.matches(lists) {
		proto := NewChain(cc.set, opts...)
		for _, l := range lists {
			if err := proto.AddAll(l...); err != nil {
				return nil, err
			}
		}
		cc.proto = proto
		cc.lists = make([][]Interceptor, len(lists))
		for i, l := range lists {
			cc.lists[i] = append([]Interceptor(nil), l...)
		}
		cc.builds++
	}
	return cc.proto.clone(opts...), nil
}

// Builds reports how many times the cached chain was rebuilt.
func (cc *ChainCache) Builds() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.builds
}

func (cc *ChainCache) matches(lists [][]Interceptor) bool {
	if len(lists) != len(cc.lists) {
		return false
	}
	for i, l := range lists {
		if len(l) != len(cc.lists[i]) {
			return false
		}
		for j := range l {
			if !same(l[j], cc.lists[i][j]) {
				return false
			}
		}
	}
	return true
}
